package stun

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/saintparish4/altairdrop/pkg/types"
)

const (
	// DefaultTimeout bounds the wait for a Binding Response.
	DefaultTimeout = 3 * time.Second

	// DefaultPort is used when the server address carries no port.
	DefaultPort = "3478"

	// maxResponseSize is one MTU.
	maxResponseSize = 1500
)

// ErrNoAddressForFamily is returned when the STUN host has no address in
// the requested family.
var ErrNoAddressForFamily = errors.New("no address for requested family")

// Client performs STUN binding requests. The zero value is usable.
type Client struct {
	Timeout  time.Duration
	Resolver *net.Resolver
	Logger   *logrus.Entry
}

// NewClient creates a STUN client with the default timeout.
func NewClient() *Client {
	return &Client{Timeout: DefaultTimeout}
}

var defaultClient = NewClient()

// Discover queries server for this host's public address in family using
// a default client.
func Discover(ctx context.Context, server string, family types.Family) (*types.Endpoint, error) {
	return defaultClient.Discover(ctx, server, family)
}

// Discover sends one Binding Request to server over a socket bound for
// family and returns the mapped public endpoint.
func (c *Client) Discover(ctx context.Context, server string, family types.Family) (*types.Endpoint, error) {
	serverAddr, err := c.resolve(ctx, server, family)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP(family.UDPNetwork(), nil)
	if err != nil {
		return nil, types.NetworkError("listen", err)
	}
	defer conn.Close()

	// Cancellation unblocks the read by expiring the deadline.
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	deadline := time.Now().Add(c.timeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, types.NetworkError("set read deadline", err)
	}

	id, err := NewTransactionID()
	if err != nil {
		return nil, err
	}

	if _, err := conn.WriteToUDP(BuildBindingRequest(id), serverAddr); err != nil {
		return nil, types.NetworkError("send binding request", err)
	}

	log := c.logger().WithFields(logrus.Fields{"server": serverAddr.String(), "family": family.String()})
	log.Debug("binding request sent")

	buf := make([]byte, maxResponseSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, types.NetworkError("read binding response", ctxErr)
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, types.TimeoutError("read binding response",
					fmt.Errorf("no response from %s within %v", serverAddr, c.timeout()))
			}
			return nil, types.NetworkError("read binding response", err)
		}

		public, err := ParseBindingResponse(buf[:n], id)
		switch {
		case err == nil:
			log.WithField("public", public.String()).Debug("binding response received")
			return &types.Endpoint{
				Family: family,
				IP:     public.IP.String(),
				Port:   public.Port,
			}, nil
		case errors.Is(err, types.ErrAddressNotFound):
			return nil, err
		case errors.Is(err, errBindingError):
			return nil, types.NetworkError("binding request", err)
		case errors.Is(err, errTransactionMismatch):
			log.WithField("from", from.String()).Debug("ignoring response for another transaction")
		default:
			log.WithField("from", from.String()).WithError(err).Debug("ignoring malformed datagram")
		}
	}
}

// DiscoverWithRetry attempts discovery with exponential backoff.
func (c *Client) DiscoverWithRetry(ctx context.Context, server string, family types.Family, maxRetries int) (*types.Endpoint, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		endpoint, err := c.Discover(ctx, server, family)
		if err == nil {
			return endpoint, nil
		}
		lastErr = err

		// Resolution and missing attributes will not improve on retry.
		if errors.Is(err, ErrNoAddressForFamily) || errors.Is(err, types.ErrAddressNotFound) {
			break
		}

		if attempt < maxRetries {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			if backoff > 10*time.Second {
				backoff = 10 * time.Second
			}
			select {
			case <-ctx.Done():
				return nil, types.NetworkError("discover", ctx.Err())
			case <-time.After(backoff):
			}
		}
	}

	return nil, fmt.Errorf("discovery failed after %d attempts: %w", maxRetries+1, lastErr)
}

// resolve looks up server strictly within family.
func (c *Client) resolve(ctx context.Context, server string, family types.Family) (*net.UDPAddr, error) {
	host, port, err := net.SplitHostPort(server)
	if err != nil {
		host, port = server, DefaultPort
	}

	portNum, err := net.LookupPort("udp", port)
	if err != nil {
		return nil, types.NetworkError("resolve port", err)
	}

	resolver := c.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	ips, err := resolver.LookupIP(ctx, family.IPNetwork(), host)
	if err != nil || len(ips) == 0 {
		if err == nil {
			err = errors.New("empty result")
		}
		return nil, types.NetworkError("resolve",
			fmt.Errorf("%w: %s (%s): %v", ErrNoAddressForFamily, host, family, err))
	}

	return &net.UDPAddr{IP: ips[0], Port: portNum}, nil
}

func (c *Client) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

func (c *Client) logger() *logrus.Entry {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.NewEntry(logrus.StandardLogger()).WithField("component", "stun")
}
