package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/saintparish4/altairdrop/pkg/types"
)

// RelayGrant is the server's confirmation that a relay session exists.
type RelayGrant struct {
	Peer      string
	Initiator string
}

// DiscoverEndpoints queries the configured STUN server for both families
// concurrently. A failed family is left nil; the error is logged.
func (c *Channel) DiscoverEndpoints(ctx context.Context) types.Endpoints {
	var (
		result types.Endpoints
		wg     sync.WaitGroup
		mu     sync.Mutex
	)

	for _, family := range []types.Family{types.FamilyIPv4, types.FamilyIPv6} {
		wg.Add(1)
		go func(family types.Family) {
			defer wg.Done()

			ep, err := c.cfg.Discoverer.Discover(ctx, c.cfg.STUNServer, family)
			if err != nil {
				c.log.WithFields(logrus.Fields{"family": family.String(), "server": c.cfg.STUNServer}).
					WithError(err).Warn("address discovery failed")
				return
			}

			mu.Lock()
			defer mu.Unlock()
			if family == types.FamilyIPv4 {
				result.IPv4 = ep
			} else {
				result.IPv6 = ep
			}
		}(family)
	}

	wg.Wait()
	return result
}

// Register discovers this host's public endpoints and registers username
// with the server. It returns the endpoints that were announced.
func (c *Channel) Register(ctx context.Context, username string) (types.Endpoints, error) {
	if username == "" {
		return types.Endpoints{}, errors.New("username is required")
	}

	endpoints := c.DiscoverEndpoints(ctx)
	privateIP := c.cfg.PrivateIP()
	if endpoints.IPv4 != nil {
		endpoints.IPv4.PrivateIP = privateIP
	}

	reply, err := c.Exchange(ctx, NewRegister(username, endpoints, privateIP), func(m *Message) bool {
		switch m.Type {
		case TypeRegistrationAck, TypeRegistrationFail, TypeError:
			return true
		}
		return false
	})
	if err != nil {
		return endpoints, err
	}
	if reply.Type != TypeRegistrationAck {
		return endpoints, types.ProtocolError("register", fmt.Errorf("server refused %q: %s", username, reply.Text()))
	}

	c.log.WithFields(logrus.Fields{
		"username": username,
		"ipv4":     endpointString(endpoints.IPv4),
		"ipv6":     endpointString(endpoints.IPv6),
	}).Info("registered")
	return endpoints, nil
}

// ListPeers requests the usernames currently registered.
func (c *Channel) ListPeers(ctx context.Context) ([]string, error) {
	reply, err := c.Exchange(ctx, NewMessage(c.cfg.ListRequestType), func(m *Message) bool {
		return m.Type == TypePeerList || m.Type == "" || m.Type == TypeError
	})
	if err != nil {
		return nil, err
	}
	if reply.Type == TypeError {
		return nil, types.ProtocolError("list peers", errors.New(reply.Text()))
	}
	return ParsePeerList(reply)
}

// PeerInfo requests the registration details of username.
func (c *Channel) PeerInfo(ctx context.Context, username string) (*Message, error) {
	reply, err := c.Exchange(ctx, NewMessage(TypePeerInformation).WithTarget(username), func(m *Message) bool {
		switch m.Type {
		case TypePeerInfo, TypePeerInfoFail, TypeError:
			return true
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	if reply.Type != TypePeerInfo {
		return nil, types.ProtocolError("peer info", errors.New(reply.Text()))
	}
	return reply, nil
}

// InitiateRelay asks the server to pair this connection with target.
func (c *Channel) InitiateRelay(ctx context.Context, target string) (*RelayGrant, error) {
	reply, err := c.Exchange(ctx, NewMessage(TypeInitiateRelay).WithTarget(target), func(m *Message) bool {
		switch m.Type {
		case TypeRelayInitiated, TypeRelayFail, TypeError:
			return true
		}
		return false
	})
	if err != nil {
		return nil, err
	}

	if reply.Type != TypeRelayInitiated {
		return nil, types.NewError(types.KindRelayRejected, "initiate relay", errors.New(reply.Text()))
	}
	if reply.Status != "" && reply.Status != StatusRelayInitiated {
		return nil, types.NewError(types.KindRelayRejected, "initiate relay",
			fmt.Errorf("unexpected status %q", reply.Status))
	}

	c.log.WithField("peer", reply.Peer).Info("relay session established")
	return &RelayGrant{Peer: reply.Peer, Initiator: reply.Initiator}, nil
}

// EndRelay tells the server the relay session is over.
func (c *Channel) EndRelay(ctx context.Context, reason string) error {
	reply, err := c.Exchange(ctx, NewRelayControl(ActionEnd, reason), func(m *Message) bool {
		switch {
		case m.Type == TypeRelayControl && m.Action == ActionEndAck:
			return true
		case m.Type == TypeRelayControlFail, m.Type == TypeError:
			return true
		}
		return false
	})
	if err != nil {
		return err
	}
	if reply.IsFailure() {
		return types.ProtocolError("end relay", errors.New(reply.Text()))
	}
	return nil
}

func endpointString(ep *types.Endpoint) string {
	if ep == nil {
		return "-"
	}
	return ep.String()
}
