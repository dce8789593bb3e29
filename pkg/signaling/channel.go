package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/saintparish4/altairdrop/pkg/types"
)

// Conn abstracts a WebSocket connection for testability.
// This interface is satisfied by *websocket.Conn from gorilla/websocket.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetWriteDeadline(t time.Time) error
}

// WebSocket message types (matching gorilla/websocket constants)
const (
	TextMessage   = websocket.TextMessage
	BinaryMessage = websocket.BinaryMessage
)

// ErrClosed is returned for operations on a closed channel.
var ErrClosed = errors.New("signaling channel closed")

// Frame is one unsolicited inbound frame. Exactly one field is set.
type Frame struct {
	Message *Message
	Binary  []byte
	Err     error
}

// Matcher decides whether an inbound message answers an outstanding request.
type Matcher func(*Message) bool

// Discoverer looks up the public endpoint for one address family.
// *stun.Client satisfies it.
type Discoverer interface {
	Discover(ctx context.Context, server string, family types.Family) (*types.Endpoint, error)
}

type request struct {
	ctx     context.Context
	kind    int
	data    []byte
	match   Matcher
	replyCh chan result
}

type result struct {
	msg *Message
	err error
}

type inbound struct {
	kind int
	data []byte
}

// Channel is a client connection to the rendezvous server.
//
// One goroutine owns all writes and the outstanding request; a second
// reads frames and hands them over. At most one request awaits a reply at
// any time and later requests queue behind it in FIFO order. Inbound
// frames that answer no request are delivered on Frames in arrival order.
type Channel struct {
	conn Conn
	cfg  Config
	log  *logrus.Entry

	requests chan *request
	inbound  chan inbound
	frames   chan Frame
	closing  chan struct{}
	done     chan struct{}
	stopped  chan struct{}

	closeOnce sync.Once

	mu      sync.Mutex
	err     error
	readErr error
}

// Connect dials the rendezvous server at cfg.URL.
func Connect(ctx context.Context, cfg Config) (*Channel, error) {
	cfg = cfg.withDefaults()

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, http.Header{})
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
		}
		return nil, types.NetworkError("connect "+cfg.URL, err)
	}

	return NewChannel(conn, cfg), nil
}

// NewChannel wraps an established connection and starts its goroutines.
func NewChannel(conn Conn, cfg Config) *Channel {
	cfg = cfg.withDefaults()

	c := &Channel{
		conn:     conn,
		cfg:      cfg,
		log:      cfg.logger(),
		requests: make(chan *request),
		inbound:  make(chan inbound),
		frames:   make(chan Frame),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	go c.readLoop()
	go c.run()
	return c
}

// Frames returns the unsolicited inbound frames. The channel is closed once
// the connection is gone and the backlog has been drained, or on Close.
func (c *Channel) Frames() <-chan Frame {
	return c.frames
}

// Done is closed when the underlying connection ends.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection ended, or nil while it is open.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close shuts the connection down. Pending requests fail with ErrClosed.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.err == nil {
			c.err = ErrClosed
		}
		c.mu.Unlock()

		close(c.closing)
		err = c.conn.Close()
		<-c.stopped
	})
	return err
}

// Send writes one text frame.
func (c *Channel) Send(ctx context.Context, msg *Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	_, err = c.submit(ctx, &request{ctx: ctx, kind: TextMessage, data: data})
	return err
}

// SendBinary writes one binary frame.
func (c *Channel) SendBinary(ctx context.Context, data []byte) error {
	_, err := c.submit(ctx, &request{ctx: ctx, kind: BinaryMessage, data: data})
	return err
}

// Exchange sends msg and waits for the first inbound message accepted by
// match. It returns a Timeout error after Config.ReplyTimeout.
func (c *Channel) Exchange(ctx context.Context, msg *Message, match Matcher) (*Message, error) {
	if match == nil {
		return nil, errors.New("exchange requires a matcher")
	}
	data, err := msg.Encode()
	if err != nil {
		return nil, err
	}
	return c.submit(ctx, &request{ctx: ctx, kind: TextMessage, data: data, match: match})
}

func (c *Channel) submit(ctx context.Context, req *request) (*Message, error) {
	req.replyCh = make(chan result, 1)

	select {
	case c.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.closedErr()
	case <-c.stopped:
		return nil, c.closedErr()
	}

	select {
	case res := <-req.replyCh:
		return res.msg, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Channel) closedErr() error {
	if err := c.Err(); err != nil {
		return types.NetworkError("signaling", fmt.Errorf("%w: %v", ErrClosed, err))
	}
	return types.NetworkError("signaling", ErrClosed)
}

// readLoop hands every frame to run until the connection fails.
func (c *Channel) readLoop() {
	defer close(c.inbound)

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}

		select {
		case c.inbound <- inbound{kind: kind, data: data}:
		case <-c.stopped:
			return
		}
	}
}

// run owns the connection writes and the request queue.
func (c *Channel) run() {
	defer close(c.stopped)

	var (
		pending *request
		queue   []*request
		backlog []Frame
		timer   *time.Timer
		timeout <-chan time.Time
		in      = c.inbound
	)

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, timeout = nil, nil
		}
	}

	finish := func(res result) {
		pending.replyCh <- res
		pending = nil
		stopTimer()
	}

	// advance starts queued exchanges until one is in flight.
	advance := func() {
		for pending == nil && len(queue) > 0 {
			next := queue[0]
			queue = queue[1:]
			if err := next.ctx.Err(); err != nil {
				next.replyCh <- result{err: err}
				continue
			}
			if err := c.write(next.kind, next.data); err != nil {
				next.replyCh <- result{err: err}
				continue
			}
			pending = next
			timer = time.NewTimer(c.cfg.ReplyTimeout)
			timeout = timer.C
		}
	}

	failAll := func(err error) {
		if pending != nil {
			finish(result{err: err})
		}
		for _, r := range queue {
			r.replyCh <- result{err: err}
		}
		queue = nil
	}

	for {
		var (
			out       chan Frame
			head      Frame
			cancelled <-chan struct{}
			recv      = in
		)
		if len(backlog) > 0 {
			out, head = c.frames, backlog[0]
		}
		// A full backlog stops reading so the transport window throttles
		// the remote writer.
		if len(backlog) >= c.cfg.Backlog {
			recv = nil
		}
		if pending != nil {
			cancelled = pending.ctx.Done()
		}

		// After the connection ends, run only drains the backlog.
		if in == nil && len(backlog) == 0 {
			close(c.frames)
			return
		}

		select {
		case req := <-c.requests:
			if in == nil {
				req.replyCh <- result{err: c.closedErr()}
				continue
			}
			if req.match == nil {
				req.replyCh <- result{err: c.write(req.kind, req.data)}
				continue
			}
			queue = append(queue, req)
			advance()

		case frame, ok := <-recv:
			if !ok {
				in = nil
				c.markDone()
				failAll(c.closedErr())
				continue
			}

			if frame.kind == BinaryMessage {
				backlog = append(backlog, Frame{Binary: frame.data})
				continue
			}

			msg, err := ParseMessage(frame.data)
			if err != nil {
				c.log.WithError(err).Warn("malformed text frame")
				backlog = append(backlog, Frame{Err: err})
				continue
			}

			if pending != nil && pending.match(msg) {
				finish(result{msg: msg})
				advance()
				continue
			}
			backlog = append(backlog, Frame{Message: msg})

		case out <- head:
			backlog[0] = Frame{}
			backlog = backlog[1:]

		case <-timeout:
			timer, timeout = nil, nil
			err := types.TimeoutError("await reply", fmt.Errorf("no reply within %v", c.cfg.ReplyTimeout))
			pending.replyCh <- result{err: err}
			pending = nil
			advance()

		case <-cancelled:
			finish(result{err: pending.ctx.Err()})
			advance()

		case <-c.closing:
			failAll(types.NetworkError("signaling", ErrClosed))
			c.markDone()
			close(c.frames)
			return
		}
	}
}

func (c *Channel) write(kind int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return types.NetworkError("set write deadline", err)
	}
	if err := c.conn.WriteMessage(kind, data); err != nil {
		return types.NetworkError("write frame", err)
	}
	return nil
}

func (c *Channel) markDone() {
	c.mu.Lock()
	if c.err == nil {
		c.err = c.readErr
		if c.err == nil {
			c.err = ErrClosed
		}
	}
	c.mu.Unlock()

	select {
	case <-c.done:
	default:
		close(c.done)
	}
}
