package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saintparish4/altairdrop/pkg/types"
)

type wireFrame struct {
	kind int
	data []byte
}

// fakeConn is a scripted connection: the test pushes inbound frames and
// inspects what the channel wrote.
type fakeConn struct {
	in     chan wireFrame
	out    chan wireFrame
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan wireFrame, 64),
		out:    make(chan wireFrame, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) WriteMessage(kind int, data []byte) error {
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	default:
	}
	f.out <- wireFrame{kind: kind, data: append([]byte(nil), data...)}
	return nil
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case fr := <-f.in:
		return fr.kind, fr.data, nil
	case <-f.closed:
		return 0, nil, io.EOF
	}
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) push(s string) { f.in <- wireFrame{kind: TextMessage, data: []byte(s)} }

func (f *fakeConn) pushBinary(b []byte) { f.in <- wireFrame{kind: BinaryMessage, data: b} }

// awaitWrite is next for helper goroutines, which must not call t.Fatal.
func (f *fakeConn) awaitWrite() wireFrame {
	select {
	case fr := <-f.out:
		return fr
	case <-time.After(2 * time.Second):
		return wireFrame{}
	}
}

func (f *fakeConn) next(t *testing.T) wireFrame {
	t.Helper()
	select {
	case fr := <-f.out:
		return fr
	case <-time.After(2 * time.Second):
		t.Fatal("no frame written")
		return wireFrame{}
	}
}

func quietConfig() Config {
	logger, _ := test.NewNullLogger()
	cfg := DefaultConfig("ws://test")
	cfg.Logger = logrus.NewEntry(logger)
	return cfg
}

func newTestChannel(t *testing.T, cfg Config) (*Channel, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	ch := NewChannel(conn, cfg)
	t.Cleanup(func() { ch.Close() })
	return ch, conn
}

func nextFrame(t *testing.T, ch *Channel) Frame {
	t.Helper()
	select {
	case f, ok := <-ch.Frames():
		require.True(t, ok, "frames closed")
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame delivered")
		return Frame{}
	}
}

func isType(mt MessageType) Matcher {
	return func(m *Message) bool { return m.Type == mt }
}

func TestExchangeRoutesReplyAndUnsolicited(t *testing.T) {
	ch, conn := newTestChannel(t, quietConfig())

	type res struct {
		msg *Message
		err error
	}
	done := make(chan res, 1)
	go func() {
		msg, err := ch.Exchange(context.Background(), NewMessage(TypeRequestPeer), isType(TypePeerList))
		done <- res{msg, err}
	}()

	sent := conn.next(t)
	assert.JSONEq(t, `{"type":"request_peer"}`, string(sent.data))

	// An unrelated frame arrives before the reply.
	conn.push(`{"type":"relay_initiated","status":"relay_initiated","peer":"bob"}`)
	conn.push(`{"type":"peer_list","users":["a","b"]}`)

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, []string{"a", "b"}, r.msg.Users)

	f := nextFrame(t, ch)
	require.NotNil(t, f.Message)
	assert.Equal(t, TypeRelayInitiated, f.Message.Type)
}

func TestExchangesAreSerialized(t *testing.T) {
	ch, conn := newTestChannel(t, quietConfig())

	first := make(chan *Message, 1)
	second := make(chan *Message, 1)

	go func() {
		m, _ := ch.Exchange(context.Background(), NewMessage(TypeRequestPeer), isType(TypePeerList))
		first <- m
	}()
	conn.next(t)

	go func() {
		m, _ := ch.Exchange(context.Background(), NewMessage(TypePeerInformation).WithTarget("x"), isType(TypePeerInfo))
		second <- m
	}()

	// The second request must not be written while the first is pending.
	select {
	case fr := <-conn.out:
		t.Fatalf("second request written early: %s", fr.data)
	case <-time.After(100 * time.Millisecond):
	}

	conn.push(`{"type":"peer_list","users":[]}`)
	<-first

	fr := conn.next(t)
	assert.Contains(t, string(fr.data), `"peer_information"`)

	conn.push(`{"type":"peer_info","username":"x"}`)
	m := <-second
	assert.Equal(t, "x", m.Username)
}

func TestExchangeTimeoutReleasesSlot(t *testing.T) {
	cfg := quietConfig()
	cfg.ReplyTimeout = 100 * time.Millisecond
	ch, conn := newTestChannel(t, cfg)

	_, err := ch.Exchange(context.Background(), NewMessage(TypeRequestPeer), isType(TypePeerList))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrTimeout)
	conn.next(t)

	// A late reply is now unsolicited.
	conn.push(`{"type":"peer_list","users":["late"]}`)
	f := nextFrame(t, ch)
	require.NotNil(t, f.Message)
	assert.Equal(t, []string{"late"}, f.Message.Users)

	// And the slot is free for the next exchange.
	go func() {
		conn.awaitWrite()
		conn.push(`{"type":"peer_list","users":["ok"]}`)
	}()
	users, err := ch.ListPeers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, users)
}

func TestExchangeCancellation(t *testing.T) {
	ch, conn := newTestChannel(t, quietConfig())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := ch.Exchange(ctx, NewMessage(TypeRequestPeer), isType(TypePeerList))
		errCh <- err
	}()
	conn.next(t)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("exchange not cancelled")
	}

	go func() {
		conn.awaitWrite()
		conn.push(`{"type":"peer_list","users":[]}`)
	}()
	_, err := ch.ListPeers(context.Background())
	require.NoError(t, err)
}

func TestFramesMalformedAndBinary(t *testing.T) {
	ch, conn := newTestChannel(t, quietConfig())

	conn.push(`not json`)
	conn.pushBinary([]byte{0xde, 0xad})
	conn.push(`{"type":"file_end","name":"x"}`)

	f := nextFrame(t, ch)
	assert.ErrorIs(t, f.Err, types.ErrProtocol)

	f = nextFrame(t, ch)
	assert.Equal(t, []byte{0xde, 0xad}, f.Binary)
	assert.Nil(t, f.Message)

	f = nextFrame(t, ch)
	require.NotNil(t, f.Message)
	assert.Equal(t, TypeFileEnd, f.Message.Type)
}

func TestFramesBacklogAppliesBackpressure(t *testing.T) {
	cfg := quietConfig()
	cfg.Backlog = 2
	ch, conn := newTestChannel(t, cfg)

	const count = 10
	for i := 0; i < count; i++ {
		conn.pushBinary([]byte{byte(i)})
	}
	conn.push(`{"type":"file_end","name":"x"}`)

	// With nobody consuming, the channel stops reading once the backlog
	// is full and the rest stays on the connection.
	time.Sleep(100 * time.Millisecond)
	assert.Greater(t, len(conn.in), 0, "reader kept pulling frames past the backlog")

	for i := 0; i < count; i++ {
		f := nextFrame(t, ch)
		require.Equal(t, []byte{byte(i)}, f.Binary, "frame %d", i)
	}
	f := nextFrame(t, ch)
	require.NotNil(t, f.Message)
	assert.Equal(t, TypeFileEnd, f.Message.Type)
}

func TestConnectionCloseFailsPendingAndDrains(t *testing.T) {
	ch, conn := newTestChannel(t, quietConfig())

	conn.push(`{"type":"relay_control","action":"end"}`)
	time.Sleep(50 * time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		_, err := ch.Exchange(context.Background(), NewMessage(TypeRequestPeer), isType(TypePeerList))
		errCh <- err
	}()
	conn.next(t)
	conn.Close()

	err := <-errCh
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, err, types.ErrNetwork)

	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed")
	}
	assert.Error(t, ch.Err())

	// Buffered frames are still delivered, then the channel closes.
	f := nextFrame(t, ch)
	require.NotNil(t, f.Message)
	assert.Equal(t, ActionEnd, f.Message.Action)

	_, ok := <-ch.Frames()
	assert.False(t, ok)

	err = ch.Send(context.Background(), NewMessage(TypeRequestPeer))
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestRegisterAnnouncesDiscoveredFamilies(t *testing.T) {
	cfg := quietConfig()
	cfg.Discoverer = fakeDiscoverer{
		types.FamilyIPv4: &types.Endpoint{Family: types.FamilyIPv4, IP: "203.0.113.5", Port: 4242},
	}
	cfg.PrivateIP = func() string { return "10.0.0.9" }
	ch, conn := newTestChannel(t, cfg)

	go func() {
		fr := conn.awaitWrite()
		var got map[string]interface{}
		if err := json.Unmarshal(fr.data, &got); err == nil && got["type"] == "register" {
			conn.push(`{"status":"registered","type":"registration_ack"}`)
		}
		conn.out <- fr
	}()

	eps, err := ch.Register(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, eps.IPv4)
	assert.Nil(t, eps.IPv6)
	assert.Equal(t, "10.0.0.9", eps.IPv4.PrivateIP)

	sent := conn.next(t)
	assert.JSONEq(t,
		`{"type":"register","username":"alice","ipv4_ip":"203.0.113.5","ipv4_port":4242,"ip":"10.0.0.9"}`,
		string(sent.data))
}

func TestRegisterRefused(t *testing.T) {
	cfg := quietConfig()
	cfg.Discoverer = fakeDiscoverer{}
	cfg.PrivateIP = func() string { return "" }
	ch, conn := newTestChannel(t, cfg)

	go func() {
		conn.awaitWrite()
		conn.push(`{"error":"Username already taken","type":"registration_fail"}`)
	}()

	_, err := ch.Register(context.Background(), "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrProtocol)
	assert.Contains(t, err.Error(), "Username already taken")
}

func TestInitiateRelayRejected(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"relay_fail", `{"error":"Target user 'bob' not found or invalid","type":"relay_fail"}`},
		{"error", `{"error":"Unknown or invalid request type","type":"error"}`},
		{"bad status", `{"type":"relay_initiated","status":"pending","peer":"bob"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch, conn := newTestChannel(t, quietConfig())
			go func() {
				conn.awaitWrite()
				conn.push(tt.reply)
			}()

			_, err := ch.InitiateRelay(context.Background(), "bob")
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrRelayRejected)
		})
	}
}

func TestEndRelayIgnoresPeerNotice(t *testing.T) {
	ch, conn := newTestChannel(t, quietConfig())

	go func() {
		conn.awaitWrite()
		// A peer's end notice is not our acknowledgement.
		conn.push(`{"type":"relay_control","action":"end","reason":"bye"}`)
		conn.push(`{"type":"relay_control","action":"end_ack"}`)
	}()

	require.NoError(t, ch.EndRelay(context.Background(), "done"))

	f := nextFrame(t, ch)
	require.NotNil(t, f.Message)
	assert.Equal(t, "bye", f.Message.Reason)
}

type fakeDiscoverer map[types.Family]*types.Endpoint

func (f fakeDiscoverer) Discover(_ context.Context, _ string, family types.Family) (*types.Endpoint, error) {
	if ep, ok := f[family]; ok {
		copied := *ep
		return &copied, nil
	}
	return nil, types.TimeoutError("discover", errors.New("no response"))
}
