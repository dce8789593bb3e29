package stun

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	pionstun "github.com/pion/stun/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saintparish4/altairdrop/pkg/types"
)

// fakeServer answers Binding Requests on loopback with the sender's
// address, optionally preceded by a response for a foreign transaction.
type fakeServer struct {
	conn        *net.UDPConn
	sendForeign bool
	silent      bool
}

func startFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	s := &fakeServer{conn: conn}
	t.Cleanup(func() { conn.Close() })
	return s
}

func (s *fakeServer) addr() string {
	return s.conn.LocalAddr().String()
}

func (s *fakeServer) serve(t *testing.T) {
	buf := make([]byte, 1500)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if s.silent {
			continue
		}

		req := new(pionstun.Message)
		req.Raw = append([]byte(nil), buf[:n]...)
		if err := req.Decode(); err != nil {
			t.Logf("fake server: decode: %v", err)
			continue
		}

		if s.sendForeign {
			var other [pionstun.TransactionIDSize]byte
			copy(other[:], "not-yours!!!")
			stray, err := pionstun.Build(pionstun.NewTransactionIDSetter(other), pionstun.BindingSuccess,
				&pionstun.XORMappedAddress{IP: net.IPv4(10, 9, 8, 7), Port: 1})
			if err == nil {
				s.conn.WriteToUDP(stray.Raw, from)
			}
		}

		resp, err := pionstun.Build(
			pionstun.NewTransactionIDSetter(req.TransactionID),
			pionstun.BindingSuccess,
			pionstun.NewSoftware("fake-stun"),
			&pionstun.XORMappedAddress{IP: from.IP, Port: from.Port},
		)
		if err != nil {
			t.Logf("fake server: build: %v", err)
			continue
		}
		s.conn.WriteToUDP(resp.Raw, from)
	}
}

func TestDiscoverAgainstFakeServer(t *testing.T) {
	srv := startFakeServer(t)
	srv.sendForeign = true
	go srv.serve(t)

	client := NewClient()
	endpoint, err := client.Discover(context.Background(), srv.addr(), types.FamilyIPv4)
	require.NoError(t, err)

	assert.Equal(t, types.FamilyIPv4, endpoint.Family)
	assert.Equal(t, "127.0.0.1", endpoint.IP)
	assert.NotZero(t, endpoint.Port)
}

func TestDiscoverTimeout(t *testing.T) {
	srv := startFakeServer(t)
	srv.silent = true
	go srv.serve(t)

	client := &Client{Timeout: 200 * time.Millisecond}

	start := time.Now()
	_, err := client.Discover(context.Background(), srv.addr(), types.FamilyIPv4)
	require.Error(t, err)

	assert.ErrorIs(t, err, types.ErrTimeout)
	assert.ErrorIs(t, err, types.ErrNetwork)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDiscoverCancelled(t *testing.T) {
	srv := startFakeServer(t)
	srv.silent = true
	go srv.serve(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := NewClient().Discover(ctx, srv.addr(), types.FamilyIPv4)
	require.Error(t, err)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), DefaultTimeout)
}

func TestDiscoverWrongFamily(t *testing.T) {
	_, err := NewClient().Discover(context.Background(), "127.0.0.1:3478", types.FamilyIPv6)
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrNoAddressForFamily)
	assert.ErrorIs(t, err, types.ErrNetwork)
}

func TestDiscoverWithRetry(t *testing.T) {
	srv := startFakeServer(t)
	go srv.serve(t)

	endpoint, err := NewClient().DiscoverWithRetry(context.Background(), srv.addr(), types.FamilyIPv4, 2)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", endpoint.IP)
}

func TestDiscoverWithRetryGivesUp(t *testing.T) {
	srv := startFakeServer(t)
	srv.silent = true
	go srv.serve(t)

	client := &Client{Timeout: 100 * time.Millisecond}
	_, err := client.DiscoverWithRetry(context.Background(), srv.addr(), types.FamilyIPv4, 1)
	require.Error(t, err)
	assert.ErrorContains(t, err, "after 2 attempts")
	assert.ErrorIs(t, err, types.ErrTimeout)
}

func TestDiscoverWithRetrySkipsUnresolvableFamily(t *testing.T) {
	start := time.Now()
	_, err := NewClient().DiscoverWithRetry(context.Background(), "127.0.0.1:3478", types.FamilyIPv6, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoAddressForFamily)
	assert.Less(t, time.Since(start), time.Second)
}

func TestBindingRequestDecodesWithPion(t *testing.T) {
	id, err := NewTransactionID()
	require.NoError(t, err)

	m := new(pionstun.Message)
	m.Raw = BuildBindingRequest(id)
	require.NoError(t, m.Decode())

	assert.Equal(t, pionstun.BindingRequest, m.Type)
	assert.Equal(t, [pionstun.TransactionIDSize]byte(id), m.TransactionID)
}

func TestParseBindingResponseFromPion(t *testing.T) {
	id, err := NewTransactionID()
	require.NoError(t, err)

	resp, err := pionstun.Build(
		pionstun.NewTransactionIDSetter(id),
		pionstun.BindingSuccess,
		pionstun.NewSoftware("padded-name"),
		&pionstun.XORMappedAddress{IP: net.ParseIP("203.0.113.9"), Port: 61000},
	)
	require.NoError(t, err)

	addr, err := ParseBindingResponse(resp.Raw, id)
	require.NoError(t, err)
	assert.True(t, addr.IP.Equal(net.ParseIP("203.0.113.9")))
	assert.Equal(t, 61000, addr.Port)
}

func TestParseBindingResponseErrors(t *testing.T) {
	id := TransactionID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}

	t.Run("no mapped address", func(t *testing.T) {
		msg := &Message{Type: TypeBindingSuccess, TransactionID: id}
		msg.AddAttribute(Attribute{Type: AttrSoftware, Value: []byte("x")})

		_, err := ParseBindingResponse(msg.Encode(), id)
		assert.ErrorIs(t, err, types.ErrAddressNotFound)
	})

	t.Run("foreign transaction", func(t *testing.T) {
		msg := &Message{Type: TypeBindingSuccess, TransactionID: TransactionID{9}}
		_, err := ParseBindingResponse(msg.Encode(), id)
		assert.True(t, errors.Is(err, errTransactionMismatch))
	})

	t.Run("binding error", func(t *testing.T) {
		msg := &Message{Type: TypeBindingError, TransactionID: id}
		_, err := ParseBindingResponse(msg.Encode(), id)
		assert.True(t, errors.Is(err, errBindingError))
	})

	t.Run("mapped address fallback", func(t *testing.T) {
		msg := &Message{Type: TypeBindingSuccess, TransactionID: id}
		msg.AddAttribute(EncodeMappedAddress(&net.UDPAddr{IP: net.ParseIP("192.0.2.44"), Port: 4444}))

		addr, err := ParseBindingResponse(msg.Encode(), id)
		require.NoError(t, err)
		assert.Equal(t, 4444, addr.Port)
	})
}

func TestParseBindingResponseRawBytes(t *testing.T) {
	id := TransactionID{0xa, 0xb, 0xc, 0xd, 0xe, 0xf, 0x1, 0x2, 0x3, 0x4, 0x5, 0x6}

	data := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(data[0:2], uint16(TypeBindingSuccess))
	binary.BigEndian.PutUint32(data[4:8], MagicCookie)
	copy(data[8:20], id[:])

	// An unknown 2-byte attribute padded to 4, then XOR-MAPPED-ADDRESS.
	data = append(data, 0x80, 0x99, 0x00, 0x02, 0xff, 0xff, 0x00, 0x00)
	data = append(data, 0x00, 0x20, 0x00, 0x08, 0x00, 0x01, 0x91, 0x11, 0xE1, 0xBA, 0xA5, 0x26)
	binary.BigEndian.PutUint16(data[2:4], uint16(len(data)-HeaderSize))

	addr, err := ParseBindingResponse(data, id)
	require.NoError(t, err)
	assert.Equal(t, 0x9111^0x2112, addr.Port)
	assert.Equal(t, "192.168.1.100", addr.IP.String())
}
