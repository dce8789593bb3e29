package signaling

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saintparish4/altairdrop/pkg/types"
)

func TestParsePeerListShapes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"users field", `{"type":"peer_list","users":["alice","bob"]}`, []string{"alice", "bob"}},
		{"empty users", `{"type":"peer_list","users":[]}`, []string{}},
		{"bare array", `["carol","dave"]`, []string{"carol", "dave"}},
		{"object keys", `{"zoe":{"ip":"1.2.3.4"},"adam":{}}`, []string{"adam", "zoe"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tt.in))
			require.NoError(t, err)

			users, err := ParsePeerList(msg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, users)
		})
	}
}

func TestParseMessageErrors(t *testing.T) {
	for _, in := range []string{"", "   ", "{", `[1,2]`, `"string"`} {
		_, err := ParseMessage([]byte(in))
		assert.ErrorIs(t, err, types.ErrProtocol, "input %q", in)
	}
}

func TestRegisterOmitsFailedFamily(t *testing.T) {
	msg := NewRegister("alice", types.Endpoints{
		IPv6: &types.Endpoint{Family: types.FamilyIPv6, IP: "2001:db8::1", Port: 9000},
	}, "")

	data, err := msg.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"register","username":"alice","ipv6_ip":"2001:db8::1","ipv6_port":9000}`, string(data))
}

func TestFileMessages(t *testing.T) {
	data, err := NewFileMetadata("empty.txt", 0).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"file_metadata","name":"empty.txt","size":0}`, string(data))

	msg, err := ParseMessage([]byte(`{"type":"file_end","name":"a"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(-1), msg.FileSize())
	assert.Empty(t, msg.Digest)
}

func TestMessageText(t *testing.T) {
	assert.Equal(t, "boom", (&Message{Error: "boom", Message: "other"}).Text())
	assert.Equal(t, "other", (&Message{Message: "other"}).Text())
	assert.True(t, (&Message{Type: TypeRelayFail}).IsFailure())
	assert.False(t, (&Message{Type: TypePeerList}).IsFailure())
}

func TestDirectAddress(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{"ipv4 preferred", Message{IPv4IP: "203.0.113.7", IPv4Port: 9001, IPv6IP: "2001:db8::1", IPv6Port: 9002}, "203.0.113.7:9001"},
		{"ipv6 fallback", Message{IPv6IP: "2001:db8::1", IPv6Port: 9002}, "[2001:db8::1]:9002"},
		{"ipv4 without port", Message{IPv4IP: "203.0.113.7", IPv6IP: "2001:db8::1", IPv6Port: 9002}, "[2001:db8::1]:9002"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.msg.DirectAddress()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := (&Message{Username: "bob"}).DirectAddress()
	assert.ErrorIs(t, err, types.ErrAddressNotFound)
}
