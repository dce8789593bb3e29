package packet

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saintparish4/altairdrop/pkg/types"
)

func TestChecksumKnownVector(t *testing.T) {
	// CRC-16/ARC check value
	assert.Equal(t, uint16(0xBB3D), Checksum([]byte("123456789")))
	assert.Equal(t, uint16(0x0000), Checksum(nil))
}

func TestChecksumDeterministic(t *testing.T) {
	payload := bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 256)
	first := Checksum(payload)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, Checksum(append([]byte(nil), payload...)))
	}

	payload[100] ^= 0x01
	assert.NotEqual(t, first, Checksum(payload))
}

func TestEncodeDecodeRoundtrip(t *testing.T) {
	tests := []struct {
		name    string
		sno     uint32
		payload []byte
	}{
		{"filename", 0, []byte("report.pdf")},
		{"full chunk", 1, bytes.Repeat([]byte{0x42}, DefaultChunkSize)},
		{"short chunk", 3, bytes.Repeat([]byte{0x07}, 452)},
		{"empty trailer", 9, []byte{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.sno, tt.payload)
			require.NoError(t, err)

			data, err := p.Encode()
			require.NoError(t, err)
			assert.Len(t, data, HeaderSize+len(tt.payload))

			decoded, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, p.Header, decoded.Header)
			assert.Equal(t, p.Sno, decoded.Sno)
			assert.Equal(t, p.PayloadLength, decoded.PayloadLength)
			assert.Equal(t, p.Checksum, decoded.Checksum)
			assert.True(t, bytes.Equal(p.Payload, decoded.Payload))
			assert.NoError(t, decoded.Verify())

			again, err := decoded.Encode()
			require.NoError(t, err)
			assert.Equal(t, data, again)
		})
	}
}

func TestHeaderLayout(t *testing.T) {
	p, err := New(0x01020304, []byte{0xaa, 0xbb})
	require.NoError(t, err)

	data, err := p.Encode()
	require.NoError(t, err)

	assert.Equal(t, Magic, binary.BigEndian.Uint64(data[0:8]))
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, data[8:12])
	assert.Equal(t, []byte{0x00, 0x02}, data[12:14])
	assert.Equal(t, Checksum([]byte{0xaa, 0xbb}), binary.BigEndian.Uint16(data[14:16]))
	assert.Equal(t, []byte{0xaa, 0xbb}, data[16:])
}

func TestDecodeFramingErrors(t *testing.T) {
	p, err := New(1, []byte("hello"))
	require.NoError(t, err)
	good, err := p.Encode()
	require.NoError(t, err)

	badMagic := append([]byte(nil), good...)
	badMagic[0] ^= 0xff

	tests := []struct {
		name string
		data []byte
	}{
		{"too short", good[:HeaderSize-1]},
		{"bad magic", badMagic},
		{"truncated payload", good[:len(good)-1]},
		{"trailing bytes", append(append([]byte(nil), good...), 0x00)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrFraming)
		})
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	p, err := New(2, []byte("some file bytes"))
	require.NoError(t, err)
	data, err := p.Encode()
	require.NoError(t, err)

	data[HeaderSize+3] ^= 0x20

	decoded, err := Decode(data)
	require.NoError(t, err, "corruption is not a framing failure")
	assert.ErrorIs(t, decoded.Verify(), types.ErrChecksum)
}

func TestEncodeLengthMismatch(t *testing.T) {
	p := &Packet{Header: Magic, Sno: 1, PayloadLength: 4, Payload: []byte("abc")}
	_, err := p.Encode()
	assert.ErrorIs(t, err, types.ErrFraming)
}

func TestNewRejectsOversizePayload(t *testing.T) {
	_, err := New(1, make([]byte, MaxPayloadSize+1))
	assert.Error(t, err)
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		sno  uint32
		size int
		want bool
	}{
		{0, 3, false},
		{1, DefaultChunkSize, false},
		{3, 452, true},
		{4, 0, true},
	}

	for _, tt := range tests {
		p, err := New(tt.sno, make([]byte, tt.size))
		require.NoError(t, err)
		assert.Equal(t, tt.want, p.IsTerminal(DefaultChunkSize), "sno=%d size=%d", tt.sno, tt.size)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "....etcpasswd"},
		{`C:\Users\me\a?b*.txt`, "CUsersmeab.txt"},
		{`<>:"|?*`, FallbackFilename},
		{"..", FallbackFilename},
		{"", FallbackFilename},
		{"  notes.md ", "notes.md"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeFilename(tt.in), "input %q", tt.in)
	}
}

func TestFrameRoundtrip(t *testing.T) {
	var buf bytes.Buffer

	first, err := New(0, []byte("a.bin"))
	require.NoError(t, err)
	second, err := New(1, bytes.Repeat([]byte{1}, 300))
	require.NoError(t, err)

	require.NoError(t, WriteFrame(&buf, first))
	require.NoError(t, WriteFrame(&buf, second))

	prefix := binary.BigEndian.Uint32(buf.Bytes()[:FrameLengthSize])
	assert.Equal(t, uint32(HeaderSize+5), prefix)

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("a.bin"), got.Payload)

	got, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), got.Sno)
	assert.Len(t, got.Payload, 300)

	_, err = ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameTruncated(t *testing.T) {
	p, err := New(5, []byte("payload"))
	require.NoError(t, err)
	frame, err := EncodeFrame(p)
	require.NoError(t, err)

	_, err = ReadFrame(bytes.NewReader(frame[:len(frame)-2]))
	assert.ErrorIs(t, err, types.ErrFraming)

	bogus := []byte{0xff, 0xff, 0xff, 0xff}
	_, err = ReadFrame(bytes.NewReader(bogus))
	assert.ErrorIs(t, err, types.ErrFraming)
}
