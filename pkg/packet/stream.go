package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/saintparish4/altairdrop/pkg/types"
)

// FrameLengthSize is the size of the big-endian length prefix used in
// stream framing mode.
const FrameLengthSize = 4

// MaxFrameSize bounds a single framed packet.
const MaxFrameSize = HeaderSize + MaxPayloadSize

// EncodeFrame returns the packet's wire form prefixed with its length.
func EncodeFrame(p *Packet) ([]byte, error) {
	data, err := p.Encode()
	if err != nil {
		return nil, err
	}

	frame := make([]byte, FrameLengthSize+len(data))
	binary.BigEndian.PutUint32(frame[:FrameLengthSize], uint32(len(data)))
	copy(frame[FrameLengthSize:], data)
	return frame, nil
}

// WriteFrame writes one length-prefixed packet to w.
func WriteFrame(w io.Writer, p *Packet) error {
	frame, err := EncodeFrame(p)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return types.NetworkError("write frame", err)
	}
	return nil
}

// ReadFrame reads exactly one length-prefixed packet from r. A clean EOF
// before the length prefix is returned as io.EOF.
func ReadFrame(r io.Reader) (*Packet, error) {
	var prefix [FrameLengthSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, types.FramingError("read frame length", err)
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size < HeaderSize || size > MaxFrameSize {
		return nil, types.FramingError("read frame", fmt.Errorf("invalid frame size: %d", size))
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, types.FramingError("read frame body", err)
	}

	return Decode(data)
}
