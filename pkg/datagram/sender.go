package datagram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/saintparish4/altairdrop/pkg/packet"
	"github.com/saintparish4/altairdrop/pkg/transfer"
	"github.com/saintparish4/altairdrop/pkg/types"
)

// ErrRetriesExhausted is wrapped in the NetworkError returned when a packet
// is never acknowledged.
var ErrRetriesExhausted = errors.New("retries exhausted")

// maxAckSize is large enough for "ACK:" and any u32.
const maxAckSize = 64

// Stats summarizes a finished send.
type Stats struct {
	Packets     int
	Bytes       int64
	Retransmits int
}

// Sender streams one file to a destination. It owns its sequence counter;
// use one Sender per transfer.
type Sender struct {
	conn    *net.UDPConn
	dest    *net.UDPAddr
	cfg     Config
	limiter *rate.Limiter
	log     *logrus.Entry
	stats   Stats
}

// NewSender creates a sender writing to dest over conn. The caller keeps
// ownership of conn.
func NewSender(conn *net.UDPConn, dest *net.UDPAddr, cfg Config) *Sender {
	cfg = cfg.withDefaults()

	limit := rate.Inf
	if cfg.Pacing > 0 {
		limit = rate.Every(cfg.Pacing)
	}

	return &Sender{
		conn:    conn,
		dest:    dest,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		log:     cfg.logger("datagram").WithField("peer", dest.String()),
	}
}

// SendFile resolves destination, opens a socket of the matching family and
// sends path.
func SendFile(ctx context.Context, path, destination string, cfg Config) error {
	dest, err := net.ResolveUDPAddr("udp", destination)
	if err != nil {
		return types.NetworkError("resolve destination", err)
	}

	network := networkFor(dest)
	conn, err := Listen(ctx, network, ":0", cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	return NewSender(conn, dest, cfg).SendFile(ctx, path)
}

// SendFile sends the filename packet followed by the file in chunks. A
// trailing empty packet is added when the last chunk is full so the
// receiver always sees a short packet.
func (s *Sender) SendFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return types.IOError("open file", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return types.IOError("stat file", err)
	}

	name := packet.SanitizeFilename(filepath.Base(path))
	tracker := transfer.NewTracker(name, info.Size(), s.cfg.OnProgress)

	stop := context.AfterFunc(ctx, func() {
		s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	s.log.WithFields(logrus.Fields{"file": name, "size": info.Size()}).Info("sending file")

	if err := s.send(ctx, packet.FilenameSno, []byte(name)); err != nil {
		return err
	}

	buf := make([]byte, s.cfg.ChunkSize)
	for sno := uint32(1); ; sno++ {
		n, err := io.ReadFull(f, buf)
		last := false
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			last = true
		default:
			return types.IOError("read file", err)
		}

		if err := s.send(ctx, sno, buf[:n]); err != nil {
			return err
		}
		s.stats.Bytes += int64(n)
		tracker.Add(n)

		if last {
			break
		}
	}

	s.log.WithFields(logrus.Fields{
		"packets":     s.stats.Packets,
		"bytes":       s.stats.Bytes,
		"retransmits": s.stats.Retransmits,
	}).Info("file sent")
	return nil
}

// Stats returns counters for the transfer so far.
func (s *Sender) Stats() Stats {
	return s.stats
}

// send transmits one packet and, in acknowledged mode, resends it until
// its ack arrives or the retry budget runs out.
func (s *Sender) send(ctx context.Context, sno uint32, payload []byte) error {
	p, err := packet.New(sno, payload)
	if err != nil {
		return types.FramingError("build packet", err)
	}
	data, err := p.Encode()
	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return types.NetworkError(fmt.Sprintf("send sno %d", sno), err)
		}
		if _, err := s.conn.WriteToUDP(data, s.dest); err != nil {
			return types.NetworkError(fmt.Sprintf("send sno %d", sno), err)
		}
		if attempt == 0 {
			s.stats.Packets++
		} else {
			s.stats.Retransmits++
		}

		if !s.cfg.Acknowledged {
			return nil
		}

		acked, err := s.awaitAck(ctx, sno)
		if err != nil {
			return err
		}
		if acked {
			return nil
		}

		if s.cfg.MaxRetries >= 0 && attempt >= s.cfg.MaxRetries {
			return types.NetworkError(fmt.Sprintf("send sno %d", sno),
				fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, attempt+1))
		}
		s.log.WithFields(logrus.Fields{"sno": sno, "attempt": attempt + 1}).Debug("ack timeout, resending")
	}
}

// awaitAck reads until "ACK:<sno>" arrives from the destination or
// AckTimeout passes. Any other datagram is ignored.
func (s *Sender) awaitAck(ctx context.Context, sno uint32) (bool, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.AckTimeout)); err != nil {
		return false, types.NetworkError("set read deadline", err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, types.NetworkError(fmt.Sprintf("await ack %d", sno), ctxErr)
	}

	buf := make([]byte, maxAckSize)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return false, types.NetworkError(fmt.Sprintf("await ack %d", sno), ctxErr)
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return false, nil
			}
			return false, types.NetworkError(fmt.Sprintf("await ack %d", sno), err)
		}

		if !sameAddr(from, s.dest) {
			continue
		}
		if got, ok := parseAck(buf[:n]); ok && got == sno {
			return true, nil
		}
	}
}
