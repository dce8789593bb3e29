package datagram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/saintparish4/altairdrop/pkg/packet"
	"github.com/saintparish4/altairdrop/pkg/transfer"
	"github.com/saintparish4/altairdrop/pkg/types"
)

// Receiver accepts one file. Packets must arrive in sequence; anything
// ahead of the expected sno is dropped and left to the sender's resend.
type Receiver struct {
	conn      *net.UDPConn
	outputDir string
	cfg       Config
	log       *logrus.Entry

	nextExpected uint32
	sender       *net.UDPAddr
	file         *os.File
	path         string
	tracker      *transfer.Tracker
}

// NewReceiver creates a receiver reading from conn and writing into
// outputDir. The caller keeps ownership of conn.
func NewReceiver(conn *net.UDPConn, outputDir string, cfg Config) *Receiver {
	cfg = cfg.withDefaults()
	return &Receiver{
		conn:      conn,
		outputDir: outputDir,
		cfg:       cfg,
		log:       cfg.logger("datagram").WithField("local", conn.LocalAddr().String()),
	}
}

// ReceiveFile binds bindAddr and receives one file into outputDir,
// returning the written path.
func ReceiveFile(ctx context.Context, bindAddr, outputDir string, cfg Config) (string, error) {
	conn, err := Listen(ctx, "udp", bindAddr, cfg)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	return NewReceiver(conn, outputDir, cfg).Receive(ctx)
}

// Receive reads packets until the terminal one, then lingers re-acking
// duplicates. It returns the path of the written file.
func (r *Receiver) Receive(ctx context.Context) (string, error) {
	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return "", types.IOError("create output dir", err)
	}

	stop := context.AfterFunc(ctx, func() {
		r.conn.SetReadDeadline(time.Now())
	})
	defer stop()
	defer r.closeFile()

	r.log.Info("waiting for sender")

	buf := make([]byte, packet.HeaderSize+packet.MaxPayloadSize)
	for {
		if err := r.setDeadline(ctx); err != nil {
			return "", err
		}

		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			return "", r.readError(ctx, err)
		}

		if r.sender != nil && !sameAddr(from, r.sender) {
			r.log.WithField("from", from.String()).Debug("ignoring datagram from another address")
			continue
		}

		p, err := packet.Decode(buf[:n])
		if err != nil {
			return "", err
		}
		if err := p.Verify(); err != nil {
			r.log.WithField("sno", p.Sno).Debug("checksum mismatch, dropping")
			continue
		}

		switch {
		case p.Sno == r.nextExpected:
			if err := r.accept(p, from); err != nil {
				return "", err
			}
			r.ack(p.Sno)
			r.nextExpected++

			if p.IsTerminal(r.cfg.ChunkSize) {
				if err := r.finish(); err != nil {
					return "", err
				}
				r.linger(ctx)
				return r.path, nil
			}

		case p.Sno < r.nextExpected:
			r.ack(p.Sno)

		default:
			r.log.WithFields(logrus.Fields{"sno": p.Sno, "expected": r.nextExpected}).Debug("out of order, dropping")
		}
	}
}

// accept stores an in-sequence packet. Packet 0 names the file and locks
// the sender address.
func (r *Receiver) accept(p *packet.Packet, from *net.UDPAddr) error {
	if p.Sno == packet.FilenameSno {
		name := packet.SanitizeFilename(string(p.Payload))
		r.path = filepath.Join(r.outputDir, name)

		f, err := os.Create(r.path)
		if err != nil {
			return types.IOError("create file", err)
		}
		r.file = f
		r.sender = from
		r.tracker = transfer.NewTracker(name, -1, r.cfg.OnProgress)
		r.log = r.log.WithField("peer", from.String())
		r.log.WithField("file", name).Info("receiving file")
		return nil
	}

	if _, err := r.file.Write(p.Payload); err != nil {
		return types.IOError("write file", err)
	}
	r.tracker.Add(len(p.Payload))
	return nil
}

func (r *Receiver) ack(sno uint32) {
	if !r.cfg.Acknowledged {
		return
	}
	if _, err := r.conn.WriteToUDP(encodeAck(sno), r.sender); err != nil {
		r.log.WithError(err).WithField("sno", sno).Warn("failed to send ack")
	}
}

func (r *Receiver) finish() error {
	if err := r.file.Sync(); err != nil {
		return types.IOError("sync file", err)
	}
	err := r.file.Close()
	r.file = nil
	if err != nil {
		return types.IOError("close file", err)
	}

	p := r.tracker.Snapshot()
	r.log.WithFields(logrus.Fields{
		"file":    r.path,
		"bytes":   p.BytesDone,
		"packets": p.Packets,
	}).Info("file received")
	return nil
}

// linger keeps answering duplicates so a sender whose last ACK was lost
// can still finish. It returns on silence, cancellation or any error.
func (r *Receiver) linger(ctx context.Context) {
	if !r.cfg.Acknowledged || r.cfg.Linger == 0 {
		return
	}

	deadline := time.Now().Add(r.cfg.Linger)
	if err := r.conn.SetReadDeadline(deadline); err != nil || ctx.Err() != nil {
		return
	}

	buf := make([]byte, packet.HeaderSize+packet.MaxPayloadSize)
	for {
		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if !sameAddr(from, r.sender) {
			continue
		}
		p, err := packet.Decode(buf[:n])
		if err != nil || p.Verify() != nil {
			continue
		}
		if p.Sno < r.nextExpected {
			r.ack(p.Sno)
		}
	}
}

// setDeadline applies IdleTimeout once the transfer has started.
func (r *Receiver) setDeadline(ctx context.Context) error {
	var deadline time.Time
	if r.sender != nil && r.cfg.IdleTimeout > 0 {
		deadline = time.Now().Add(r.cfg.IdleTimeout)
	}
	if err := r.conn.SetReadDeadline(deadline); err != nil {
		return types.NetworkError("set read deadline", err)
	}
	if err := ctx.Err(); err != nil {
		return types.NetworkError("receive", err)
	}
	return nil
}

func (r *Receiver) readError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return types.NetworkError("receive", ctxErr)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.TimeoutError("receive",
			fmt.Errorf("no packet %d within %v", r.nextExpected, r.cfg.IdleTimeout))
	}
	return types.NetworkError("receive", err)
}

func (r *Receiver) closeFile() {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}
