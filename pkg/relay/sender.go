package relay

import (
	"context"
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"github.com/saintparish4/altairdrop/pkg/signaling"
	"github.com/saintparish4/altairdrop/pkg/transfer"
	"github.com/saintparish4/altairdrop/pkg/types"
)

// Sender streams a file to the relay partner.
type Sender struct {
	ch  Transport
	cfg Config
	log *logrus.Entry
}

// NewSender creates a sender writing to ch. The relay must already be
// established.
func NewSender(ch Transport, cfg Config) *Sender {
	cfg = cfg.withDefaults()
	return &Sender{ch: ch, cfg: cfg, log: cfg.logger()}
}

// SendFile announces path, streams its content and closes it with a
// digest. Progress is reported after every frame.
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

	name := filepath.Base(path)
	log := s.log.WithFields(logrus.Fields{"file": name, "size": info.Size()})

	if err := s.ch.Send(ctx, signaling.NewFileMetadata(name, info.Size())); err != nil {
		return err
	}
	log.Info("relaying file")

	sum := newDigest()
	tracker := transfer.NewTracker(name, info.Size(), s.cfg.OnProgress)

	buf := make([]byte, s.cfg.ChunkSize)
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			sum.Write(buf[:n])
			if err := s.ch.SendBinary(ctx, buf[:n]); err != nil {
				return err
			}
			tracker.Add(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return types.IOError("read file", err)
		}
	}

	digest := hex.EncodeToString(sum.Sum(nil))
	if err := s.ch.Send(ctx, signaling.NewFileEnd(name, digest)); err != nil {
		return err
	}

	p := tracker.Snapshot()
	log.WithFields(logrus.Fields{"frames": p.Packets, "blake2b": digest}).Info("file relayed")
	return nil
}

func newDigest() hash.Hash {
	// Only fails for an oversize key.
	h, _ := blake2b.New256(nil)
	return h
}
