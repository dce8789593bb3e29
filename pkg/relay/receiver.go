package relay

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/saintparish4/altairdrop/pkg/packet"
	"github.com/saintparish4/altairdrop/pkg/signaling"
	"github.com/saintparish4/altairdrop/pkg/transfer"
	"github.com/saintparish4/altairdrop/pkg/types"
)

var (
	// ErrIncomplete is wrapped when the relay ends before file_end.
	ErrIncomplete = errors.New("transfer incomplete")

	// ErrRelayEnded is wrapped when the partner ends the relay before
	// announcing a file.
	ErrRelayEnded = errors.New("relay ended by peer")

	// ErrDigestMismatch is wrapped in the IoError for a corrupt file.
	ErrDigestMismatch = errors.New("blake2b digest mismatch")

	// ErrSizeMismatch is wrapped when more bytes arrive than announced.
	ErrSizeMismatch = errors.New("size mismatch")
)

// Result describes a received file. On failure it still names the partial
// file when one was started.
type Result struct {
	Path     string
	Name     string
	Size     int64 // announced size, -1 if unknown
	Received int64
	Digest   string
	Verified bool
}

// Receiver accepts one relayed file.
type Receiver struct {
	src Source
	dir string
	cfg Config
	log *logrus.Entry
}

// incoming is the armed transfer.
type incoming struct {
	result    Result
	file      *os.File
	sum       hash.Hash
	tracker   *transfer.Tracker
	sinceSync int64
}

// NewReceiver creates a receiver reading frames from src into dir.
func NewReceiver(src Source, dir string, cfg Config) *Receiver {
	cfg = cfg.withDefaults()
	if dir == "" {
		dir = DefaultDownloadDir
	}
	return &Receiver{src: src, dir: dir, cfg: cfg, log: cfg.logger()}
}

// ReceiveFile waits for file_metadata, writes the following binary frames
// and returns once file_end has been checked. Partial files are kept on
// failure.
func (r *Receiver) ReceiveFile(ctx context.Context) (*Result, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return nil, types.IOError("create download dir", err)
	}

	var cur *incoming
	defer func() {
		if cur != nil && cur.file != nil {
			cur.file.Close()
		}
	}()

	frames := r.src.Frames()
	for {
		var (
			frame signaling.Frame
			ok    bool
		)
		select {
		case frame, ok = <-frames:
		case <-ctx.Done():
			return partial(cur), types.NetworkError("receive relay", ctx.Err())
		}

		if !ok {
			if cur != nil {
				r.log.WithField("received", cur.result.Received).Warn("connection closed mid-transfer, keeping partial file")
				return partial(cur), types.NetworkError("receive relay",
					fmt.Errorf("%w: connection closed", ErrIncomplete))
			}
			return nil, types.NetworkError("receive relay", signaling.ErrClosed)
		}

		switch {
		case frame.Err != nil:
			r.log.WithError(frame.Err).Warn("ignoring malformed frame")

		case frame.Binary != nil:
			if cur == nil {
				r.log.WithField("bytes", len(frame.Binary)).Debug("binary frame with no file armed")
				continue
			}
			if err := r.write(cur, frame.Binary); err != nil {
				return partial(cur), err
			}

		case frame.Message != nil:
			msg := frame.Message
			switch msg.Type {
			case signaling.TypeFileMetadata:
				if cur != nil {
					r.log.WithField("file", cur.result.Name).Warn("new file announced mid-transfer, abandoning current")
					cur.file.Close()
				}
				next, err := r.arm(msg)
				if err != nil {
					return nil, err
				}
				cur = next

			case signaling.TypeFileEnd:
				if cur == nil {
					r.log.Debug("file_end with no file armed")
					continue
				}
				if msg.Name != "" && packet.SanitizeFilename(msg.Name) != cur.result.Name {
					r.log.WithFields(logrus.Fields{"file": cur.result.Name, "end": msg.Name}).
						Warn("ignoring file_end for another file")
					continue
				}
				res, err := r.finish(cur, msg)
				cur.file = nil
				return res, err

			case signaling.TypeRelayControl:
				if msg.Action != signaling.ActionEnd {
					continue
				}
				if cur != nil {
					r.log.WithField("reason", msg.Reason).Warn("peer ended relay mid-transfer, keeping partial file")
					return partial(cur), types.NetworkError("receive relay",
						fmt.Errorf("%w: %s", ErrIncomplete, msg.Reason))
				}
				return nil, types.NetworkError("receive relay", fmt.Errorf("%w: %s", ErrRelayEnded, msg.Reason))

			default:
				r.log.WithField("type", msg.Type).Debug("ignoring frame")
			}
		}
	}
}

func (r *Receiver) arm(msg *signaling.Message) (*incoming, error) {
	name := packet.SanitizeFilename(msg.Name)
	path := filepath.Join(r.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return nil, types.IOError("create file", err)
	}

	size := msg.FileSize()
	r.log.WithFields(logrus.Fields{"file": name, "size": size}).Info("receiving relayed file")
	if r.cfg.OnStart != nil {
		r.cfg.OnStart(name, size)
	}

	return &incoming{
		result:  Result{Path: path, Name: name, Size: size},
		file:    f,
		sum:     newDigest(),
		tracker: transfer.NewTracker(name, size, r.cfg.OnProgress),
	}, nil
}

func (r *Receiver) write(cur *incoming, data []byte) error {
	if _, err := cur.file.Write(data); err != nil {
		return types.IOError("write file", err)
	}
	cur.sum.Write(data)
	cur.result.Received += int64(len(data))
	cur.sinceSync += int64(len(data))
	cur.tracker.Add(len(data))

	if cur.sinceSync >= r.cfg.SyncEvery {
		if err := cur.file.Sync(); err != nil {
			return types.IOError("sync file", err)
		}
		cur.sinceSync = 0
	}
	return nil
}

func (r *Receiver) finish(cur *incoming, msg *signaling.Message) (*Result, error) {
	syncErr := cur.file.Sync()
	closeErr := cur.file.Close()
	if err := errors.Join(syncErr, closeErr); err != nil {
		return &cur.result, types.IOError("close file", err)
	}

	res := cur.result
	res.Digest = hex.EncodeToString(cur.sum.Sum(nil))
	log := r.log.WithFields(logrus.Fields{"file": res.Path, "received": res.Received})

	switch {
	case res.Size < 0 || res.Size == res.Received:
	case res.Received < res.Size:
		log.WithField("expected", res.Size).Error("file shorter than announced, keeping partial file")
		return &res, types.IOError("receive "+res.Name,
			fmt.Errorf("%w: got %d of %d bytes", ErrIncomplete, res.Received, res.Size))
	default:
		log.WithField("expected", res.Size).Error("file longer than announced")
		return &res, types.IOError("receive "+res.Name,
			fmt.Errorf("%w: got %d bytes, announced %d", ErrSizeMismatch, res.Received, res.Size))
	}

	if msg.Digest != "" {
		if !strings.EqualFold(msg.Digest, res.Digest) {
			log.WithFields(logrus.Fields{"want": msg.Digest, "got": res.Digest}).Error("digest mismatch, keeping file")
			return &res, types.IOError("verify "+res.Name,
				fmt.Errorf("%w: want %s, got %s", ErrDigestMismatch, msg.Digest, res.Digest))
		}
		res.Verified = true
	}

	log.WithField("verified", res.Verified).Info("relayed file received")
	return &res, nil
}

func partial(cur *incoming) *Result {
	if cur == nil {
		return nil
	}
	res := cur.result
	return &res
}
