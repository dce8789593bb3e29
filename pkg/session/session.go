// Package session drives one file transfer end to end, over either the
// direct datagram transport or the signaling relay, and tracks its state.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/saintparish4/altairdrop/pkg/datagram"
	"github.com/saintparish4/altairdrop/pkg/relay"
	"github.com/saintparish4/altairdrop/pkg/signaling"
	"github.com/saintparish4/altairdrop/pkg/transfer"
	"github.com/saintparish4/altairdrop/pkg/types"
)

// Transport names the mechanism carrying the file.
type Transport string

const (
	TransportDirect Transport = "direct"
	TransportRelay  Transport = "relay"
)

// endReason is sent with relay_control end after a successful send.
const endReason = "transfer complete"

// Signaler is the part of a signaling connection a relayed send needs.
// *signaling.Channel satisfies it.
type Signaler interface {
	ListPeers(ctx context.Context) ([]string, error)
	InitiateRelay(ctx context.Context, target string) (*signaling.RelayGrant, error)
	EndRelay(ctx context.Context, reason string) error
	relay.Transport
}

// Directory looks up a registered peer. *signaling.Channel satisfies it.
type Directory interface {
	PeerInfo(ctx context.Context, username string) (*signaling.Message, error)
}

// Config holds the transport settings and observers for a session.
type Config struct {
	Datagram datagram.Config
	Relay    relay.Config

	Logger *logrus.Entry

	// OnStateChange is called after every transition, outside the
	// session lock.
	OnStateChange func(from, to State)

	// OnProgress receives transport progress.
	OnProgress transfer.ProgressCallback
}

// DefaultConfig returns the default session configuration
func DefaultConfig() Config {
	return Config{
		Datagram: datagram.DefaultConfig(),
		Relay:    relay.DefaultConfig(),
	}
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	ID               string
	State            State
	Transport        Transport
	Peer             string
	FilePath         string
	FileName         string
	FileSize         int64
	BytesTransferred int64
	CreatedAt        time.Time
	StartedAt        time.Time
	EndedAt          time.Time
	Err              error
}

// Session is a single transfer. It cannot be restarted once it leaves Idle.
type Session struct {
	id    string
	cfg   Config
	log   *logrus.Entry
	bytes atomic.Int64

	mu        sync.Mutex
	state     State
	transport Transport
	peer      string
	filePath  string
	fileName  string
	fileSize  int64
	createdAt time.Time
	startedAt time.Time
	endedAt   time.Time
	err       error
}

// New creates an idle session.
func New(cfg Config) *Session {
	id := uuid.NewString()

	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger()).WithField("component", "session")
	}

	return &Session{
		id:        id,
		cfg:       cfg,
		log:       log.WithField("session", id),
		state:     StateIdle,
		fileSize:  -1,
		createdAt: time.Now(),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BytesTransferred returns the bytes moved so far.
func (s *Session) BytesTransferred() int64 {
	return s.bytes.Load()
}

// Snapshot returns a copy of the session's current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:               s.id,
		State:            s.state,
		Transport:        s.transport,
		Peer:             s.peer,
		FilePath:         s.filePath,
		FileName:         s.fileName,
		FileSize:         s.fileSize,
		BytesTransferred: s.bytes.Load(),
		CreatedAt:        s.createdAt,
		StartedAt:        s.startedAt,
		EndedAt:          s.endedAt,
		Err:              s.err,
	}
}

// SendRelay sends path to target through the rendezvous server.
//
// The session checks that target is registered (AwaitingPeer), asks the
// server for a relay (RelayNegotiating), streams the file (Transferring)
// and ends the relay (Completed). A refused relay fails the session before
// any file bytes are sent.
//
// Example:
//
//	ch, _ := signaling.Connect(ctx, signaling.DefaultConfig(url))
//	ch.Register(ctx, "alice")
//	err := session.New(session.DefaultConfig()).SendRelay(ctx, ch, "bob", "report.pdf")
func (s *Session) SendRelay(ctx context.Context, ch Signaler, target, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return s.failFromIdle(types.IOError("stat file", err))
	}

	if err := s.begin(StateAwaitingPeer, TransportRelay, target, path, info.Size()); err != nil {
		return err
	}

	peers, err := ch.ListPeers(ctx)
	if err != nil {
		return s.fail(err)
	}
	if !slices.Contains(peers, target) {
		return s.fail(types.ProtocolError("send relay", fmt.Errorf("peer %q is not registered", target)))
	}

	if err := s.transition(StateRelayNegotiating); err != nil {
		return s.fail(err)
	}
	if _, err := ch.InitiateRelay(ctx, target); err != nil {
		return s.fail(err)
	}

	if err := s.transition(StateTransferring); err != nil {
		return s.fail(err)
	}
	if err := relay.NewSender(ch, s.relayConfig()).SendFile(ctx, path); err != nil {
		return s.fail(err)
	}

	// The file is already delivered; a late end_ack is not worth failing over.
	if err := ch.EndRelay(ctx, endReason); err != nil {
		s.log.WithError(err).Warn("failed to end relay cleanly")
	}

	return s.complete()
}

// ReceiveRelay waits for a relay_initiated frame on src, then receives one
// file into dir. src must be the same connection the sender was paired
// with.
func (s *Session) ReceiveRelay(ctx context.Context, src relay.Source, dir string) (*relay.Result, error) {
	if err := s.begin(StateAwaitingPeer, TransportRelay, "", "", -1); err != nil {
		return nil, err
	}

	peer, err := awaitRelay(ctx, src)
	if err != nil {
		return nil, s.fail(err)
	}
	s.mu.Lock()
	s.peer = peer
	s.mu.Unlock()
	s.log.WithField("peer", peer).Info("relay established, waiting for file")

	cfg := s.relayConfig()
	cfg.OnStart = func(name string, size int64) {
		s.mu.Lock()
		s.fileName, s.fileSize = name, size
		s.filePath = filepath.Join(dir, name)
		s.mu.Unlock()
		if s.State() == StateAwaitingPeer {
			s.transition(StateTransferring)
		}
	}

	res, err := relay.NewReceiver(src, dir, cfg).ReceiveFile(ctx)
	if res != nil {
		s.mu.Lock()
		s.filePath = res.Path
		s.mu.Unlock()
	}
	if err != nil {
		return res, s.fail(err)
	}
	return res, s.complete()
}

// SendDirect sends path to dest over the datagram transport.
func (s *Session) SendDirect(ctx context.Context, path, dest string) error {
	info, err := os.Stat(path)
	if err != nil {
		return s.failFromIdle(types.IOError("stat file", err))
	}

	if err := s.begin(StateTransferring, TransportDirect, dest, path, info.Size()); err != nil {
		return err
	}

	if err := datagram.SendFile(ctx, path, dest, s.datagramConfig(nil)); err != nil {
		return s.fail(err)
	}
	return s.complete()
}

// SendDirectTo resolves target's registered public endpoint through dir
// (AwaitingPeer), then sends path to it over the datagram transport
// (Transferring).
func (s *Session) SendDirectTo(ctx context.Context, dir Directory, target, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return s.failFromIdle(types.IOError("stat file", err))
	}

	if err := s.begin(StateAwaitingPeer, TransportDirect, target, path, info.Size()); err != nil {
		return err
	}

	peer, err := dir.PeerInfo(ctx, target)
	if err != nil {
		return s.fail(err)
	}
	dest, err := peer.DirectAddress()
	if err != nil {
		return s.fail(err)
	}
	s.log.WithFields(logrus.Fields{"peer": target, "addr": dest}).Info("resolved peer endpoint")

	if err := s.transition(StateTransferring); err != nil {
		return s.fail(err)
	}
	if err := datagram.SendFile(ctx, path, dest, s.datagramConfig(nil)); err != nil {
		return s.fail(err)
	}
	return s.complete()
}

// ReceiveDirect binds bind and receives one file into dir over the
// datagram transport. The session moves to Transferring on the first data
// packet.
func (s *Session) ReceiveDirect(ctx context.Context, bind, dir string) (string, error) {
	if err := s.begin(StateAwaitingPeer, TransportDirect, "", "", -1); err != nil {
		return "", err
	}

	var started sync.Once
	start := func(p transfer.Progress) {
		started.Do(func() {
			s.mu.Lock()
			s.fileName = p.FileName
			s.filePath = filepath.Join(dir, p.FileName)
			s.mu.Unlock()
			s.transition(StateTransferring)
		})
	}

	path, err := datagram.ReceiveFile(ctx, bind, dir, s.datagramConfig(start))
	if err != nil {
		return "", s.fail(err)
	}

	s.mu.Lock()
	s.filePath = path
	s.fileName = filepath.Base(path)
	s.fileSize = s.bytes.Load()
	s.mu.Unlock()

	// An empty file never reports progress.
	if s.State() == StateAwaitingPeer {
		if err := s.transition(StateTransferring); err != nil {
			return "", s.fail(err)
		}
	}
	return path, s.complete()
}

func awaitRelay(ctx context.Context, src relay.Source) (string, error) {
	frames := src.Frames()
	for {
		select {
		case <-ctx.Done():
			return "", types.NetworkError("await relay", ctx.Err())
		case f, ok := <-frames:
			if !ok {
				return "", types.NetworkError("await relay", signaling.ErrClosed)
			}
			if f.Message != nil && f.Message.Type == signaling.TypeRelayInitiated {
				return f.Message.Peer, nil
			}
		}
	}
}

func (s *Session) relayConfig() relay.Config {
	cfg := s.cfg.Relay
	if cfg.Logger == nil {
		cfg.Logger = s.log
	}
	cfg.OnProgress = s.progress(nil)
	return cfg
}

func (s *Session) datagramConfig(hook transfer.ProgressCallback) datagram.Config {
	cfg := s.cfg.Datagram
	if cfg.Logger == nil {
		cfg.Logger = s.log
	}
	cfg.OnProgress = s.progress(hook)
	return cfg
}

func (s *Session) progress(hook transfer.ProgressCallback) transfer.ProgressCallback {
	return func(p transfer.Progress) {
		if hook != nil {
			hook(p)
		}
		s.bytes.Store(p.BytesDone)
		if s.cfg.OnProgress != nil {
			s.cfg.OnProgress(p)
		}
	}
}

// begin leaves Idle for first and records what the session is about.
func (s *Session) begin(first State, transport Transport, peer, path string, size int64) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: session already %s", ErrInvalidTransition, state)
	}
	s.transport = transport
	s.peer = peer
	if path != "" {
		s.filePath = path
		s.fileName = filepath.Base(path)
	}
	s.fileSize = size
	s.mu.Unlock()

	return s.transition(first)
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	from := s.state
	if !CanTransition(from, to) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.state = to
	now := time.Now()
	if to == StateTransferring {
		s.startedAt = now
	}
	if to.IsTerminal() {
		s.endedAt = now
	}
	onChange := s.cfg.OnStateChange
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Debug("state change")
	if onChange != nil {
		onChange(from, to)
	}
	return nil
}

func (s *Session) complete() error {
	if err := s.transition(StateCompleted); err != nil {
		return s.fail(err)
	}
	snap := s.Snapshot()
	s.log.WithFields(logrus.Fields{
		"transport": snap.Transport,
		"file":      snap.FilePath,
		"bytes":     snap.BytesTransferred,
		"elapsed":   snap.EndedAt.Sub(snap.CreatedAt).Round(time.Millisecond).String(),
	}).Info("transfer completed")
	return nil
}

// fail records err and moves the session to Failed. It returns err.
func (s *Session) fail(err error) error {
	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		return err
	}
	s.err = err
	s.mu.Unlock()

	if terr := s.transition(StateFailed); terr != nil {
		return errors.Join(err, terr)
	}
	s.log.WithError(err).Warn("transfer failed")
	return err
}

// failFromIdle fails a session that never started. A session that is
// already running is left alone.
func (s *Session) failFromIdle(err error) error {
	if s.State() != StateIdle {
		return fmt.Errorf("%w: session already %s", ErrInvalidTransition, s.State())
	}
	return s.fail(err)
}
