package rendezvous

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Pairing failures, sent back verbatim as relay_fail errors.
var (
	ErrSelfRelay     = errors.New("Cannot initiate relay with yourself")
	ErrAlreadyPaired = errors.New("You are already in a relay session")
	ErrPeerBusy      = errors.New("Target user is already in a relay session")
)

// RelaySession is one active pairing. Frames from either side are
// forwarded to the other.
type RelaySession struct {
	Initiator *Peer
	Target    *Peer
	StartedAt time.Time
}

// Other returns the side of the session that is not peer.
func (s *RelaySession) Other(peer *Peer) *Peer {
	if s.Initiator == peer {
		return s.Target
	}
	return s.Initiator
}

// RelayTable holds the symmetric relay pairings keyed by connection ID.
type RelayTable struct {
	sessions map[string]*RelaySession
	mu       sync.RWMutex

	forwardedFrames int64
	forwardedBytes  int64
}

// NewRelayTable creates an empty relay table.
func NewRelayTable() *RelayTable {
	return &RelayTable{
		sessions: make(map[string]*RelaySession),
	}
}

// Pair links initiator and target. Both must be unpaired and distinct.
func (t *RelayTable) Pair(initiator, target *Peer) (*RelaySession, error) {
	if initiator == target || initiator.ID == target.ID {
		return nil, ErrSelfRelay
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.sessions[initiator.ID]; ok {
		return nil, ErrAlreadyPaired
	}
	if _, ok := t.sessions[target.ID]; ok {
		return nil, ErrPeerBusy
	}

	s := &RelaySession{Initiator: initiator, Target: target, StartedAt: time.Now()}
	t.sessions[initiator.ID] = s
	t.sessions[target.ID] = s
	return s, nil
}

// Partner returns the peer paired with peerID, or nil.
func (t *RelayTable) Partner(peer *Peer) *Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.sessions[peer.ID]
	if !ok {
		return nil
	}
	return s.Other(peer)
}

// IsPaired reports whether peer is in a relay session.
func (t *RelayTable) IsPaired(peer *Peer) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.sessions[peer.ID]
	return ok
}

// End removes peer's session in both directions and returns the partner,
// or nil if peer was not paired.
func (t *RelayTable) End(peer *Peer) *Peer {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[peer.ID]
	if !ok {
		return nil
	}
	other := s.Other(peer)
	delete(t.sessions, peer.ID)
	delete(t.sessions, other.ID)
	return other
}

// RecordForward counts one forwarded frame.
func (t *RelayTable) RecordForward(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forwardedFrames++
	t.forwardedBytes += int64(n)
}

// Count returns the number of active sessions.
func (t *RelayTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions) / 2
}

// Stats returns relay statistics.
func (t *RelayTable) Stats() RelayStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[*RelaySession]bool, len(t.sessions)/2)
	pairs := make([]RelayPair, 0, len(t.sessions)/2)
	for _, s := range t.sessions {
		if seen[s] {
			continue
		}
		seen[s] = true
		pairs = append(pairs, RelayPair{
			Initiator: s.Initiator.String(),
			Target:    s.Target.String(),
			StartedAt: s.StartedAt.UnixMilli(),
		})
	}

	return RelayStats{
		ActiveSessions:  len(pairs),
		ForwardedFrames: t.forwardedFrames,
		ForwardedBytes:  t.forwardedBytes,
		Sessions:        pairs,
	}
}

// RelayStats contains relay statistics.
type RelayStats struct {
	ActiveSessions  int         `json:"active_sessions"`
	ForwardedFrames int64       `json:"forwarded_frames"`
	ForwardedBytes  int64       `json:"forwarded_bytes"`
	Sessions        []RelayPair `json:"sessions"`
}

// RelayPair describes one session for the stats endpoint.
type RelayPair struct {
	Initiator string `json:"initiator"`
	Target    string `json:"target"`
	StartedAt int64  `json:"started_at"`
}

func (s RelayStats) String() string {
	return fmt.Sprintf("Sessions=%d, Frames=%d, Bytes=%d", s.ActiveSessions, s.ForwardedFrames, s.ForwardedBytes)
}
