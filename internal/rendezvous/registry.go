package rendezvous

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registration failures, sent back verbatim as registration_fail errors.
var (
	ErrUsernameMissing   = errors.New("Username missing in registration request")
	ErrUsernameTaken     = errors.New("Username already taken")
	ErrAlreadyRegistered = errors.New("Connection is already registered")
)

// Registry tracks every open connection and the usernames claimed on them.
// It uses a read-write mutex to allow concurrent reads while serializing writes.
type Registry struct {
	conns map[string]*Peer // connection ID -> Peer
	names map[string]*Peer // username -> Peer
	mu    sync.RWMutex

	// Callbacks for lifecycle events (optional)
	OnRegistered   func(peer *Peer)
	OnUnregistered func(peer *Peer)
}

// NewRegistry creates an empty peer registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Peer),
		names: make(map[string]*Peer),
	}
}

// Add tracks a newly connected peer, assigning a random connection ID if
// none is set.
func (r *Registry) Add(peer *Peer) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	if peer.ID == "" {
		peer.ID = uuid.NewString()
	}
	r.conns[peer.ID] = peer
	return peer
}

// Register claims reg.Username for peer.
func (r *Registry) Register(peer *Peer, reg Registration) error {
	if reg.Username == "" {
		return ErrUsernameMissing
	}

	r.mu.Lock()
	if peer.Username() != "" {
		r.mu.Unlock()
		return ErrAlreadyRegistered
	}
	if _, taken := r.names[reg.Username]; taken {
		r.mu.Unlock()
		return ErrUsernameTaken
	}
	r.names[reg.Username] = peer
	peer.setRegistration(&reg)
	r.mu.Unlock()

	// Trigger callback outside lock to prevent deadlocks
	if r.OnRegistered != nil {
		go r.OnRegistered(peer)
	}
	return nil
}

// Remove forgets the connection and frees its username.
func (r *Registry) Remove(peerID string) *Peer {
	r.mu.Lock()
	peer, exists := r.conns[peerID]
	var freed bool
	if exists {
		delete(r.conns, peerID)
		if name := peer.Username(); name != "" && r.names[name] == peer {
			delete(r.names, name)
			freed = true
		}
	}
	r.mu.Unlock()

	if freed && r.OnUnregistered != nil {
		go r.OnUnregistered(peer)
	}
	return peer
}

// Get retrieves a peer by connection ID. Returns nil if not found.
func (r *Registry) Get(peerID string) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[peerID]
}

// Lookup retrieves a registered peer by username. Returns nil if not found.
func (r *Registry) Lookup(username string) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names[username]
}

// Usernames returns the registered usernames in sorted order.
func (r *Registry) Usernames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.names))
	for name := range r.names {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of open connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// ForEach iterates over all connections with the provided function.
// The function is called while holding a read lock - do not modify the registry.
func (r *Registry) ForEach(fn func(peer *Peer)) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.conns {
		fn(p)
	}
}

// Stale returns the peers not seen within timeout. The caller disconnects
// them through the normal cleanup path.
func (r *Registry) Stale(timeout time.Duration) []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := time.Now().Add(-timeout)
	var stale []*Peer
	for _, peer := range r.conns {
		if peer.LastSeen().Before(cutoff) {
			stale = append(stale, peer)
		}
	}
	return stale
}

// Stats returns registry statistics.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return RegistryStats{
		Connections: len(r.conns),
		Registered:  len(r.names),
	}
}

// RegistryStats contains registry statistics.
type RegistryStats struct {
	Connections int
	Registered  int
}

func (s RegistryStats) String() string {
	return fmt.Sprintf("Connections=%d, Registered=%d", s.Connections, s.Registered)
}
