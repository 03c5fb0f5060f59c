package registry

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mineroot/p2pshare/pkg/peer"
)

var ErrDuplicateSession = fmt.Errorf("session with remote peer already registered")

// EventRecorder persists connection events.
type EventRecorder interface {
	RecordConnectionEstablished(remote peer.ID)
	RecordConnectionAccepted(remote peer.ID)
}

// Completion records whether the full file is available over a connection.
type Completion struct {
	RemoteID   peer.ID
	Conn       net.Conn
	IsComplete bool
}

// Registry holds the known peer ids and every established session.
type Registry struct {
	known  map[peer.ID]struct{}
	events EventRecorder

	lock        sync.RWMutex
	sessions    []*peer.Session
	byRemote    map[peer.ID]int
	completions []*Completion
}

func New(known []peer.ID, events EventRecorder) *Registry {
	r := &Registry{
		known:    make(map[peer.ID]struct{}, len(known)),
		events:   events,
		byRemote: make(map[peer.ID]int, len(known)),
	}
	for _, id := range known {
		r.known[id] = struct{}{}
	}
	return r
}

// Known reports whether id belongs to the configured peer set.
func (r *Registry) Known(id peer.ID) bool {
	_, ok := r.known[id]
	return ok
}

// Register admits s. The session and its completion record become visible together.
func (r *Registry) Register(ctx context.Context, s *peer.Session) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.byRemote[s.RemoteID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, s.RemoteID)
	}
	r.byRemote[s.RemoteID] = len(r.sessions)
	r.sessions = append(r.sessions, s)
	r.completions = append(r.completions, &Completion{
		RemoteID: s.RemoteID,
		Conn:     s.Conn,
	})
	if s.Outbound {
		r.events.RecordConnectionEstablished(s.RemoteID)
	} else {
		r.events.RecordConnectionAccepted(s.RemoteID)
	}
	log.Ctx(ctx).Info().
		Stringer("remote_peer", s.RemoteID).
		Stringer("session", s.ID).
		Bool("outbound", s.Outbound).
		Msg("connection established")
	return nil
}

// Sessions returns a snapshot of registered sessions in registration order.
func (r *Registry) Sessions() []*peer.Session {
	r.lock.RLock()
	defer r.lock.RUnlock()
	sessions := make([]*peer.Session, len(r.sessions))
	copy(sessions, r.sessions)
	return sessions
}

func (r *Registry) Session(remote peer.ID) (*peer.Session, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	i, ok := r.byRemote[remote]
	if !ok {
		return nil, false
	}
	return r.sessions[i], true
}

// Completions returns copies of the completion records.
func (r *Registry) Completions() []Completion {
	r.lock.RLock()
	defer r.lock.RUnlock()
	completions := make([]Completion, 0, len(r.completions))
	for _, c := range r.completions {
		completions = append(completions, *c)
	}
	return completions
}

func (r *Registry) MarkComplete(remote peer.ID) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	i, ok := r.byRemote[remote]
	if !ok {
		return false
	}
	r.completions[i].IsComplete = true
	return true
}

// AllComplete reports whether at least expected sessions are registered
// and every one of them is complete.
func (r *Registry) AllComplete(expected int) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	if len(r.completions) < expected {
		return false
	}
	for _, c := range r.completions {
		if !c.IsComplete {
			return false
		}
	}
	return true
}

func (r *Registry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.sessions)
}

func (r *Registry) CloseAll() {
	for _, s := range r.Sessions() {
		_ = s.Close()
	}
}
