package pkg

import (
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type KeyState int

const (
	KeyPending KeyState = iota
	KeyEstablished
)

// Registry is the single source of truth for session lookup and liveness.
// Entries are never removed: disconnected sessions stay in the map so a late
// presence event can still be correlated to an identity.
type Registry struct {
	lock     sync.RWMutex
	sessions map[uuid.UUID]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		lock:     sync.RWMutex{},
		sessions: make(map[uuid.UUID]*Session),
	}
}

func (r *Registry) Create(manager *Manager, conn *websocket.Conn) (*Session, error) {
	keyPair, err := GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session key pair: %w", err)
	}

	color, err := newColor()
	if err != nil {
		return nil, fmt.Errorf("failed to assign session color: %w", err)
	}

	s := &Session{
		manager:   manager,
		lock:      sync.RWMutex{},
		id:        uuid.New(),
		conn:      conn,
		send:      make(chan []byte, 256),
		color:     color,
		connected: true,
		keyState:  KeyPending,
		keyPair:   keyPair,
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	r.sessions[s.id] = s

	return s, nil
}

func (r *Registry) Get(id uuid.UUID) *Session {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return r.sessions[id]
}

// SetEstablished records the derived symmetric key for a session. The first
// call wins; a repeated key agreement must not replace a key that in-flight
// messages may already depend on.
func (r *Registry) SetEstablished(id uuid.UUID, key []byte) bool {
	s := r.Get(id)
	if s == nil {
		return false
	}

	return s.establish(key)
}

// SetUsername records a session's username and reports whether this call
// performed the transition, so the caller can announce the join exactly once.
func (r *Registry) SetUsername(id uuid.UUID, username string) bool {
	s := r.Get(id)
	if s == nil {
		return false
	}

	return s.setUsername(username)
}

func (r *Registry) MarkDisconnected(id uuid.UUID) bool {
	s := r.Get(id)
	if s == nil {
		return false
	}

	return s.markDisconnected()
}

// LiveSnapshot returns the sessions still connected at the time of the call,
// including the caller's own session if it is live.
func (r *Registry) LiveSnapshot() []*Session {
	r.lock.RLock()
	defer r.lock.RUnlock()

	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.Connected() {
			live = append(live, s)
		}
	}

	return live
}

// Broadcast queues payload on every live session except excludeID. Delivery
// is best-effort: a session disconnecting mid-fanout, or one with a full
// send queue, simply misses the message.
func (r *Registry) Broadcast(payload []byte, excludeID uuid.UUID) {
	for _, s := range r.LiveSnapshot() {
		if s.id == excludeID {
			continue
		}

		s.push(payload)
	}
}

func newColor() (string, error) {
	var rgb [3]byte
	if _, err := rand.Read(rgb[:]); err != nil {
		return "", err
	}

	return fmt.Sprintf("#%02x%02x%02x", rgb[0], rgb[1], rgb[2]), nil
}
