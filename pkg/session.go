package pkg

import (
	"crypto/ecdh"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// Session is the server-side state for one connection, from key agreement
// through naming to disconnect.
type Session struct {
	manager   *Manager
	lock      sync.RWMutex
	id        uuid.UUID
	conn      *websocket.Conn
	send      chan []byte
	username  string
	color     string
	connected bool
	keyState  KeyState
	keyPair   *ecdh.PrivateKey
	sharedKey []byte
}

func (s *Session) ID() uuid.UUID {
	return s.id
}

func (s *Session) Color() string {
	return s.color
}

func (s *Session) Username() string {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return s.username
}

// Named reports whether the session has completed its username transition.
func (s *Session) Named() bool {
	return s.Username() != ""
}

func (s *Session) Connected() bool {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return s.connected
}

// SharedKey returns the derived symmetric key, present only once key
// agreement has completed.
func (s *Session) SharedKey() ([]byte, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if s.keyState != KeyEstablished {
		return nil, false
	}

	return s.sharedKey, true
}

func (s *Session) Summary() UserSummary {
	return UserSummary{
		ID:       s.id.String(),
		Username: s.Username(),
		Color:    s.color,
	}
}

func (s *Session) publicKey() string {
	return base64.StdEncoding.EncodeToString(s.keyPair.PublicKey().Bytes())
}

func (s *Session) establish(key []byte) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.keyState == KeyEstablished {
		return false
	}

	s.sharedKey = key
	s.keyState = KeyEstablished

	return true
}

func (s *Session) setUsername(username string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.username != "" {
		return false
	}

	s.username = username

	return true
}

// markDisconnected flips the session to disconnected and closes its send
// queue. Closing under the lock keeps push from racing a closed channel.
func (s *Session) markDisconnected() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.connected {
		return false
	}

	s.connected = false
	close(s.send)

	return true
}

// push queues an outbound payload without blocking. A slow consumer whose
// queue is full misses the message rather than stalling the sender.
func (s *Session) push(payload []byte) {
	// A nil payload would read as the write pump's close signal.
	if payload == nil {
		return
	}

	s.lock.RLock()
	defer s.lock.RUnlock()

	if !s.connected {
		return
	}

	select {
	case s.send <- payload:
	default:
		log.WithFields(log.Fields{
			"session": s.id,
		}).Warn("Send queue full, dropping payload")
	}
}

func (s *Session) handleClientPublicKey(envelope *Envelope) error {
	key, err := DeriveSharedKey(s.keyPair, envelope.Key)
	if err != nil {
		return err
	}

	if !s.manager.registry.SetEstablished(s.id, key) {
		log.WithFields(log.Fields{
			"session": s.id,
		}).Warn("Ignoring repeated key agreement")
		return nil
	}

	log.WithFields(log.Fields{
		"session": s.id,
	}).Info("Session key established")

	return nil
}

func (s *Session) handleSetUsername(envelope *Envelope) error {
	username := envelope.Username
	if username == "" {
		username = fmt.Sprintf("User%d", rand.Intn(1000))
	}

	if !s.manager.registry.SetUsername(s.id, username) {
		return nil
	}

	s.manager.broadcastJoin(s)

	return nil
}

func (s *Session) handleChat(envelope *Envelope) error {
	key, ok := s.SharedKey()
	if !ok {
		return ErrKeyNotEstablished
	}

	nonce, err := base64.StdEncoding.DecodeString(envelope.IV)
	if err != nil {
		return fmt.Errorf("%w: bad iv encoding", ErrMalformedEnvelope)
	}

	data, err := base64.StdEncoding.DecodeString(envelope.Data)
	if err != nil {
		return fmt.Errorf("%w: bad data encoding", ErrMalformedEnvelope)
	}

	var plaintext []byte
	if envelope.Tag != nil {
		var tag []byte
		tag, err = base64.StdEncoding.DecodeString(*envelope.Tag)
		if err != nil {
			return fmt.Errorf("%w: bad tag encoding", ErrMalformedEnvelope)
		}

		plaintext, err = Open(key, nonce, data, tag)
	} else {
		plaintext, err = OpenCombined(key, nonce, data)
	}

	if err != nil {
		if errors.Is(err, ErrAuthenticationFailed) {
			ChatRelayDecryptFailuresCounter.Inc()
		}
		return err
	}

	s.manager.broadcastChat(s, string(plaintext))

	return nil
}

func (s *Session) handleTyping(envelope *Envelope) error {
	s.manager.broadcastTyping(s, envelope.IsTyping)

	return nil
}

func (s *Session) handleMessage(message []byte) error {
	envelope, err := decodeEnvelope(message)
	if err != nil {
		return err
	}

	switch envelope.Type {
	case TypeClientPublicKey:
		return s.handleClientPublicKey(envelope)
	case TypeSetUsername:
		return s.handleSetUsername(envelope)
	case TypeChat:
		return s.handleChat(envelope)
	case TypeTyping:
		return s.handleTyping(envelope)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedEnvelope, envelope.Type)
	}
}

func (s *Session) read() {
	defer s.manager.disconnect(s)

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil && !websocket.IsCloseError(err,
			websocket.CloseNormalClosure,
			websocket.CloseGoingAway) {
			log.WithFields(log.Fields{
				"session": s.id,
			}).Error("Failed to read message: ", err)
		}

		if err != nil {
			break
		}

		// Handler failures are local to one message. The error surface
		// never carries key material or plaintext.
		err = s.handleMessage(message)
		if err != nil {
			log.WithFields(log.Fields{
				"session": s.id,
			}).Warn("Dropped message: ", err)
		}
	}
}

func (s *Session) write() {
	for {
		message := <-s.send
		if message == nil {
			break
		}

		err := s.conn.WriteMessage(websocket.TextMessage, message)
		if err != nil {
			log.WithFields(log.Fields{
				"session": s.id,
			}).Error("Failed to write message: ", err)
			break
		}
	}
}
