package pkg

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

type Manager struct {
	registry *Registry
	upgrader websocket.Upgrader
}

func NewManager() *Manager {
	return &Manager{
		registry: NewRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// NewSession registers a session for a fresh connection and queues the
// server's public key and the current user list on it.
func (m *Manager) NewSession(conn *websocket.Conn) (*Session, error) {
	session, err := m.registry.Create(m, conn)
	if err != nil {
		return nil, err
	}

	ChatRelaySessionsGauge.Inc()

	session.push(encode(ServerPublicKeyMessage{
		Type: TypeServerPublicKey,
		Key:  session.publicKey(),
	}))

	// The snapshot includes the new session itself; the list a client sees
	// is everyone else.
	users := make([]UserSummary, 0)
	for _, other := range m.registry.LiveSnapshot() {
		if other.id == session.id {
			continue
		}
		users = append(users, other.Summary())
	}

	session.push(encode(UserListMessage{
		Type:  TypeUserList,
		Users: users,
	}))

	return session, nil
}

// disconnect is idempotent; the read pump and the socket handler both reach
// it on their way out.
func (m *Manager) disconnect(s *Session) {
	if !m.registry.MarkDisconnected(s.id) {
		return
	}

	ChatRelaySessionsGauge.Dec()

	// Sessions that never named themselves leave silently.
	if !s.Named() {
		return
	}

	m.registry.Broadcast(encode(UserLeftMessage{
		Type:     TypeUserLeft,
		UserID:   s.id.String(),
		Username: s.Username(),
	}), uuid.Nil)
}

func (m *Manager) broadcastJoin(s *Session) {
	log.WithFields(log.Fields{
		"session":  s.id,
		"username": s.Username(),
	}).Info("User joined")

	m.registry.Broadcast(encode(UserJoinedMessage{
		Type: TypeUserJoined,
		User: s.Summary(),
	}), s.id)
}

func (m *Manager) broadcastChat(s *Session, plaintext string) {
	ChatRelayMessagesCounter.Inc()

	m.registry.Broadcast(encode(ChatBroadcastMessage{
		Type:      TypeChatMessage,
		Sender:    s.Summary(),
		Message:   plaintext,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}), s.id)
}

func (m *Manager) broadcastTyping(s *Session, isTyping bool) {
	m.registry.Broadcast(encode(UserTypingMessage{
		Type:     TypeUserTyping,
		UserID:   s.id.String(),
		Username: s.Username(),
		IsTyping: isTyping,
	}), s.id)
}

func encode(message interface{}) []byte {
	payload, err := json.Marshal(message)
	if err != nil {
		log.Error("Failed to encode message: ", err)
		return nil
	}

	return payload
}

func (m *Manager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
}

func (m *Manager) SocketHandler(w http.ResponseWriter, r *http.Request) {
	// Set the response headers
	w.Header().Set("Cache-Control", "no-cache")

	// Upgrade the connection to a websocket connection
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("Failed to upgrade connection: ", err)
		return
	}

	defer conn.Close()

	// Register our new session
	session, err := m.NewSession(conn)
	if err != nil {
		log.Error("Failed to register session: ", err)
		return
	}

	defer m.disconnect(session)

	logFields := log.Fields{
		"session": session.id,
	}

	// Log that we have a new session
	log.WithFields(logFields).Info("New session")

	// Start reading messages from the connection
	go session.read()

	// Write messages to the connection
	session.write()

	// Log that we have a closed session
	log.WithFields(logFields).Info("Closed session")
}
