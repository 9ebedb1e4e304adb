package pkg

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRelayServer(t *testing.T) string {
	t.Helper()

	manager := NewManager()

	router := mux.NewRouter()
	router.HandleFunc("/api/v1/socket", manager.SocketHandler)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/socket"
}

type testClient struct {
	t         *testing.T
	url       string
	conn      *websocket.Conn
	keyPair   *ecdh.PrivateKey
	sharedKey []byte
}

func dialClient(t *testing.T, url string) *testClient {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	keyPair, err := GenerateKeyPair()
	require.NoError(t, err)

	return &testClient{t: t, url: url, conn: conn, keyPair: keyPair}
}

// read decodes the next server message into v (when non-nil) and returns its
// type discriminator.
func (c *testClient) read(v interface{}) MessageType {
	c.t.Helper()

	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	_, payload, err := c.conn.ReadMessage()
	require.NoError(c.t, err)

	var head struct {
		Type MessageType `json:"type"`
	}
	require.NoError(c.t, json.Unmarshal(payload, &head))

	if v != nil {
		require.NoError(c.t, json.Unmarshal(payload, v))
	}

	return head.Type
}

func (c *testClient) write(v interface{}) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(v))
}

// handshake consumes the server's greeting and returns its public key and
// the initial user list.
func (c *testClient) handshake() (string, []UserSummary) {
	c.t.Helper()

	var serverKey ServerPublicKeyMessage
	require.Equal(c.t, TypeServerPublicKey, c.read(&serverKey))

	var userList UserListMessage
	require.Equal(c.t, TypeUserList, c.read(&userList))

	return serverKey.Key, userList.Users
}

func (c *testClient) exchangeKeys(serverKey string) {
	c.t.Helper()

	sharedKey, err := DeriveSharedKey(c.keyPair, serverKey)
	require.NoError(c.t, err)
	c.sharedKey = sharedKey

	c.write(Envelope{
		Type: TypeClientPublicKey,
		Key:  base64.StdEncoding.EncodeToString(c.keyPair.PublicKey().Bytes()),
	})
}

func (c *testClient) setUsername(username string) {
	c.t.Helper()
	c.write(Envelope{Type: TypeSetUsername, Username: username})
}

// sendChat encrypts text under the client's derived key. With detached set,
// the tag travels in its own field; otherwise it trails the ciphertext.
func (c *testClient) sendChat(text string, detached bool) {
	c.t.Helper()

	nonce := make([]byte, NonceSize)
	_, err := rand.Read(nonce)
	require.NoError(c.t, err)

	ciphertext, tag, err := Seal(c.sharedKey, nonce, []byte(text))
	require.NoError(c.t, err)

	envelope := Envelope{
		Type: TypeChat,
		IV:   base64.StdEncoding.EncodeToString(nonce),
	}

	if detached {
		encodedTag := base64.StdEncoding.EncodeToString(tag)
		envelope.Data = base64.StdEncoding.EncodeToString(ciphertext)
		envelope.Tag = &encodedTag
	} else {
		envelope.Data = base64.StdEncoding.EncodeToString(append(ciphertext, tag...))
	}

	c.write(envelope)
}

// namedPair returns two clients that are keyed, named, and have drained each
// other's join announcements.
func namedPair(t *testing.T) (*testClient, *testClient) {
	t.Helper()

	url := newRelayServer(t)

	a := dialClient(t, url)
	aServerKey, _ := a.handshake()
	a.exchangeKeys(aServerKey)

	b := dialClient(t, url)
	bServerKey, _ := b.handshake()
	b.exchangeKeys(bServerKey)

	a.setUsername("alice")

	var joined UserJoinedMessage
	require.Equal(t, TypeUserJoined, b.read(&joined))
	require.Equal(t, "alice", joined.User.Username)

	b.setUsername("bob")

	require.Equal(t, TypeUserJoined, a.read(&joined))
	require.Equal(t, "bob", joined.User.Username)

	return a, b
}

func TestConnectHandshake(t *testing.T) {
	url := newRelayServer(t)

	c := dialClient(t, url)
	serverKey, users := c.handshake()

	raw, err := base64.StdEncoding.DecodeString(serverKey)
	require.NoError(t, err)

	_, err = ecdh.P256().NewPublicKey(raw)
	require.NoError(t, err)

	assert.Empty(t, users)
}

func TestUserListShowsEarlierSessions(t *testing.T) {
	url := newRelayServer(t)

	a := dialClient(t, url)
	a.handshake()

	b := dialClient(t, url)
	_, users := b.handshake()

	require.Len(t, users, 1)
	assert.NotEmpty(t, users[0].ID)
	assert.Regexp(t, `^#[0-9a-f]{6}$`, users[0].Color)
}

func TestJoinAnnouncedOnce(t *testing.T) {
	a, b := namedPair(t)

	// A renaming attempt after the transition is a no-op and must not
	// produce a second announcement.
	a.setUsername("alice-again")
	a.write(Envelope{Type: TypeTyping, IsTyping: true})

	var typing UserTypingMessage
	require.Equal(t, TypeUserTyping, b.read(&typing))
	assert.Equal(t, "alice", typing.Username)
}

func TestDefaultUsernameAssigned(t *testing.T) {
	url := newRelayServer(t)

	a := dialClient(t, url)
	aServerKey, _ := a.handshake()
	a.exchangeKeys(aServerKey)

	b := dialClient(t, url)
	b.handshake()

	a.setUsername("")

	var joined UserJoinedMessage
	require.Equal(t, TypeUserJoined, b.read(&joined))
	assert.Regexp(t, `^User\d{1,3}$`, joined.User.Username)
}

func TestChatRelay(t *testing.T) {
	a, b := namedPair(t)

	a.sendChat("hi", true)

	var chat ChatBroadcastMessage
	require.Equal(t, TypeChatMessage, b.read(&chat))
	assert.Equal(t, "hi", chat.Message)
	assert.Equal(t, "alice", chat.Sender.Username)
	assert.NotEmpty(t, chat.Sender.ID)

	_, err := time.Parse(time.RFC3339, chat.Timestamp)
	assert.NoError(t, err)

	// A's next message is B's reply, proving A never saw its own chat.
	b.sendChat("yo", true)
	require.Equal(t, TypeChatMessage, a.read(&chat))
	assert.Equal(t, "yo", chat.Message)
	assert.Equal(t, "bob", chat.Sender.Username)
}

func TestChatRelayTrailingTagConvention(t *testing.T) {
	a, b := namedPair(t)

	a.sendChat("combined", false)

	var chat ChatBroadcastMessage
	require.Equal(t, TypeChatMessage, b.read(&chat))
	assert.Equal(t, "combined", chat.Message)
}

func TestTamperedChatDropped(t *testing.T) {
	a, b := namedPair(t)

	nonce := make([]byte, NonceSize)
	_, err := rand.Read(nonce)
	require.NoError(t, err)

	ciphertext, tag, err := Seal(a.sharedKey, nonce, []byte("hi"))
	require.NoError(t, err)

	tag[0] ^= 0x01
	encodedTag := base64.StdEncoding.EncodeToString(tag)

	a.write(Envelope{
		Type: TypeChat,
		IV:   base64.StdEncoding.EncodeToString(nonce),
		Data: base64.StdEncoding.EncodeToString(ciphertext),
		Tag:  &encodedTag,
	})

	// The session survives the failure and the tampered message never
	// reaches B: B's next message is the follow-up.
	a.sendChat("still here", true)

	var chat ChatBroadcastMessage
	require.Equal(t, TypeChatMessage, b.read(&chat))
	assert.Equal(t, "still here", chat.Message)
}

func TestChatBeforeKeyExchangeDropped(t *testing.T) {
	url := newRelayServer(t)

	a := dialClient(t, url)
	aServerKey, _ := a.handshake()

	b := dialClient(t, url)
	bServerKey, _ := b.handshake()
	b.exchangeKeys(bServerKey)

	// No key agreement has happened for A yet.
	encodedTag := base64.StdEncoding.EncodeToString(make([]byte, TagSize))
	a.write(Envelope{
		Type: TypeChat,
		IV:   base64.StdEncoding.EncodeToString(make([]byte, NonceSize)),
		Data: base64.StdEncoding.EncodeToString([]byte("premature")),
		Tag:  &encodedTag,
	})

	a.exchangeKeys(aServerKey)
	a.sendChat("now keyed", true)

	var chat ChatBroadcastMessage
	require.Equal(t, TypeChatMessage, b.read(&chat))
	assert.Equal(t, "now keyed", chat.Message)
}

func TestTypingRelaysWithoutKeyAgreement(t *testing.T) {
	url := newRelayServer(t)

	a := dialClient(t, url)
	a.handshake()

	b := dialClient(t, url)
	b.handshake()

	a.write(Envelope{Type: TypeTyping, IsTyping: true})

	var typing UserTypingMessage
	require.Equal(t, TypeUserTyping, b.read(&typing))
	assert.True(t, typing.IsTyping)
	assert.NotEmpty(t, typing.UserID)
	assert.Empty(t, typing.Username)
}

func TestLeaveAnnouncedForNamedSession(t *testing.T) {
	a, b := namedPair(t)

	require.NoError(t, a.conn.Close())

	var left UserLeftMessage
	require.Equal(t, TypeUserLeft, b.read(&left))
	assert.Equal(t, "alice", left.Username)
	assert.NotEmpty(t, left.UserID)
}

func TestUnnamedDisconnectIsSilent(t *testing.T) {
	a, b := namedPair(t)

	c := dialClient(t, a.url)
	c.handshake()
	require.NoError(t, c.conn.Close())

	// Give the relay time to process the disconnect, then use a typing
	// marker to show no leave event was queued ahead of it.
	time.Sleep(100 * time.Millisecond)

	a.write(Envelope{Type: TypeTyping, IsTyping: false})

	var typing UserTypingMessage
	require.Equal(t, TypeUserTyping, b.read(&typing))
	assert.Equal(t, "alice", typing.Username)
}

func TestMalformedEnvelopeIgnored(t *testing.T) {
	a, b := namedPair(t)

	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, []byte(`{"no":"type"}`)))

	a.sendChat("survived", true)

	var chat ChatBroadcastMessage
	require.Equal(t, TypeChatMessage, b.read(&chat))
	assert.Equal(t, "survived", chat.Message)
}

func TestRepeatedKeyAgreementKeepsFirstKey(t *testing.T) {
	a, b := namedPair(t)

	// A second agreement with a fresh key pair must not displace the key
	// in use; messages sealed under the original key still relay.
	replacement, err := GenerateKeyPair()
	require.NoError(t, err)

	a.write(Envelope{
		Type: TypeClientPublicKey,
		Key:  base64.StdEncoding.EncodeToString(replacement.PublicKey().Bytes()),
	})

	a.sendChat("old key still good", true)

	var chat ChatBroadcastMessage
	require.Equal(t, TypeChatMessage, b.read(&chat))
	assert.Equal(t, "old key still good", chat.Message)
}
