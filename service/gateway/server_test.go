package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"IMProject/global"
	"IMProject/module/call"
	"IMProject/module/chat/model"
	"IMProject/module/message"
	"IMProject/service/chat"
	"IMProject/service/storage"
	"IMProject/tools/errs"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"IMProject/middleware/security"
)

const testSecret = "gateway-test-secret"

// loopFabric delivers within the process: good enough for a single-node
// gateway test.
type loopFabric struct {
	mu    sync.Mutex
	sinks map[string]func([]byte)
}

func newLoopFabric() *loopFabric { return &loopFabric{sinks: map[string]func([]byte){}} }

func (l *loopFabric) Deliver(_ context.Context, userID string, payload []byte) error {
	l.mu.Lock()
	sink := l.sinks[userID]
	l.mu.Unlock()
	if sink != nil {
		sink(payload)
	}
	return nil
}

func (l *loopFabric) EnsureSubscribe(userID string, sink func([]byte)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks[userID] = sink
	return nil
}

func (l *loopFabric) Unsubscribe(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sinks, userID)
}

type memStore struct {
	mu       sync.Mutex
	users    map[string]*model.User
	chats    map[string]*model.Chat
	messages map[string]*model.Message
}

func (m *memStore) GetUser(_ context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return u, nil
}

func (m *memStore) Blocks(context.Context, string, string) (bool, error) { return false, nil }

func (m *memStore) FindChat(_ context.Context, id string) (*model.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return c, nil
}

func (m *memStore) GroupName(context.Context, string) (string, error) { return "", nil }

func (m *memStore) CreateMessage(_ context.Context, msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ID] = msg
	return nil
}

func (m *memStore) UpdateLastMessage(context.Context, string, string, time.Time) error { return nil }

func (m *memStore) MarkDelivered(_ context.Context, messageID, userID string, at time.Time) (*model.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return nil, false, errs.ErrNotFound
	}
	for _, d := range msg.DeliveredTo {
		if d.UserID == userID {
			return msg, false, nil
		}
	}
	msg.DeliveredTo = append(msg.DeliveredTo, model.DeliveryMark{UserID: userID, At: at})
	msg.Status = model.MsgStatusDelivered
	return msg, true, nil
}

func (m *memStore) MarkRead(context.Context, string, string, time.Time) ([]model.Message, error) {
	return nil, nil
}

func (m *memStore) SetUserOnline(context.Context, string, bool, time.Time) error { return nil }

type nopGuard struct{}

func (nopGuard) InPenaltyBox(context.Context, string) bool        { return false }
func (nopGuard) NoteMessage(context.Context, string, string) bool { return false }

type nopNotifier struct{}

func (nopNotifier) SendToUser(context.Context, string, string, string, map[string]string) error {
	return nil
}

func startGateway(t *testing.T) (*httptest.Server, *memStore) {
	t.Helper()
	store := &memStore{
		users: map[string]*model.User{
			"alice": {ID: "alice", Name: "Alice"},
			"bob":   {ID: "bob", Name: "Bob"},
		},
		chats: map[string]*model.Chat{
			"c1": {ID: "c1", Type: model.ChatDirect, Participants: []string{"alice", "bob"}},
		},
		messages: map[string]*model.Message{},
	}
	fab := newLoopFabric()
	presence := storage.NewPresenceStore(nil)
	registry := chat.NewRegistry(chat.RegistryConf{})
	t.Cleanup(registry.Close)
	limiter := chat.NewRateLimiter(global.RateLimitMax, global.RateLimitWindow)
	t.Cleanup(limiter.Close)

	pipeline := message.NewPipeline(message.PipelineConf{
		Store:    store,
		Presence: presence,
		Guard:    nopGuard{},
		Limiter:  limiter,
		Fabric:   fab,
		Notifier: nopNotifier{},
	})
	relay := call.NewRelay(call.RelayConf{
		Store: store, Presence: presence, Fabric: fab, Notifier: nopNotifier{},
	})
	server := NewServer(ServerConf{
		Registry: registry,
		Limiter:  limiter,
		Presence: presence,
		Fabric:   fab,
		Pipeline: pipeline,
		Relay:    relay,
		Mirror:   store,
		Fanout:   chat.NewFanout(2, 256),
	})

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", security.Auth(testSecret), server.HandleWS)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, store
}

func signTestToken(t *testing.T, userID string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"userId": userID,
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func dial(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + signTestToken(t, userID)
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", userID, err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn, want chat.EventType) chat.Frame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_ = ws.SetReadDeadline(deadline)
		_, raw, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var fr chat.Frame
		if err := json.Unmarshal(raw, &fr); err != nil {
			t.Fatalf("decode %q: %v", raw, err)
		}
		// Presence broadcasts and unordered async traffic interleave
		// with the frame under test; skip until it shows up.
		if fr.Type != want {
			continue
		}
		return fr
	}
	t.Fatalf("no %s frame before deadline", want)
	return chat.Frame{}
}

func sendFrame(t *testing.T, ws *websocket.Conn, fr chat.Frame) {
	t.Helper()
	raw, _ := json.Marshal(fr)
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestGatewayRejectsMissingToken(t *testing.T) {
	srv, _ := startGateway(t)
	resp, err := http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestGatewayMessageRoundTrip(t *testing.T) {
	srv, store := startGateway(t)

	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")
	time.Sleep(100 * time.Millisecond) // let both registrations settle

	sendFrame(t, alice, chat.Frame{
		Type: chat.EvMessageSend,
		ID:   "req-1",
		Payload: map[string]interface{}{
			"chatId":  "c1",
			"type":    "text",
			"content": "hi",
		},
	})

	// Bob gets the live message.
	fr := readFrame(t, bob, chat.EvMessageNew)
	if fr.Payload["content"] != "hi" || fr.Payload["senderId"] != "alice" {
		t.Fatalf("message:new payload = %v", fr.Payload)
	}

	// Alice gets her ack, then the delivered transition.
	ack := readFrame(t, alice, chat.EvAck)
	if ack.ID != "req-1" || ack.Payload["success"] != true {
		t.Fatalf("ack = %+v", ack)
	}
	status := readFrame(t, alice, chat.EvMessageStatus)
	if status.Payload["status"] != model.MsgStatusDelivered {
		t.Fatalf("status payload = %v", status.Payload)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.messages) != 1 {
		t.Fatalf("persisted %d messages", len(store.messages))
	}
}

func TestGatewayInvalidFrameGetsError(t *testing.T) {
	srv, _ := startGateway(t)
	alice := dial(t, srv, "alice")

	if err := alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"no-such-event"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	fr := readFrame(t, alice, chat.EvError)
	if fr.Payload["code"] == nil {
		t.Fatalf("error frame without code: %v", fr.Payload)
	}
}

func TestGatewayWebrtcRelay(t *testing.T) {
	srv, _ := startGateway(t)
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")
	time.Sleep(100 * time.Millisecond)

	sendFrame(t, alice, chat.Frame{
		Type: chat.EvWebrtcOffer,
		Payload: map[string]interface{}{
			"chatId":       "c1",
			"targetUserId": "bob",
			"sdp":          "v=0 offer",
		},
	})
	fr := readFrame(t, bob, chat.EvWebrtcOffer)
	if fr.Payload["sdp"] != "v=0 offer" || fr.Payload["fromId"] != "alice" {
		t.Fatalf("offer payload = %v", fr.Payload)
	}
}
