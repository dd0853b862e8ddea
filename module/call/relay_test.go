package call

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"IMProject/module/chat/model"
	"IMProject/service/chat"
	"IMProject/tools/errs"
)

type fakeStore struct {
	mu      sync.Mutex
	users   map[string]*model.User
	chats   map[string]*model.Chat
	msgs    []*model.Message
	lastMsg map[string]string
	written chan string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:   map[string]*model.User{},
		chats:   map[string]*model.Chat{},
		lastMsg: map[string]string{},
		written: make(chan string, 8),
	}
}

func (f *fakeStore) GetUser(_ context.Context, id string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) FindChat(_ context.Context, id string) (*model.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chats[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) CreateMessage(_ context.Context, m *model.Message) error {
	f.mu.Lock()
	f.msgs = append(f.msgs, m)
	f.mu.Unlock()
	f.written <- m.Content
	return nil
}

func (f *fakeStore) UpdateLastMessage(_ context.Context, chatID, messageID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastMsg[chatID] = messageID
	return nil
}

type fakePresence struct{ online map[string]bool }

func (f *fakePresence) IsOnline(_ context.Context, id string) bool { return f.online[id] }

type delivery struct {
	userID  string
	payload []byte
}

type fakeFabric struct{ ch chan delivery }

func (f *fakeFabric) Deliver(_ context.Context, userID string, payload []byte) error {
	f.ch <- delivery{userID, payload}
	return nil
}

func (f *fakeFabric) next(t *testing.T) delivery {
	t.Helper()
	select {
	case d := <-f.ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery within 2s")
		return delivery{}
	}
}

func (f *fakeFabric) expectNone(t *testing.T) {
	t.Helper()
	select {
	case d := <-f.ch:
		t.Fatalf("unexpected delivery to %s: %s", d.userID, d.payload)
	case <-time.After(100 * time.Millisecond):
	}
}

type pushCall struct{ userID, title, body string }

type fakeNotifier struct {
	ch   chan pushCall
	data map[string]string
	mu   sync.Mutex
}

func (f *fakeNotifier) SendToUser(_ context.Context, userID, title, body string, data map[string]string) error {
	f.mu.Lock()
	f.data = data
	f.mu.Unlock()
	f.ch <- pushCall{userID, title, body}
	return nil
}

func decodeFrame(t *testing.T, raw []byte) chat.Frame {
	t.Helper()
	var fr chat.Frame
	if err := json.Unmarshal(raw, &fr); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return fr
}

func newTestRelay() (*Relay, *fakeStore, *fakePresence, *fakeFabric, *fakeNotifier) {
	store := newFakeStore()
	store.users["alice"] = &model.User{ID: "alice", Name: "Alice"}
	store.users["bob"] = &model.User{ID: "bob", Name: "Bob"}
	store.chats["c1"] = &model.Chat{ID: "c1", Type: model.ChatDirect, Participants: []string{"alice", "bob"}}
	presence := &fakePresence{online: map[string]bool{}}
	fabric := &fakeFabric{ch: make(chan delivery, 16)}
	notifier := &fakeNotifier{ch: make(chan pushCall, 8)}
	r := NewRelay(RelayConf{Store: store, Presence: presence, Fabric: fabric, Notifier: notifier})
	return r, store, presence, fabric, notifier
}

func TestInitiateRingsReachableTarget(t *testing.T) {
	r, _, presence, fabric, _ := newTestRelay()
	presence.online["bob"] = true

	if err := r.Initiate(context.Background(), "alice", &chat.CallInitiatePayload{ChatID: "c1", Type: "video"}); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	d := fabric.next(t)
	if d.userID != "bob" {
		t.Fatalf("rang %s, want bob", d.userID)
	}
	fr := decodeFrame(t, d.payload)
	if fr.Type != chat.EvCallIncoming || fr.Payload["callerName"] != "Alice" || fr.Payload["type"] != "video" {
		t.Fatalf("unexpected frame: %+v", fr)
	}
}

func TestInitiateUnreachableTargetGetsPushOnly(t *testing.T) {
	r, _, _, fabric, notifier := newTestRelay()

	if err := r.Initiate(context.Background(), "alice", &chat.CallInitiatePayload{ChatID: "c1"}); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	select {
	case p := <-notifier.ch:
		if p.userID != "bob" || p.body != "Alice" {
			t.Fatalf("unexpected push: %+v", p)
		}
		notifier.mu.Lock()
		if notifier.data["type"] != "call" || notifier.data["callerId"] != "alice" {
			t.Fatalf("push data = %v", notifier.data)
		}
		notifier.mu.Unlock()
	case <-time.After(2 * time.Second):
		t.Fatal("no call push")
	}
	// No live event in addition to the push.
	fabric.expectNone(t)
}

func TestInitiateNonParticipant(t *testing.T) {
	r, _, _, _, _ := newTestRelay()
	err := r.Initiate(context.Background(), "mallory", &chat.CallInitiatePayload{ChatID: "c1"})
	if errs.Code(err) != errs.Code(errs.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestAcceptGoesToCallerOnly(t *testing.T) {
	r, _, _, fabric, _ := newTestRelay()
	if err := r.Accept(context.Background(), "bob", &chat.CallAnswerPayload{ChatID: "c1", CallerID: "alice"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	d := fabric.next(t)
	if d.userID != "alice" {
		t.Fatalf("accepted to %s", d.userID)
	}
	if fr := decodeFrame(t, d.payload); fr.Type != chat.EvCallAccepted {
		t.Fatalf("frame type = %s", fr.Type)
	}
	fabric.expectNone(t)
}

func TestRejectWritesMissedCall(t *testing.T) {
	r, store, _, fabric, _ := newTestRelay()
	if err := r.Reject(context.Background(), "bob", &chat.CallAnswerPayload{ChatID: "c1", CallerID: "alice"}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	d := fabric.next(t)
	if d.userID != "alice" {
		t.Fatalf("rejected to %s", d.userID)
	}
	select {
	case content := <-store.written:
		if content != "Missed call" {
			t.Fatalf("history = %q", content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("missed-call history not written")
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.msgs[0].Type != "system" || store.lastMsg["c1"] == "" {
		t.Fatalf("system message not recorded: %+v", store.msgs[0])
	}
}

func TestEndNotifiesOthersAndWritesHistory(t *testing.T) {
	r, store, _, fabric, _ := newTestRelay()
	store.chats["c1"].Participants = []string{"alice", "bob", "carol"}

	if err := r.End(context.Background(), "alice", &chat.ChatScopedPayload{ChatID: "c1"}); err != nil {
		t.Fatalf("end: %v", err)
	}
	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		d := fabric.next(t)
		got[d.userID] = true
		if fr := decodeFrame(t, d.payload); fr.Type != chat.EvCallEnded {
			t.Fatalf("frame type = %s", fr.Type)
		}
	}
	if !got["bob"] || !got["carol"] || got["alice"] {
		t.Fatalf("ended went to %v", got)
	}
	select {
	case content := <-store.written:
		if content != "Call ended" {
			t.Fatalf("history = %q", content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call-ended history not written")
	}
}

func TestWebrtcRelayIsVerbatim(t *testing.T) {
	r, _, _, fabric, _ := newTestRelay()
	sdp := map[string]interface{}{"type": "offer", "sdp": "v=0 o=..."}
	err := r.RelayWebrtc(context.Background(), "alice", chat.EvWebrtcOffer, &chat.WebrtcPayload{
		ChatID: "c1", TargetUserID: "bob", SDP: sdp,
	})
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	d := fabric.next(t)
	if d.userID != "bob" {
		t.Fatalf("relayed to %s", d.userID)
	}
	fr := decodeFrame(t, d.payload)
	if fr.Type != chat.EvWebrtcOffer || fr.Payload["fromId"] != "alice" {
		t.Fatalf("unexpected frame: %+v", fr)
	}
	got, _ := fr.Payload["sdp"].(map[string]interface{})
	if got["sdp"] != "v=0 o=..." {
		t.Fatalf("sdp not verbatim: %v", fr.Payload["sdp"])
	}
}
