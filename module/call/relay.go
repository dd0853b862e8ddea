package call

import (
	"context"
	"time"

	"IMProject/logger"
	"IMProject/module/chat/model"
	"IMProject/service/chat"
	"IMProject/tools/errs"
	"IMProject/tools/ids"
	"IMProject/tools/safe"
)

// Store is the slice of persistence the relay touches. Writes are only
// the best-effort history side effects on reject/end.
type Store interface {
	GetUser(ctx context.Context, userID string) (*model.User, error)
	FindChat(ctx context.Context, chatID string) (*model.Chat, error)
	CreateMessage(ctx context.Context, m *model.Message) error
	UpdateLastMessage(ctx context.Context, chatID, messageID string, at time.Time) error
}

type Presence interface {
	IsOnline(ctx context.Context, userID string) bool
}

type Deliverer interface {
	Deliver(ctx context.Context, userID string, payload []byte) error
}

type Notifier interface {
	SendToUser(ctx context.Context, userID, title, body string, data map[string]string) error
}

type RelayConf struct {
	Store    Store
	Presence Presence
	Fabric   Deliverer
	Notifier Notifier
	Clock    func() time.Time
}

// Relay forwards call lifecycle and WebRTC negotiation events between
// peers. It keeps no call state: every operation resolves its targets
// from the request and the chat membership alone.
type Relay struct {
	store    Store
	presence Presence
	fabric   Deliverer
	notifier Notifier
	clock    func() time.Time
}

func NewRelay(c RelayConf) *Relay {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return &Relay{
		store:    c.Store,
		presence: c.Presence,
		fabric:   c.Fabric,
		notifier: c.Notifier,
		clock:    c.Clock,
	}
}

// Initiate fans an incoming-call event out to the targets. Explicit
// targets win; otherwise every other chat participant is rung. An
// unreachable target gets a call push instead of the live event, never
// both.
func (r *Relay) Initiate(ctx context.Context, callerID string, p *chat.CallInitiatePayload) error {
	ch, err := r.store.FindChat(ctx, p.ChatID)
	if err != nil {
		return err
	}
	if !member(ch.Participants, callerID) {
		return errs.ErrNotFound.WithDetail("not a chat participant")
	}
	caller, err := r.store.GetUser(ctx, callerID)
	if err != nil {
		return err
	}

	targets := p.Participants
	if len(targets) == 0 {
		targets = ch.Participants
	}
	callType := p.Type
	if callType == "" {
		callType = "audio"
	}
	incoming := chat.BuildEvent(chat.EvCallIncoming, map[string]interface{}{
		"chatId":     ch.ID,
		"callerId":   callerID,
		"callerName": caller.Name,
		"type":       callType,
	})
	for _, uid := range targets {
		if uid == callerID || !member(ch.Participants, uid) {
			continue
		}
		if r.presence.IsOnline(ctx, uid) {
			if err := r.fabric.Deliver(ctx, uid, incoming); err != nil {
				logger.Warnf("ring %s: %v", uid, err)
			}
			continue
		}
		err := r.notifier.SendToUser(ctx, uid, "Incoming "+callType+" call", caller.Name, map[string]string{
			"type":     "call",
			"chatId":   ch.ID,
			"callerId": callerID,
			"callType": callType,
		})
		if err != nil {
			logger.Warnf("call push to %s: %v", uid, err)
		}
	}
	return nil
}

// Accept forwards acceptance to the caller only.
func (r *Relay) Accept(ctx context.Context, calleeID string, p *chat.CallAnswerPayload) error {
	ev := chat.BuildEvent(chat.EvCallAccepted, map[string]interface{}{
		"chatId": p.ChatID,
		"userId": calleeID,
	})
	return r.fabric.Deliver(ctx, p.CallerID, ev)
}

// Reject forwards rejection to the caller and appends a missed-call
// record to the chat history in the background.
func (r *Relay) Reject(ctx context.Context, calleeID string, p *chat.CallAnswerPayload) error {
	ev := chat.BuildEvent(chat.EvCallRejected, map[string]interface{}{
		"chatId": p.ChatID,
		"userId": calleeID,
	})
	err := r.fabric.Deliver(ctx, p.CallerID, ev)
	r.systemMessage(p.ChatID, "Missed call")
	return err
}

// End forwards hang-up to all other participants and appends a
// call-ended record.
func (r *Relay) End(ctx context.Context, userID string, p *chat.ChatScopedPayload) error {
	ch, err := r.store.FindChat(ctx, p.ChatID)
	if err != nil {
		return err
	}
	ev := chat.BuildEvent(chat.EvCallEnded, map[string]interface{}{
		"chatId": ch.ID,
		"userId": userID,
	})
	for _, uid := range ch.Participants {
		if uid == userID {
			continue
		}
		if err := r.fabric.Deliver(ctx, uid, ev); err != nil {
			logger.Warnf("call end to %s: %v", uid, err)
		}
	}
	r.systemMessage(ch.ID, "Call ended")
	return nil
}

// RelayWebrtc forwards negotiation material to the addressed peer
// verbatim. SDP and candidates are opaque to the server.
func (r *Relay) RelayWebrtc(ctx context.Context, fromID string, ev chat.EventType, p *chat.WebrtcPayload) error {
	payload := map[string]interface{}{
		"chatId": p.ChatID,
		"fromId": fromID,
	}
	if p.SDP != nil {
		payload["sdp"] = p.SDP
	}
	if p.Candidate != nil {
		payload["candidate"] = p.Candidate
	}
	return r.fabric.Deliver(ctx, p.TargetUserID, chat.BuildEvent(ev, payload))
}

// systemMessage appends a history record without blocking the call flow.
func (r *Relay) systemMessage(chatID, content string) {
	safe.Go("call-history", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		now := r.clock()
		msg := &model.Message{
			ID:        ids.GenerateString(),
			ChatID:    chatID,
			Type:      "system",
			Content:   content,
			Status:    model.MsgStatusSent,
			CreatedAt: now,
		}
		if err := r.store.CreateMessage(ctx, msg); err != nil {
			logger.Warnf("call history %q: %v", content, err)
			return
		}
		if err := r.store.UpdateLastMessage(ctx, chatID, msg.ID, now); err != nil {
			logger.Warnf("call history pointer: %v", err)
		}
	})
}

func member(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
