package message

import (
	"context"
	"sync"
	"time"

	"IMProject/logger"
	"IMProject/module/chat/model"
	"IMProject/service/chat"
	"IMProject/tools/errs"
	"IMProject/tools/ids"
	"IMProject/tools/safe"

	"github.com/pkg/errors"
)

// Persister is the slice of the store the pipeline needs.
type Persister interface {
	GetUser(ctx context.Context, userID string) (*model.User, error)
	Blocks(ctx context.Context, ownerID, otherID string) (bool, error)
	FindChat(ctx context.Context, chatID string) (*model.Chat, error)
	GroupName(ctx context.Context, groupID string) (string, error)
	CreateMessage(ctx context.Context, m *model.Message) error
	UpdateLastMessage(ctx context.Context, chatID, messageID string, at time.Time) error
	MarkDelivered(ctx context.Context, messageID, userID string, at time.Time) (*model.Message, bool, error)
	MarkRead(ctx context.Context, chatID, readerID string, at time.Time) ([]model.Message, error)
}

type Presence interface {
	IsOnline(ctx context.Context, userID string) bool
}

type Guard interface {
	InPenaltyBox(ctx context.Context, userID string) bool
	NoteMessage(ctx context.Context, userID, content string) bool
}

type Limiter interface {
	Allow(connID string) bool
}

// Deliverer pushes an encoded event to every live connection a user holds,
// on whichever process holds them.
type Deliverer interface {
	Deliver(ctx context.Context, userID string, payload []byte) error
}

type Notifier interface {
	SendToUser(ctx context.Context, userID, title, body string, data map[string]string) error
}

// Replier is an optional hook fired after a message lands, for bot-style
// auto replies. Implementations must be non-blocking friendly; the
// pipeline never waits on it.
type Replier interface {
	Trigger(ctx context.Context, msg *model.Message, ch *model.Chat)
}

type PipelineConf struct {
	Store    Persister
	Presence Presence
	Guard    Guard
	Limiter  Limiter
	Fabric   Deliverer
	Notifier Notifier
	Replier  Replier          // optional
	Clock    func() time.Time // tests override
}

// Pipeline validates, persists and fans out new messages. The sender ack
// path is synchronous through persistence; everything after (recipient
// fan-out, push fallback, auto reply) runs in the background.
type Pipeline struct {
	store    Persister
	presence Presence
	guard    Guard
	limiter  Limiter
	fabric   Deliverer
	notifier Notifier
	replier  Replier
	clock    func() time.Time
}

func NewPipeline(c PipelineConf) *Pipeline {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return &Pipeline{
		store:    c.Store,
		presence: c.Presence,
		guard:    c.Guard,
		limiter:  c.Limiter,
		fabric:   c.Fabric,
		notifier: c.Notifier,
		replier:  c.Replier,
		clock:    c.Clock,
	}
}

// SendMessage runs the full delivery pipeline for one inbound message.
// Returns the persisted message for the sender's ack, or a coded error.
func (p *Pipeline) SendMessage(ctx context.Context, connID, senderID string, in *chat.SendMessagePayload) (*model.Message, error) {
	if !p.limiter.Allow(connID) {
		return nil, errs.ErrRateLimited
	}
	if p.guard.InPenaltyBox(ctx, senderID) {
		return nil, errs.ErrForbidden.WithDetail("sending temporarily suspended")
	}
	if in.Type == "" {
		in.Type = "text"
	}
	if in.Type == "text" && p.guard.NoteMessage(ctx, senderID, in.Content) {
		return nil, errs.ErrForbidden.WithDetail("duplicate message flood")
	}

	ch, err := p.store.FindChat(ctx, in.ChatID)
	if err != nil {
		return nil, err
	}
	if !contains(ch.Participants, senderID) {
		return nil, errs.ErrNotFound.WithDetail("not a chat participant")
	}

	others := exclude(ch.Participants, senderID)
	if err := p.checkBlocks(ctx, senderID, others); err != nil {
		return nil, err
	}

	sender, err := p.store.GetUser(ctx, senderID)
	if err != nil {
		return nil, err
	}

	now := p.clock()
	msg := &model.Message{
		ID:           ids.GenerateString(),
		ChatID:       ch.ID,
		SenderID:     senderID,
		SenderName:   sender.Name,
		Type:         in.Type,
		Content:      in.Content,
		Media:        in.Media,
		ReplyTo:      in.ReplyTo,
		Location:     in.Location,
		ContactShare: in.ContactShare,
		Status:       model.MsgStatusSent,
		CreatedAt:    now,
	}
	if err := p.store.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}
	if err := p.store.UpdateLastMessage(ctx, ch.ID, msg.ID, now); err != nil {
		return nil, err
	}

	safe.Go("message-fanout", func() {
		p.fanout(context.Background(), msg, ch, others)
	})
	return msg, nil
}

// checkBlocks runs both directions of the block check for every other
// participant concurrently. Any positive hit fails the send; a store
// error wins only if no block was found.
func (p *Pipeline) checkBlocks(ctx context.Context, senderID string, others []string) error {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		blocked bool
		firstEr error
	)
	for _, other := range others {
		wg.Add(1)
		go func(other string) {
			defer wg.Done()
			a, err1 := p.store.Blocks(ctx, senderID, other)
			b, err2 := p.store.Blocks(ctx, other, senderID)
			mu.Lock()
			defer mu.Unlock()
			if a || b {
				blocked = true
			}
			if firstEr == nil {
				if err1 != nil {
					firstEr = err1
				} else if err2 != nil {
					firstEr = err2
				}
			}
		}(other)
	}
	wg.Wait()
	if blocked {
		return errs.ErrBlocked
	}
	if firstEr != nil {
		return errors.Wrap(firstEr, "block check")
	}
	return nil
}

func (p *Pipeline) fanout(ctx context.Context, msg *model.Message, ch *model.Chat, recipients []string) {
	event := chat.BuildEvent(chat.EvMessageNew, msg)
	for _, uid := range recipients {
		if p.presence.IsOnline(ctx, uid) {
			if err := p.fabric.Deliver(ctx, uid, event); err != nil {
				logger.Warnf("fanout deliver %s: %v", uid, err)
				p.notifyOffline(ctx, uid, msg, ch)
				continue
			}
			p.recordDelivered(ctx, msg.ID, uid)
			continue
		}
		p.notifyOffline(ctx, uid, msg, ch)
	}
	if p.replier != nil {
		p.replier.Trigger(ctx, msg, ch)
	}
}

// recordDelivered marks the recipient delivered and tells the sender.
// Both are best-effort.
func (p *Pipeline) recordDelivered(ctx context.Context, messageID, userID string) {
	m, changed, err := p.store.MarkDelivered(ctx, messageID, userID, p.clock())
	if err != nil {
		logger.Warnf("mark delivered %s for %s: %v", messageID, userID, err)
		return
	}
	if !changed {
		return
	}
	status := chat.BuildEvent(chat.EvMessageStatus, map[string]interface{}{
		"messageId": messageID,
		"status":    model.MsgStatusDelivered,
		"userId":    userID,
	})
	if err := p.fabric.Deliver(ctx, m.SenderID, status); err != nil {
		logger.Warnf("status to sender %s: %v", m.SenderID, err)
	}
}

func (p *Pipeline) notifyOffline(ctx context.Context, userID string, msg *model.Message, ch *model.Chat) {
	title := msg.SenderName
	if ch.Type == model.ChatGroup {
		name, err := p.store.GroupName(ctx, ch.GroupID)
		if err != nil {
			logger.Warnf("group name %s: %v", ch.GroupID, err)
		}
		if name != "" {
			title = msg.SenderName + " @ " + name
		}
	}
	err := p.notifier.SendToUser(ctx, userID, title, Preview(msg), map[string]string{
		"type":      "message",
		"chatId":    msg.ChatID,
		"messageId": msg.ID,
	})
	if err != nil {
		logger.Warnf("push to %s: %v", userID, err)
	}
}

// Preview derives the human-readable notification body for a message.
func Preview(m *model.Message) string {
	switch m.Type {
	case "text":
		return m.Content
	case "image":
		return "📷 Photo"
	case "video":
		return "🎥 Video"
	case "audio", "voice":
		return "🎤 Voice message"
	case "document":
		return "📄 Document"
	case "location":
		return "📍 Location"
	case "contact":
		return "👤 Contact"
	case "gif":
		return "GIF"
	case "sticker":
		return "Sticker"
	default:
		if m.Content != "" {
			return m.Content
		}
		return "New message"
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func exclude(list []string, s string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
