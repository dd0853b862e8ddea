package message

import (
	"context"

	"IMProject/logger"
	"IMProject/module/chat/model"
	"IMProject/service/chat"
)

// AckDelivered records a recipient's delivered ack. Duplicate acks are
// no-ops; the sender is notified only on the first one.
func (p *Pipeline) AckDelivered(ctx context.Context, userID, messageID string) error {
	m, changed, err := p.store.MarkDelivered(ctx, messageID, userID, p.clock())
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	status := chat.BuildEvent(chat.EvMessageStatus, map[string]interface{}{
		"messageId": messageID,
		"status":    model.MsgStatusDelivered,
		"userId":    userID,
	})
	if err := p.fabric.Deliver(ctx, m.SenderID, status); err != nil {
		logger.Warnf("delivered ack to sender %s: %v", m.SenderID, err)
	}
	return nil
}

// AckRead marks every unread message in the chat as read by userID and
// notifies each distinct sender with a read receipt. Re-acking a fully
// read chat is a no-op.
func (p *Pipeline) AckRead(ctx context.Context, userID, chatID string) error {
	msgs, err := p.store.MarkRead(ctx, chatID, userID, p.clock())
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	bySender := make(map[string][]string)
	for i := range msgs {
		bySender[msgs[i].SenderID] = append(bySender[msgs[i].SenderID], msgs[i].ID)
	}
	for senderID, messageIDs := range bySender {
		ack := chat.BuildEvent(chat.EvMessageReadAck, map[string]interface{}{
			"chatId":     chatID,
			"readerId":   userID,
			"messageIds": messageIDs,
		})
		if err := p.fabric.Deliver(ctx, senderID, ack); err != nil {
			logger.Warnf("read ack to sender %s: %v", senderID, err)
		}
	}
	return nil
}

// RelayEphemeral forwards a typing/recording indicator to the other chat
// participants. Best-effort: nothing is persisted and delivery failures
// are only logged.
func (p *Pipeline) RelayEphemeral(ctx context.Context, ev chat.EventType, senderID, chatID string) {
	ch, err := p.store.FindChat(ctx, chatID)
	if err != nil {
		logger.Debugf("ephemeral relay chat %s: %v", chatID, err)
		return
	}
	if !contains(ch.Participants, senderID) {
		return
	}
	payload := chat.BuildEvent(ev, map[string]interface{}{
		"chatId": chatID,
		"userId": senderID,
	})
	for _, uid := range exclude(ch.Participants, senderID) {
		if err := p.fabric.Deliver(ctx, uid, payload); err != nil {
			logger.Debugf("ephemeral relay to %s: %v", uid, err)
		}
	}
}
