package message

import (
	"context"
	"time"

	"IMProject/module/chat/model"
	"IMProject/tools/errs"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Store is the Mongo-backed persistence layer for chats, messages,
// devices and broadcast jobs.
type Store struct{}

func NewStore() *Store { return &Store{} }

func (s *Store) GetUser(ctx context.Context, userID string) (*model.User, error) {
	var u model.User
	err := u.Collection().FindOne(ctx, bson.M{"_id": userID}).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.ErrNotFound.WithDetail("user " + userID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get user")
	}
	return &u, nil
}

// Blocks reports whether owner has other on their block list.
func (s *Store) Blocks(ctx context.Context, ownerID, otherID string) (bool, error) {
	n, err := (&model.User{}).Collection().CountDocuments(ctx,
		bson.M{"_id": ownerID, "blocked": otherID},
		options.Count().SetLimit(1))
	if err != nil {
		return false, errors.Wrap(err, "block lookup")
	}
	return n > 0, nil
}

func (s *Store) FindChat(ctx context.Context, chatID string) (*model.Chat, error) {
	var c model.Chat
	err := c.Collection().FindOne(ctx, bson.M{"_id": chatID}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.ErrNotFound.WithDetail("chat " + chatID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "find chat")
	}
	return &c, nil
}

func (s *Store) GroupName(ctx context.Context, groupID string) (string, error) {
	var g model.Group
	err := g.Collection().FindOne(ctx, bson.M{"_id": groupID}).Decode(&g)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "group name")
	}
	return g.Name, nil
}

func (s *Store) CreateMessage(ctx context.Context, m *model.Message) error {
	_, err := m.Collection().InsertOne(ctx, m)
	return errors.Wrap(err, "create message")
}

func (s *Store) UpdateLastMessage(ctx context.Context, chatID, messageID string, at time.Time) error {
	_, err := (&model.Chat{}).Collection().UpdateOne(ctx,
		bson.M{"_id": chatID},
		bson.M{"$set": bson.M{"last_message_id": messageID, "last_message_at": at}})
	return errors.Wrap(err, "update last message")
}

// MarkDelivered records a delivered ack for userID. The ack is idempotent:
// a second ack from the same user leaves the document untouched. Returns
// the message either way so the caller can notify the sender.
func (s *Store) MarkDelivered(ctx context.Context, messageID, userID string, at time.Time) (*model.Message, bool, error) {
	coll := (&model.Message{}).Collection()
	var m model.Message
	err := coll.FindOneAndUpdate(ctx,
		bson.M{"_id": messageID, "delivered_to.user_id": bson.M{"$ne": userID}, "sender_id": bson.M{"$ne": userID}},
		bson.M{
			"$push": bson.M{"delivered_to": model.DeliveryMark{UserID: userID, At: at}},
			"$set":  bson.M{"status": model.MsgStatusDelivered},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&m)
	if err == nil {
		return &m, true, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, errors.Wrap(err, "mark delivered")
	}
	// Already marked, or unknown message.
	err = coll.FindOne(ctx, bson.M{"_id": messageID}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, errs.ErrNotFound.WithDetail("message " + messageID)
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "mark delivered")
	}
	return &m, false, nil
}

// MarkRead marks every message in the chat that readerID has not yet read
// and did not author. Returns the affected messages so acks can be routed
// per sender.
func (s *Store) MarkRead(ctx context.Context, chatID, readerID string, at time.Time) ([]model.Message, error) {
	coll := (&model.Message{}).Collection()
	filter := bson.M{
		"chat_id":         chatID,
		"sender_id":       bson.M{"$ne": readerID},
		"read_by.user_id": bson.M{"$ne": readerID},
	}
	cur, err := coll.Find(ctx, filter,
		options.Find().SetProjection(bson.M{"_id": 1, "sender_id": 1, "chat_id": 1}))
	if err != nil {
		return nil, errors.Wrap(err, "mark read")
	}
	var msgs []model.Message
	if err := cur.All(ctx, &msgs); err != nil {
		return nil, errors.Wrap(err, "mark read")
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(msgs))
	for i := range msgs {
		ids = append(ids, msgs[i].ID)
	}
	_, err = coll.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}, "read_by.user_id": bson.M{"$ne": readerID}},
		bson.M{
			"$push": bson.M{"read_by": model.DeliveryMark{UserID: readerID, At: at}},
			"$set":  bson.M{"status": model.MsgStatusRead},
		})
	if err != nil {
		return nil, errors.Wrap(err, "mark read")
	}
	return msgs, nil
}

// SetUserOnline mirrors live presence onto the user document so offline
// readers see last_seen without consulting the presence store.
func (s *Store) SetUserOnline(ctx context.Context, userID string, online bool, at time.Time) error {
	set := bson.M{"is_online": online}
	if !online {
		set["last_seen"] = at
	}
	_, err := (&model.User{}).Collection().UpdateOne(ctx,
		bson.M{"_id": userID}, bson.M{"$set": set})
	return errors.Wrap(err, "set user online")
}

func (s *Store) ActiveDevices(ctx context.Context, userID string) ([]model.Device, error) {
	cur, err := (&model.Device{}).Collection().Find(ctx,
		bson.M{"user_id": userID, "is_active": true, "push_token": bson.M{"$nin": bson.A{"", nil}}})
	if err != nil {
		return nil, errors.Wrap(err, "active devices")
	}
	var devs []model.Device
	if err := cur.All(ctx, &devs); err != nil {
		return nil, errors.Wrap(err, "active devices")
	}
	return devs, nil
}

// ClearTokens deactivates devices whose push tokens were rejected as
// invalid by a provider.
func (s *Store) ClearTokens(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	_, err := (&model.Device{}).Collection().UpdateMany(ctx,
		bson.M{"push_token": bson.M{"$in": tokens}},
		bson.M{"$set": bson.M{"is_active": false, "push_token": ""}})
	return errors.Wrap(err, "clear tokens")
}

// ClaimBroadcast moves a queued job to sending. Jobs in any other state
// are not claimable, which makes redelivered queue records no-ops.
func (s *Store) ClaimBroadcast(ctx context.Context, broadcastID string) (*model.Broadcast, error) {
	var b model.Broadcast
	err := b.Collection().FindOneAndUpdate(ctx,
		bson.M{"_id": broadcastID, "status": model.BroadcastQueued},
		bson.M{"$set": bson.M{"status": model.BroadcastSending}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&b)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.ErrNotFound.WithDetail("queued broadcast " + broadcastID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "claim broadcast")
	}
	return &b, nil
}

func (s *Store) AddBroadcastProgress(ctx context.Context, broadcastID string, success, failure int64) error {
	_, err := (&model.Broadcast{}).Collection().UpdateOne(ctx,
		bson.M{"_id": broadcastID},
		bson.M{"$inc": bson.M{"success_count": success, "failure_count": failure}})
	return errors.Wrap(err, "broadcast progress")
}

func (s *Store) FinishBroadcast(ctx context.Context, broadcastID, status string, total int64, at time.Time) error {
	_, err := (&model.Broadcast{}).Collection().UpdateOne(ctx,
		bson.M{"_id": broadcastID},
		bson.M{"$set": bson.M{"status": status, "total_recipients": total, "sent_at": at}})
	return errors.Wrap(err, "finish broadcast")
}
