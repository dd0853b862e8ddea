package model

import (
	"time"

	"IMProject/data/database"
	"IMProject/service/mgo"

	"go.mongodb.org/mongo-driver/mongo"
)

var (
	_ database.Table = (*User)(nil)
	_ database.Table = (*Chat)(nil)
	_ database.Table = (*Group)(nil)
	_ database.Table = (*Message)(nil)
	_ database.Table = (*Device)(nil)
	_ database.Table = (*Broadcast)(nil)
)

// Chat session kinds.
const (
	ChatDirect = "direct"
	ChatGroup  = "group"
)

// Message lifecycle. The scalar status on a message is last-known overall
// state; per-recipient truth lives in delivered_to / read_by.
const (
	MsgStatusSending   = "sending"
	MsgStatusSent      = "sent"
	MsgStatusDelivered = "delivered"
	MsgStatusRead      = "read"
)

// Broadcast job states; transitions are forward-only.
const (
	BroadcastDraft   = "draft"
	BroadcastQueued  = "queued"
	BroadcastSending = "sending"
	BroadcastSent    = "sent"
	BroadcastFailed  = "failed"
)

const (
	UserStatusActive = "active"
	UserStatusBanned = "banned"
)

type User struct {
	ID       string    `bson:"_id"`
	Name     string    `bson:"name"`
	Avatar   string    `bson:"avatar,omitempty"`
	Phone    string    `bson:"phone,omitempty"`
	Blocked  []string  `bson:"blocked,omitempty"`
	Status   string    `bson:"status"`
	IsOnline bool      `bson:"is_online"`
	LastSeen time.Time `bson:"last_seen,omitempty"`
}

func (*User) GetTableName() string { return "user" }

func (u *User) Collection() *mongo.Collection {
	return mgo.GetDB().Collection(u.GetTableName())
}

type Chat struct {
	ID            string    `bson:"_id"`
	Type          string    `bson:"type"` // direct | group
	Participants  []string  `bson:"participants"`
	GroupID       string    `bson:"group_id,omitempty"`
	LastMessageID string    `bson:"last_message_id,omitempty"`
	LastMessageAt time.Time `bson:"last_message_at,omitempty"`
}

func (*Chat) GetTableName() string { return "chat" }

func (c *Chat) Collection() *mongo.Collection {
	return mgo.GetDB().Collection(c.GetTableName())
}

type Group struct {
	ID   string `bson:"_id"`
	Name string `bson:"name"`
}

func (*Group) GetTableName() string { return "group" }

func (g *Group) Collection() *mongo.Collection {
	return mgo.GetDB().Collection(g.GetTableName())
}

// DeliveryMark records one recipient's delivered/read ack.
type DeliveryMark struct {
	UserID string    `bson:"user_id" json:"userId"`
	At     time.Time `bson:"at" json:"at"`
}

type Message struct {
	ID           string                 `bson:"_id" json:"id"`
	ChatID       string                 `bson:"chat_id" json:"chatId"`
	SenderID     string                 `bson:"sender_id,omitempty" json:"senderId,omitempty"`
	SenderName   string                 `bson:"sender_name,omitempty" json:"senderName,omitempty"`
	Type         string                 `bson:"type" json:"type"` // text/image/video/audio/voice/document/location/contact/gif/sticker/system
	Content      string                 `bson:"content" json:"content"`
	Media        map[string]interface{} `bson:"media,omitempty" json:"media,omitempty"`
	ReplyTo      string                 `bson:"reply_to,omitempty" json:"replyTo,omitempty"`
	Location     map[string]interface{} `bson:"location,omitempty" json:"location,omitempty"`
	ContactShare map[string]interface{} `bson:"contact_share,omitempty" json:"contactShare,omitempty"`
	Status       string                 `bson:"status" json:"status"`
	DeliveredTo  []DeliveryMark         `bson:"delivered_to,omitempty" json:"deliveredTo,omitempty"`
	ReadBy       []DeliveryMark         `bson:"read_by,omitempty" json:"readBy,omitempty"`
	CreatedAt    time.Time              `bson:"created_at" json:"createdAt"`
}

func (*Message) GetTableName() string { return "message" }

func (m *Message) Collection() *mongo.Collection {
	return mgo.GetDB().Collection(m.GetTableName())
}

type Device struct {
	ID         string    `bson:"_id"`
	UserID     string    `bson:"user_id"`
	Platform   string    `bson:"platform"` // android | ios
	PushToken  string    `bson:"push_token"`
	VoipToken  string    `bson:"voip_token,omitempty"` // ios call pushes
	LastActive time.Time `bson:"last_active"`
	IsActive   bool      `bson:"is_active"`
}

func (*Device) GetTableName() string { return "device" }

func (d *Device) Collection() *mongo.Collection {
	return mgo.GetDB().Collection(d.GetTableName())
}

type Broadcast struct {
	ID              string     `bson:"_id"`
	Title           string     `bson:"title"`
	Message         string     `bson:"message"`
	Link            string     `bson:"link,omitempty"`
	Segment         string     `bson:"segment"`  // all | active | banned | custom
	Platform        string     `bson:"platform"` // android | ios | both
	Status          string     `bson:"status"`
	TotalRecipients int64      `bson:"total_recipients"`
	SuccessCount    int64      `bson:"success_count"`
	FailureCount    int64      `bson:"failure_count"`
	SentAt          *time.Time `bson:"sent_at,omitempty"`
	CreatedAt       time.Time  `bson:"created_at"`
}

func (*Broadcast) GetTableName() string { return "broadcast" }

func (b *Broadcast) Collection() *mongo.Collection {
	return mgo.GetDB().Collection(b.GetTableName())
}
