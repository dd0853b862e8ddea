package chat

import (
	"encoding/json"

	"IMProject/tools/errs"

	"github.com/mitchellh/mapstructure"
)

// EventType enumerates the closed set of frame types crossing the websocket
// boundary. Anything outside this set is rejected before dispatch.
type EventType string

const (
	EvHeartbeat EventType = "heartbeat"
	EvAck       EventType = "ack"
	EvError     EventType = "error"

	EvMessageSend      EventType = "message:send"
	EvMessageNew       EventType = "message:new"
	EvMessageStatus    EventType = "message:status"
	EvMessageDelivered EventType = "message:delivered"
	EvMessageRead      EventType = "message:read"
	EvMessageReadAck   EventType = "message:read-ack"

	EvTypingStart    EventType = "typing:start"
	EvTypingStop     EventType = "typing:stop"
	EvRecordingStart EventType = "recording:start"
	EvRecordingStop  EventType = "recording:stop"

	EvPresenceOnline  EventType = "presence:online"
	EvPresenceOffline EventType = "presence:offline"

	EvCallInitiate EventType = "call:initiate"
	EvCallIncoming EventType = "call:incoming"
	EvCallAccept   EventType = "call:accept"
	EvCallAccepted EventType = "call:accepted"
	EvCallReject   EventType = "call:reject"
	EvCallRejected EventType = "call:rejected"
	EvCallEnd      EventType = "call:end"
	EvCallEnded    EventType = "call:ended"

	EvWebrtcOffer  EventType = "webrtc:offer"
	EvWebrtcAnswer EventType = "webrtc:answer"
	EvWebrtcICE    EventType = "webrtc:ice-candidate"
)

var inboundEvents = map[EventType]bool{
	EvHeartbeat:        true,
	EvMessageSend:      true,
	EvMessageDelivered: true,
	EvMessageRead:      true,
	EvTypingStart:      true,
	EvTypingStop:       true,
	EvRecordingStart:   true,
	EvRecordingStop:    true,
	EvCallInitiate:     true,
	EvCallAccept:       true,
	EvCallReject:       true,
	EvCallEnd:          true,
	EvCallEnded:        true,
	EvWebrtcOffer:      true,
	EvWebrtcAnswer:     true,
	EvWebrtcICE:        true,
}

// Frame is the generic envelope. ID correlates a client request with its ack.
type Frame struct {
	Type    EventType              `json:"type"`
	ID      string                 `json:"id,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

func ParseFrame(raw []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, errs.ErrValidation.WithDetail("malformed frame")
	}
	if f.Type == "" {
		return nil, errs.ErrValidation.WithDetail("missing frame type")
	}
	if !inboundEvents[f.Type] {
		return nil, errs.ErrValidation.WithDetail("unknown event " + string(f.Type))
	}
	return f, nil
}

// DecodePayload maps the raw payload into a typed struct and runs its
// validation. WebRTC payload bodies stay opaque interface{} values.
func DecodePayload[T interface{ Validate() error }](f *Frame, out T) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  out,
	})
	if err != nil {
		return errs.ErrInfra.WithDetail(err.Error())
	}
	if err := dec.Decode(f.Payload); err != nil {
		return errs.ErrValidation.WithDetail(err.Error())
	}
	return out.Validate()
}

// BuildEvent marshals an outbound frame; payload may be any json-able value.
func BuildEvent(t EventType, payload interface{}) []byte {
	var m map[string]interface{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil
		}
	}
	out, _ := json.Marshal(Frame{Type: t, Payload: m})
	return out
}

// BuildAck answers a client frame that carried an id.
func BuildAck(id string, payload interface{}) []byte {
	var m map[string]interface{}
	if payload != nil {
		raw, _ := json.Marshal(payload)
		_ = json.Unmarshal(raw, &m)
	}
	out, _ := json.Marshal(Frame{Type: EvAck, ID: id, Payload: m})
	return out
}

func BuildError(id string, err error) []byte {
	payload := map[string]interface{}{
		"code":  errs.Code(err),
		"error": err.Error(),
	}
	out, _ := json.Marshal(Frame{Type: EvError, ID: id, Payload: payload})
	return out
}

// ---- inbound payload shapes ----

type SendMessagePayload struct {
	ChatID       string                 `json:"chatId"`
	Type         string                 `json:"type"`
	Content      string                 `json:"content"`
	Media        map[string]interface{} `json:"media"`
	ReplyTo      string                 `json:"replyTo"`
	Location     map[string]interface{} `json:"location"`
	ContactShare map[string]interface{} `json:"contactShare"`
}

func (p *SendMessagePayload) Validate() error {
	if p.ChatID == "" {
		return errs.ErrValidation.WithDetail("chatId required")
	}
	return nil
}

type DeliveredPayload struct {
	MessageID string `json:"messageId"`
}

func (p *DeliveredPayload) Validate() error {
	if p.MessageID == "" {
		return errs.ErrValidation.WithDetail("messageId required")
	}
	return nil
}

type ChatScopedPayload struct {
	ChatID string `json:"chatId"`
}

func (p *ChatScopedPayload) Validate() error {
	if p.ChatID == "" {
		return errs.ErrValidation.WithDetail("chatId required")
	}
	return nil
}

type CallInitiatePayload struct {
	ChatID       string   `json:"chatId"`
	Type         string   `json:"type"`
	Participants []string `json:"participants"`
}

func (p *CallInitiatePayload) Validate() error {
	if p.ChatID == "" {
		return errs.ErrValidation.WithDetail("chatId required")
	}
	return nil
}

type CallAnswerPayload struct {
	ChatID   string `json:"chatId"`
	CallerID string `json:"callerId"`
}

func (p *CallAnswerPayload) Validate() error {
	if p.ChatID == "" || p.CallerID == "" {
		return errs.ErrValidation.WithDetail("chatId and callerId required")
	}
	return nil
}

// WebrtcPayload carries negotiation material verbatim; SDP and candidates are
// never parsed server-side.
type WebrtcPayload struct {
	ChatID       string      `json:"chatId"`
	TargetUserID string      `json:"targetUserId"`
	SDP          interface{} `json:"sdp"`
	Candidate    interface{} `json:"candidate"`
}

func (p *WebrtcPayload) Validate() error {
	if p.ChatID == "" || p.TargetUserID == "" {
		return errs.ErrValidation.WithDetail("chatId and targetUserId required")
	}
	if p.SDP == nil && p.Candidate == nil {
		return errs.ErrValidation.WithDetail("sdp or candidate required")
	}
	return nil
}
