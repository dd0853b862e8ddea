package gateway

import (
	"context"

	"IMProject/service/chat"
)

func (s *Server) registerHandlers() {
	d := s.dispatcher

	d.Register(chat.EvHeartbeat, s.handleHeartbeat)
	d.Register(chat.EvMessageSend, s.handleMessageSend)
	d.Register(chat.EvMessageDelivered, s.handleDelivered)
	d.Register(chat.EvMessageRead, s.handleRead)

	for _, ev := range []chat.EventType{chat.EvTypingStart, chat.EvTypingStop, chat.EvRecordingStart, chat.EvRecordingStop} {
		d.Register(ev, s.handleEphemeral(ev))
	}

	d.Register(chat.EvCallInitiate, s.handleCallInitiate)
	d.Register(chat.EvCallAccept, s.handleCallAccept)
	d.Register(chat.EvCallReject, s.handleCallReject)
	d.Register(chat.EvCallEnd, s.handleCallEnd)
	d.Register(chat.EvCallEnded, s.handleCallEnd)

	for _, ev := range []chat.EventType{chat.EvWebrtcOffer, chat.EvWebrtcAnswer, chat.EvWebrtcICE} {
		d.Register(ev, s.handleWebrtc(ev))
	}
}

func (s *Server) handleHeartbeat(ctx context.Context, conn *chat.Conn, _ *chat.Frame) error {
	s.registry.Heartbeat(conn.ID)
	s.presence.Heartbeat(ctx, conn.UserID)
	return nil
}

func (s *Server) handleMessageSend(ctx context.Context, conn *chat.Conn, f *chat.Frame) error {
	var p chat.SendMessagePayload
	if err := chat.DecodePayload(f, &p); err != nil {
		return err
	}
	msg, err := s.pipeline.SendMessage(ctx, conn.ID, conn.UserID, &p)
	if err != nil {
		return err
	}
	conn.Enqueue(chat.BuildAck(f.ID, map[string]interface{}{
		"success": true,
		"message": msg,
	}))
	return nil
}

func (s *Server) handleDelivered(ctx context.Context, conn *chat.Conn, f *chat.Frame) error {
	var p chat.DeliveredPayload
	if err := chat.DecodePayload(f, &p); err != nil {
		return err
	}
	return s.pipeline.AckDelivered(ctx, conn.UserID, p.MessageID)
}

func (s *Server) handleRead(ctx context.Context, conn *chat.Conn, f *chat.Frame) error {
	var p chat.ChatScopedPayload
	if err := chat.DecodePayload(f, &p); err != nil {
		return err
	}
	return s.pipeline.AckRead(ctx, conn.UserID, p.ChatID)
}

// Typing and recording indicators are best-effort; bad payloads are
// dropped without an error frame.
func (s *Server) handleEphemeral(ev chat.EventType) chat.HandlerFunc {
	return func(ctx context.Context, conn *chat.Conn, f *chat.Frame) error {
		var p chat.ChatScopedPayload
		if err := chat.DecodePayload(f, &p); err != nil {
			return nil
		}
		s.pipeline.RelayEphemeral(ctx, ev, conn.UserID, p.ChatID)
		return nil
	}
}

func (s *Server) handleCallInitiate(ctx context.Context, conn *chat.Conn, f *chat.Frame) error {
	var p chat.CallInitiatePayload
	if err := chat.DecodePayload(f, &p); err != nil {
		return err
	}
	return s.relay.Initiate(ctx, conn.UserID, &p)
}

func (s *Server) handleCallAccept(ctx context.Context, conn *chat.Conn, f *chat.Frame) error {
	var p chat.CallAnswerPayload
	if err := chat.DecodePayload(f, &p); err != nil {
		return err
	}
	return s.relay.Accept(ctx, conn.UserID, &p)
}

func (s *Server) handleCallReject(ctx context.Context, conn *chat.Conn, f *chat.Frame) error {
	var p chat.CallAnswerPayload
	if err := chat.DecodePayload(f, &p); err != nil {
		return err
	}
	return s.relay.Reject(ctx, conn.UserID, &p)
}

func (s *Server) handleCallEnd(ctx context.Context, conn *chat.Conn, f *chat.Frame) error {
	var p chat.ChatScopedPayload
	if err := chat.DecodePayload(f, &p); err != nil {
		return err
	}
	return s.relay.End(ctx, conn.UserID, &p)
}

func (s *Server) handleWebrtc(ev chat.EventType) chat.HandlerFunc {
	return func(ctx context.Context, conn *chat.Conn, f *chat.Frame) error {
		var p chat.WebrtcPayload
		if err := chat.DecodePayload(f, &p); err != nil {
			return err
		}
		return s.relay.RelayWebrtc(ctx, conn.UserID, ev, &p)
	}
}
