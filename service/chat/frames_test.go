package chat

import (
	"encoding/json"
	"errors"
	"testing"

	"IMProject/tools/errs"
)

func TestParseFrameRejectsUnknownType(t *testing.T) {
	if _, err := ParseFrame([]byte(`{"type":"admin:drop-tables"}`)); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("unknown event should be a validation error, got %v", err)
	}
	if _, err := ParseFrame([]byte(`not json`)); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("garbage should be a validation error, got %v", err)
	}
	if _, err := ParseFrame([]byte(`{"payload":{}}`)); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("missing type should be a validation error, got %v", err)
	}
}

func TestDecodeSendMessagePayload(t *testing.T) {
	f, err := ParseFrame([]byte(`{"type":"message:send","id":"42","payload":{"chatId":"c1","type":"text","content":"hi"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var p SendMessagePayload
	if err := DecodePayload(f, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.ChatID != "c1" || p.Content != "hi" || f.ID != "42" {
		t.Fatalf("decoded %+v id=%s", p, f.ID)
	}

	f2, _ := ParseFrame([]byte(`{"type":"message:send","payload":{"content":"no chat"}}`))
	var p2 SendMessagePayload
	if err := DecodePayload(f2, &p2); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("missing chatId should fail validation, got %v", err)
	}
}

func TestWebrtcPayloadStaysOpaque(t *testing.T) {
	raw := `{"type":"webrtc:offer","payload":{"chatId":"c1","targetUserId":"u2","sdp":{"type":"offer","blob":"v=0..."}}}`
	f, err := ParseFrame([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var p WebrtcPayload
	if err := DecodePayload(f, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// the sdp body must survive as-is through a rebuild
	out := BuildEvent(EvWebrtcOffer, map[string]interface{}{
		"chatId":     p.ChatID,
		"fromUserId": "u1",
		"sdp":        p.SDP,
	})
	var echo Frame
	if err := json.Unmarshal(out, &echo); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	sdp, _ := echo.Payload["sdp"].(map[string]interface{})
	if sdp["blob"] != "v=0..." {
		t.Fatalf("sdp body mangled: %+v", echo.Payload)
	}
}

func TestBuildErrorCarriesCode(t *testing.T) {
	out := BuildError("7", errs.ErrRateLimited.WithDetail("conn c9"))
	var f Frame
	if err := json.Unmarshal(out, &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if f.Type != EvError || f.ID != "7" {
		t.Fatalf("frame %+v", f)
	}
	if code, _ := f.Payload["code"].(float64); int(code) != errs.ErrRateLimited.Code {
		t.Fatalf("code=%v", f.Payload["code"])
	}
}
