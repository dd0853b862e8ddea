package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestFCMSendBatchClassifiesDeadTokens(t *testing.T) {
	var got fcmRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "key=srvkey" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success": 1,
			"failure": 2,
			"results": []map[string]string{
				{"message_id": "1"},
				{"error": "NotRegistered"},
				{"error": "Unavailable"},
			},
		})
	}))
	defer srv.Close()

	f := NewFCM(srv.URL, "srvkey")
	res, err := f.SendBatch(context.Background(), []string{"t1", "t2", "t3"}, "Hi", "Body", map[string]string{"type": "message"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Success != 1 || res.Failure != 2 {
		t.Fatalf("counts = %+v", res)
	}
	if len(res.InvalidTokens) != 1 || res.InvalidTokens[0] != "t2" {
		t.Fatalf("invalid = %v", res.InvalidTokens)
	}
	if got.Notification == nil || got.Notification.Title != "Hi" {
		t.Fatalf("notification block = %+v", got.Notification)
	}
	if got.Priority != "high" || got.TimeToLive != nil {
		t.Fatalf("unexpected delivery options: %+v", got)
	}
}

func TestFCMCallModeIsDataOnlyShortTTL(t *testing.T) {
	var got fcmRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": 1, "failure": 0})
	}))
	defer srv.Close()

	f := NewFCM(srv.URL, "k")
	_, err := f.SendBatch(context.Background(), []string{"t1"}, "Incoming call", "Alice", map[string]string{"type": "call", "callerId": "alice"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.Notification != nil {
		t.Fatalf("call push must not carry a notification block: %+v", got.Notification)
	}
	if got.TimeToLive == nil || *got.TimeToLive != callTTLSeconds {
		t.Fatalf("ttl = %v", got.TimeToLive)
	}
	if !got.ContentAvail {
		t.Fatal("call push must be content-available")
	}
	if got.Data["callerId"] != "alice" {
		t.Fatalf("data = %v", got.Data)
	}
}

func TestFCMEmptyBatch(t *testing.T) {
	f := NewFCM("http://unused.invalid", "k")
	res, err := f.SendBatch(context.Background(), nil, "t", "b", nil)
	if err != nil || res.Success != 0 || res.Failure != 0 {
		t.Fatalf("empty batch: %+v, %v", res, err)
	}
}

type fakeProvider struct {
	mu      sync.Mutex
	batches [][]string
	result  BatchResult
}

func (f *fakeProvider) SendBatch(_ context.Context, tokens []string, _, _ string, _ map[string]string) (BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]string(nil), tokens...)
	f.batches = append(f.batches, cp)
	return f.result, nil
}
