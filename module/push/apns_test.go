package push

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func testAPNs(t *testing.T, handler http.Handler, clock func() time.Time) (*APNs, *httptest.Server) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	srv := httptest.NewUnstartedServer(handler)
	srv.EnableHTTP2 = true
	srv.StartTLS()
	if clock == nil {
		clock = time.Now
	}
	a := &APNs{
		conf:   ApnsConf{KeyID: "KEY1", TeamID: "TEAM1", BundleID: "com.example.chat"},
		host:   srv.URL,
		key:    key,
		client: srv.Client(),
		clock:  clock,
	}
	return a, srv
}

func TestAPNsBearerTokenCachedAndRotated(t *testing.T) {
	now := time.Unix(1700000000, 0)
	a, srv := testAPNs(t, http.NotFoundHandler(), func() time.Time { return now })
	defer srv.Close()

	first, err := a.bearerToken()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	now = now.Add(40 * time.Minute)
	again, err := a.bearerToken()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if first != again {
		t.Fatal("token rotated before its lifetime")
	}
	now = now.Add(11 * time.Minute)
	rotated, err := a.bearerToken()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if rotated == first {
		t.Fatal("token not rotated after 50 minutes")
	}
}

func TestAPNsSendBatchPerTokenOutcomes(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.URL.Path, "/3/device/")
		mu.Lock()
		seen[token] = true
		mu.Unlock()
		if r.Header.Get("apns-push-type") != "alert" || r.Header.Get("apns-topic") != "com.example.chat" {
			t.Errorf("headers: type=%q topic=%q", r.Header.Get("apns-push-type"), r.Header.Get("apns-topic"))
		}
		switch token {
		case "gone":
			w.WriteHeader(http.StatusGone)
		case "unreg":
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"reason": "Unregistered"})
		case "flaky":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusOK)
		}
	})
	a, srv := testAPNs(t, handler, nil)
	defer srv.Close()

	res, err := a.SendBatch(context.Background(), []string{"ok1", "gone", "unreg", "flaky", "ok2"}, "Hi", "Body", map[string]string{"type": "message"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(seen) != 5 {
		t.Fatalf("contacted %d tokens, want 5", len(seen))
	}
	if res.Success != 2 || res.Failure != 3 {
		t.Fatalf("counts = %+v", res)
	}
	invalid := map[string]bool{}
	for _, tok := range res.InvalidTokens {
		invalid[tok] = true
	}
	if !invalid["gone"] || !invalid["unreg"] || len(invalid) != 2 {
		t.Fatalf("invalid = %v", res.InvalidTokens)
	}
}

func TestAPNsVoipMode(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apns-push-type") != "voip" {
			t.Errorf("push type = %q", r.Header.Get("apns-push-type"))
		}
		if r.Header.Get("apns-topic") != "com.example.chat.voip" {
			t.Errorf("topic = %q", r.Header.Get("apns-topic"))
		}
		if r.Header.Get("apns-expiration") == "0" || r.Header.Get("apns-expiration") == "" {
			t.Errorf("voip push must carry a short expiration, got %q", r.Header.Get("apns-expiration"))
		}
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, hasAps := body["aps"]; hasAps {
			t.Errorf("voip payload must not carry an alert: %v", body)
		}
		w.WriteHeader(http.StatusOK)
	})
	a, srv := testAPNs(t, handler, nil)
	defer srv.Close()

	res, err := a.SendBatch(context.Background(), []string{"voiptok"}, "Incoming call", "Alice", map[string]string{"type": "call", "callerId": "alice"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Success != 1 {
		t.Fatalf("counts = %+v", res)
	}
}
