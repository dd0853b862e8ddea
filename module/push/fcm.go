package push

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"IMProject/global"

	"github.com/pkg/errors"
)

// invalid-token error codes from the multicast response.
var fcmDeadTokenCodes = map[string]bool{
	"NotRegistered":       true,
	"InvalidRegistration": true,
	"MismatchSenderId":    true,
}

// FCM is the Android-style provider: one multicast HTTP call per batch,
// per-token results inspected for dead tokens.
type FCM struct {
	endpoint  string
	serverKey string
	client    *http.Client
}

func NewFCM(endpoint, serverKey string) *FCM {
	return &FCM{
		endpoint:  endpoint,
		serverKey: serverKey,
		client:    &http.Client{Timeout: global.ProviderTimeout},
	}
}

type fcmRequest struct {
	RegistrationIDs []string          `json:"registration_ids"`
	Notification    *fcmNotification  `json:"notification,omitempty"`
	Data            map[string]string `json:"data,omitempty"`
	Priority        string            `json:"priority"`
	TimeToLive      *int              `json:"time_to_live,omitempty"`
	ContentAvail    bool              `json:"content_available,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Sound string `json:"sound,omitempty"`
}

type fcmResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	} `json:"results"`
}

func (f *FCM) SendBatch(ctx context.Context, tokens []string, title, body string, data map[string]string) (BatchResult, error) {
	if len(tokens) == 0 {
		return BatchResult{}, nil
	}
	req := fcmRequest{
		RegistrationIDs: tokens,
		Data:            data,
		Priority:        "high",
	}
	if data["type"] == callDataType {
		// Data-only delivery: the app surfaces the call UI itself, and a
		// stale invitation must not be shown at all.
		ttl := callTTLSeconds
		req.TimeToLive = &ttl
		req.ContentAvail = true
	} else {
		req.Notification = &fcmNotification{Title: title, Body: body, Sound: "default"}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return BatchResult{}, errors.Wrap(err, "fcm encode")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(payload))
	if err != nil {
		return BatchResult{}, errors.Wrap(err, "fcm request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "key="+f.serverKey)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return BatchResult{}, errors.Wrap(err, "fcm send")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return BatchResult{}, errors.Errorf("fcm status %d", resp.StatusCode)
	}

	var fr fcmResponse
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		return BatchResult{}, errors.Wrap(err, "fcm decode")
	}
	res := BatchResult{Success: fr.Success, Failure: fr.Failure}
	for i, r := range fr.Results {
		if i < len(tokens) && fcmDeadTokenCodes[r.Error] {
			res.InvalidTokens = append(res.InvalidTokens, tokens[i])
		}
	}
	return res, nil
}
