package push

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"IMProject/global"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"golang.org/x/net/http2"
)

const (
	apnsHostProduction  = "https://api.push.apple.com"
	apnsHostDevelopment = "https://api.sandbox.push.apple.com"

	// Provider tokens are valid for at most an hour; rotate well before
	// the edge rejects them.
	apnsTokenLifetime = 50 * time.Minute
)

type ApnsConf struct {
	KeyID      string
	TeamID     string
	BundleID   string
	KeyPath    string // PEM-encoded ES256 signing key (.p8)
	Production bool
	Clock      func() time.Time
}

// APNs is the iOS-style provider. There is no multicast: each token is
// one HTTP/2 POST, dispatched concurrently within the batch so a slow or
// dead token never stalls the rest.
type APNs struct {
	conf   ApnsConf
	host   string
	key    *ecdsa.PrivateKey
	client *http.Client
	clock  func() time.Time

	mu       sync.Mutex
	bearer   string
	issuedAt time.Time
}

func NewAPNs(c ApnsConf) (*APNs, error) {
	pem, err := os.ReadFile(c.KeyPath)
	if err != nil {
		return nil, errors.Wrap(err, "apns key")
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, errors.Wrap(err, "apns key parse")
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	host := apnsHostDevelopment
	if c.Production {
		host = apnsHostProduction
	}
	transport := &http2.Transport{TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12}}
	return &APNs{
		conf:   c,
		host:   host,
		key:    key,
		client: &http.Client{Transport: transport, Timeout: global.ProviderTimeout},
		clock:  c.Clock,
	}, nil
}

// bearerToken returns the cached provider JWT, minting a new one once the
// cached token passes the rotation age.
func (a *APNs) bearerToken() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.clock()
	if a.bearer != "" && now.Sub(a.issuedAt) < apnsTokenLifetime {
		return a.bearer, nil
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": a.conf.TeamID,
		"iat": now.Unix(),
	})
	tok.Header["kid"] = a.conf.KeyID
	signed, err := tok.SignedString(a.key)
	if err != nil {
		return "", errors.Wrap(err, "apns jwt")
	}
	a.bearer = signed
	a.issuedAt = now
	return signed, nil
}

func (a *APNs) SendBatch(ctx context.Context, tokens []string, title, body string, data map[string]string) (BatchResult, error) {
	if len(tokens) == 0 {
		return BatchResult{}, nil
	}
	bearer, err := a.bearerToken()
	if err != nil {
		return BatchResult{}, err
	}

	voip := data["type"] == callDataType
	payload, err := apnsPayload(title, body, data, voip)
	if err != nil {
		return BatchResult{}, err
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		res BatchResult
	)
	for _, token := range tokens {
		wg.Add(1)
		go func(token string) {
			defer wg.Done()
			ok, dead := a.sendOne(ctx, bearer, token, payload, voip)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				res.Success++
				return
			}
			res.Failure++
			if dead {
				res.InvalidTokens = append(res.InvalidTokens, token)
			}
		}(token)
	}
	wg.Wait()
	return res, nil
}

func apnsPayload(title, body string, data map[string]string, voip bool) ([]byte, error) {
	msg := map[string]interface{}{}
	if voip {
		// VoIP pushes carry no alert; the app wakes and rings on data.
		for k, v := range data {
			msg[k] = v
		}
	} else {
		msg["aps"] = map[string]interface{}{
			"alert": map[string]string{"title": title, "body": body},
			"sound": "default",
			"badge": 1,
		}
		for k, v := range data {
			msg[k] = v
		}
	}
	out, err := json.Marshal(msg)
	return out, errors.Wrap(err, "apns encode")
}

// sendOne posts to one device. Returns delivered and whether the token
// is dead (410 or Unregistered/BadDeviceToken reason).
func (a *APNs) sendOne(ctx context.Context, bearer, token string, payload []byte, voip bool) (ok, dead bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.host+"/3/device/"+token, bytes.NewReader(payload))
	if err != nil {
		return false, false
	}
	req.Header.Set("authorization", "bearer "+bearer)
	req.Header.Set("apns-priority", "10")
	if voip {
		req.Header.Set("apns-push-type", "voip")
		req.Header.Set("apns-topic", a.conf.BundleID+".voip")
		req.Header.Set("apns-expiration", strconv.FormatInt(a.clock().Unix()+callTTLSeconds, 10))
	} else {
		req.Header.Set("apns-push-type", "alert")
		req.Header.Set("apns-topic", a.conf.BundleID)
		req.Header.Set("apns-expiration", "0")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return false, false
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return true, false
	}
	if resp.StatusCode == http.StatusGone {
		return false, true
	}
	var reason struct {
		Reason string `json:"reason"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &reason)
	return false, reason.Reason == "Unregistered" || reason.Reason == "BadDeviceToken"
}
