package push

import "context"

// BatchResult is the per-batch outcome a provider reports back.
// InvalidTokens are tokens the provider declared dead; callers clear
// them from the device records.
type BatchResult struct {
	Success       int
	Failure       int
	InvalidTokens []string
}

// Provider sends one notification to a batch of device tokens. A batch
// never exceeds the provider's multicast cap; the data map rides along
// unmodified. data["type"] == "call" selects the provider's high-priority
// short-TTL call delivery mode.
type Provider interface {
	SendBatch(ctx context.Context, tokens []string, title, body string, data map[string]string) (BatchResult, error)
}

const callDataType = "call"

// Call invitations go stale fast; never deliver one later than this.
const callTTLSeconds = 30
