package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"example.com/backstage/services/relay/config"
	"example.com/backstage/services/relay/internal/envelope"
)

// SignatureHeader carries the hex-encoded HMAC of the exact request body.
const SignatureHeader = "X-Relay-Signature"

// defaultTimeout bounds a single delivery so an unresponsive sink cannot
// stall a batch.
const defaultTimeout = 2 * time.Second

// Result is the outcome of one delivery attempt. The client never returns an
// error; every failure mode is mapped into a Result value.
type Result struct {
	OK         bool
	StatusCode int
	Err        string
}

// Client performs signed, timeout-bounded transmission of envelopes to the
// observability sink.
type Client struct {
	httpClient *http.Client
	sinkURL    string
	secret     string
}

// NewClient creates a delivery client from the relay configuration
func NewClient(cfg config.RelayConfig) *Client {
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		sinkURL:    cfg.SinkURL,
		secret:     cfg.Secret,
	}
}

// Send serializes the envelope, signs the body and posts it to the sink.
// Any non-2xx status, network error or timeout is a delivery failure.
func (c *Client) Send(ctx context.Context, env *envelope.Envelope) Result {
	body, err := json.Marshal(env)
	if err != nil {
		return Result{Err: fmt.Sprintf("failed to serialize envelope: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sinkURL, bytes.NewReader(body))
	if err != nil {
		return Result{Err: fmt.Sprintf("failed to build sink request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, "sha256="+Sign(body, c.secret))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{Err: fmt.Sprintf("sink request failed: %v", err)}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{
			StatusCode: resp.StatusCode,
			Err:        fmt.Sprintf("sink returned status %d", resp.StatusCode),
		}
	}

	return Result{OK: true, StatusCode: resp.StatusCode}
}

// Sign computes the hex-encoded HMAC-SHA256 of body under the shared secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
