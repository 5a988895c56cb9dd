// Package embedding implements the multimodal embedding endpoint client
// (spec §4.5): a single Predict operation with bounded exponential backoff
// plus jitter, grounded on the teacher's retry idiom in
// appengine/cr-rev/backend/gitiles/retriable_client.go and the pack's
// steveyegge-beads cenkalti/backoff usage.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"infra/dcmingest/internal/classify"
)

// Instance is the model input payload (spec §4.4 step 5: "model instance
// payload").
type Instance struct {
	Content     string `json:"content"` // base64 or text, track-dependent
	MimeType    string `json:"mimeType"`
	ModelSource string `json:"modelSource"` // "image" or "text"
}

// predictionResponse mirrors the endpoint's response shape: exactly one of
// ImageEmbedding/TextEmbedding is present (spec §4.5).
type predictionResponse struct {
	Predictions []struct {
		ImageEmbedding []float64 `json:"imageEmbedding"`
		TextEmbedding  []float64 `json:"textEmbedding"`
	} `json:"predictions"`
}

// Config tunes retry behavior (spec §6 retry tuning).
type Config struct {
	Endpoint    string
	Model       string
	MaxAttempts int
	BaseDelay   time.Duration
	Timeout     time.Duration // per-attempt timeout, default 30s (spec §4.5)
}

// Client calls the embedding endpoint.
type Client struct {
	cfg  Config
	http *http.Client
}

// New constructs a Client, filling in spec defaults for any zero fields.
func New(cfg Config, httpClient *http.Client) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{cfg: cfg, http: httpClient}
}

// Model returns the configured model name, for callers assembling warehouse
// row metadata (spec §4.6 Info.embedding.model).
func (c *Client) Model() string { return c.cfg.Model }

// Predict calls the embedding endpoint and returns the first prediction's
// vector, retrying on 429/"resource exhausted" up to cfg.MaxAttempts times
// with the jitterBackoff delay sequence. Any other failure propagates
// immediately (spec §4.5).
func (c *Client) Predict(ctx context.Context, instance Instance) ([]float64, error) {
	var result []float64
	bo := backoff.WithMaxRetries(newJitterBackoff(c.cfg.BaseDelay), uint64(c.cfg.MaxAttempts-1))

	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		vec, err := c.predictOnce(attemptCtx, instance)
		if err != nil {
			if shouldRetry(err) {
				return err // backoff.Retry treats a non-PermanentError as retryable
			}
			return backoff.Permanent(err)
		}
		result = vec
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		var perm *backoff.PermanentError
		if ok := asPermanent(err, &perm); ok {
			return nil, perm.Err
		}
		return nil, classify.Transientf("embedding predict exhausted retries: %v", err)
	}
	return result, nil
}

func (c *Client) predictOnce(ctx context.Context, instance Instance) ([]float64, error) {
	body, err := json.Marshal(map[string]interface{}{
		"instances": []Instance{instance},
	})
	if err != nil {
		return nil, classify.InvalidInputf("marshalling predict instance: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, classify.InvalidInputf("building predict request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify.Transientf("calling embedding endpoint: %v", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return nil, classify.Unauthorizedf("embedding endpoint returned 401: %s", respBody)
	case http.StatusForbidden:
		if isAPINotEnabled(respBody) {
			return nil, classify.ApiNotEnabledf("https://console.cloud.google.com/apis/library", "embedding API not enabled")
		}
		return nil, classify.Forbiddenf("embedding endpoint returned 403: %s", respBody)
	case http.StatusTooManyRequests:
		return nil, classify.Transientf("embedding endpoint rate limited (429): %s", respBody)
	}
	if resp.StatusCode >= 500 {
		return nil, classify.Transientf("embedding endpoint returned %d: %s", resp.StatusCode, respBody)
	}
	if resp.StatusCode >= 400 {
		if isResourceExhausted(respBody) {
			return nil, classify.Transientf("embedding endpoint resource exhausted: %s", respBody)
		}
		return nil, classify.InvalidInputf("embedding endpoint returned %d: %s", resp.StatusCode, respBody)
	}

	var parsed predictionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, classify.Transientf("decoding predict response: %v", err)
	}
	if len(parsed.Predictions) == 0 {
		return nil, classify.Transientf("predict response had no predictions")
	}
	p := parsed.Predictions[0]
	if len(p.ImageEmbedding) > 0 {
		return p.ImageEmbedding, nil
	}
	if len(p.TextEmbedding) > 0 {
		return p.TextEmbedding, nil
	}
	return nil, classify.Transientf("predict response had neither imageEmbedding nor textEmbedding")
}

// shouldRetry reports whether Predict makes another attempt after err: only
// a Transient 429 or "resource exhausted" response qualifies (their messages
// are built in predictOnce).
func shouldRetry(err error) bool {
	if classify.Classify(err) != classify.Transient {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "(429)") || strings.Contains(msg, "resource exhausted")
}

func isResourceExhausted(body []byte) bool {
	return strings.Contains(strings.ToLower(string(body)), "resource exhausted")
}

func isAPINotEnabled(body []byte) bool {
	return strings.Contains(strings.ToLower(string(body)), "api not enabled") ||
		strings.Contains(strings.ToLower(string(body)), "has not been used")
}

func asPermanent(err error, out **backoff.PermanentError) bool {
	pe, ok := err.(*backoff.PermanentError)
	if ok {
		*out = pe
	}
	return ok
}
