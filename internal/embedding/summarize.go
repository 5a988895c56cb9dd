package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"infra/dcmingest/internal/classify"
)

// SummarizeConfig tunes the summarization model call (spec §4.4 step 3, §6
// "summarize max-retries/base").
type SummarizeConfig struct {
	Endpoint    string
	Model       string
	MaxLength   int // spec default 1024
	MaxAttempts int
	BaseDelay   time.Duration
	Timeout     time.Duration
}

// Summarizer calls the text-summarization model, when configured.
type Summarizer struct {
	cfg  SummarizeConfig
	http *http.Client
}

// NewSummarizer constructs a Summarizer. A Summarizer with an empty Model
// is "not configured" (spec §4.4 step 3): callers should skip summarization
// rather than call Summarize.
func NewSummarizer(cfg SummarizeConfig, httpClient *http.Client) *Summarizer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 1024
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Summarizer{cfg: cfg, http: httpClient}
}

// Configured reports whether a summarization model was configured (spec
// §4.4 step 3: "if model is not configured, the embedding is skipped for
// this item, not the whole record").
func (s *Summarizer) Configured() bool {
	return s != nil && s.cfg.Model != ""
}

// NeedsSummarization reports whether text exceeds MaxLength and so must be
// summarized before being used as embedding input (spec §4.4 step 3).
func (s *Summarizer) NeedsSummarization(text string) bool {
	return len(text) > s.cfg.MaxLength
}

// Summarize calls the summarization model with the same bounded
// exponential-backoff-plus-jitter retry policy as the embedding client.
func (s *Summarizer) Summarize(ctx context.Context, text string) (string, error) {
	var result string
	bo := backoff.WithMaxRetries(newJitterBackoff(s.cfg.BaseDelay), uint64(s.cfg.MaxAttempts-1))

	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
		out, err := s.summarizeOnce(attemptCtx, text)
		if err != nil {
			if classify.Classify(err).Retryable() {
				return err
			}
			return backoff.Permanent(err)
		}
		result = out
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		var perm *backoff.PermanentError
		if asPermanent(err, &perm) {
			return "", perm.Err
		}
		return "", classify.Transientf("summarize exhausted retries: %v", err)
	}
	return result, nil
}

func (s *Summarizer) summarizeOnce(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(map[string]string{"model": s.cfg.Model, "text": text})
	if err != nil {
		return "", classify.InvalidInputf("marshalling summarize request: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", classify.InvalidInputf("building summarize request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", classify.Transientf("calling summarize endpoint: %v", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", classify.Transientf("summarize endpoint returned %d: %s", resp.StatusCode, respBody)
	case resp.StatusCode == http.StatusUnauthorized:
		return "", classify.Unauthorizedf("summarize endpoint returned 401: %s", respBody)
	case resp.StatusCode == http.StatusForbidden:
		return "", classify.Forbiddenf("summarize endpoint returned 403: %s", respBody)
	case resp.StatusCode >= 400:
		return "", classify.InvalidInputf("summarize endpoint returned %d: %s", resp.StatusCode, respBody)
	}

	var parsed struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", classify.Transientf("decoding summarize response: %v", err)
	}
	return parsed.Summary, nil
}
