// Package config resolves the push-embedded configuration described in
// spec §6: a JSON document in an environment variable, or a file path in an
// environment variable, or built-in defaults — in that priority order.
package config

import (
	"encoding/json"
	"os"
	"time"

	"go.chromium.org/luci/common/errors"
)

const (
	// EnvJSON, when set, is parsed directly as the configuration document.
	EnvJSON = "DCMINGEST_CONFIG_JSON"
	// EnvFile, when set (and EnvJSON is not), names a file holding the
	// configuration document.
	EnvFile = "DCMINGEST_CONFIG_FILE"
)

// GCP holds the project/location the server runs against.
type GCP struct {
	ProjectID string `json:"projectId"`
	Location  string `json:"location"`
}

// BigQuery names the warehouse dataset and tables (spec §6 schema, §4.9 DLQ
// remediation).
type BigQuery struct {
	DatasetID        string `json:"datasetId"`
	InstancesTableID string `json:"instancesTableId"`
	DLQTableID       string `json:"dlqTableId"`
}

// Artifacts names the bucket rendered embedding-input artifacts are staged
// to (spec §4.4 step 5).
type Artifacts struct {
	Bucket string `json:"bucket"`
}

// SummarizeText configures the optional text-summarization pass (spec §4.4
// step 3).
type SummarizeText struct {
	Model     string `json:"model"`
	MaxLength int    `json:"maxLength"`
}

// Vector configures the multimodal embedding model (spec §4.5).
type Vector struct {
	Model string `json:"model"`
}

// EmbeddingInput configures where embedding source artifacts are staged and
// which models process them.
type EmbeddingInput struct {
	GCSBucketPath string        `json:"gcsBucketPath"`
	Vector        Vector        `json:"vector"`
	SummarizeText SummarizeText `json:"summarizeText"`
}

// Embedding is the top-level embedding configuration block.
type Embedding struct {
	Input EmbeddingInput `json:"input"`
}

// RetryTuning configures bounded exponential backoff for one upstream
// client (spec §6 retry tuning, §4.5).
type RetryTuning struct {
	MaxRetries  int `json:"maxRetries"`
	BaseDelayMs int `json:"baseDelayMs"`
}

// BaseDelay returns BaseDelayMs as a time.Duration.
func (r RetryTuning) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

// Config is the fully-resolved server configuration.
type Config struct {
	GCPConfig GCP       `json:"gcpConfig"`
	Location  string    `json:"location"`
	BigQuery  BigQuery  `json:"bigQuery"`
	Artifacts Artifacts `json:"artifacts"`
	Embedding Embedding `json:"embedding"`

	EmbeddingRetry RetryTuning `json:"embeddingRetry"`
	SummarizeRetry RetryTuning `json:"summarizeRetry"`

	// Debug holds the debug flag (spec §6). It is parsed but not read
	// anywhere; log verbosity does not depend on it.
	Debug bool `json:"debug"`

	// WSPort is the loopback HTTP port the WS layer proxies to (§4.10). Not
	// part of the original source's config shape; an addition needed to
	// wire the two layers together in a single process.
	WSPort int `json:"wsPort"`
}

// Default returns the built-in defaults named throughout spec §4–§6.
func Default() Config {
	return Config{
		EmbeddingRetry: RetryTuning{MaxRetries: 5, BaseDelayMs: 500},
		SummarizeRetry: RetryTuning{MaxRetries: 5, BaseDelayMs: 500},
		Embedding: Embedding{
			Input: EmbeddingInput{
				SummarizeText: SummarizeText{MaxLength: 1024},
			},
		},
		WSPort: 8080,
	}
}

// Load resolves configuration per the priority order documented on EnvJSON
// and EnvFile, falling back to Default. A present-but-invalid JSON value
// either way is a hard error: silently falling back would mask operator
// misconfiguration.
func Load() (Config, error) {
	cfg := Default()
	if raw := os.Getenv(EnvJSON); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return Config{}, errors.Annotate(err, "parsing %s", EnvJSON).Err()
		}
		return cfg, nil
	}
	if path := os.Getenv(EnvFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Annotate(err, "reading config file %s", path).Err()
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Annotate(err, "parsing config file %s", path).Err()
		}
		return cfg, nil
	}
	return cfg, nil
}
