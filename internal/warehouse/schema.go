// Package warehouse is the only component that talks to the columnar
// warehouse write path (spec §4.6): row schema, deterministic id
// derivation, and the batched inserter, grounded on the teacher's
// appengine/weetbix/internal/bqutil.Inserter.
package warehouse

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Row is one ingestion record (spec §3). Nested fields are always present
// (never absent) because the warehouse rejects null RECORDs; leaves inside
// them may be the zero value instead.
type Row struct {
	ID              string    `bigquery:"id"`
	Timestamp       string    `bigquery:"timestamp"`
	Path            string    `bigquery:"path"`
	Version         string    `bigquery:"version"`
	Info            Info      `bigquery:"info"`
	Metadata        *string   `bigquery:"metadata"`
	EmbeddingVector []float64 `bigquery:"embeddingVector"`
}

// Info is the structured, always-present info record (spec §3).
type Info struct {
	Event     string        `bigquery:"event"`
	Input     InputInfo     `bigquery:"input"`
	Embedding EmbeddingInfo `bigquery:"embedding"`
}

// InputInfo describes the source object/blob ingested.
type InputInfo struct {
	Size int64  `bigquery:"size"`
	Type string `bigquery:"type"`
}

// EmbeddingInfo describes the embedding model invocation, when one happened.
type EmbeddingInfo struct {
	Model string             `bigquery:"model"`
	Input EmbeddingInputInfo `bigquery:"input"`
}

// EmbeddingInputInfo describes the artifact fed to the embedding model.
type EmbeddingInputInfo struct {
	Path     string `bigquery:"path"`
	Size     int64  `bigquery:"size"`
	MimeType string `bigquery:"mimeType"`
}

// DeriveID computes the deterministic row id (spec §3 invariant (a)):
// 64-hex SHA-256 of "{path}|{version}".
func DeriveID(path, version string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s", path, version)))
	return hex.EncodeToString(sum[:])
}

// DeadLetterRow is the read-only dead-letter record written by the pub/sub
// → warehouse sink (spec §3).
type DeadLetterRow struct {
	Data             []byte `bigquery:"data"`
	Attributes       string `bigquery:"attributes"`
	MessageID        string `bigquery:"message_id"`
	SubscriptionName string `bigquery:"subscription_name"`
	PublishTime      string `bigquery:"publish_time"`
}
