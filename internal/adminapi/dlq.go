package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"

	"infra/dcmingest/internal/classify"
	"infra/dcmingest/internal/gcsstore"
	"infra/dcmingest/internal/warehouse"
)

// RequeueResult is the response shape of `dlq.requeue` (spec §8 scenario 6).
type RequeueResult struct {
	RequeuedCount       int              `json:"requeuedCount"`
	DeletedMessageCount int              `json:"deletedMessageCount"`
	Failures            []RequeueFailure `json:"failures"`
}

// RequeueFailure records one file's remediation failure; partial success is
// normal (spec §4.9).
type RequeueFailure struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// SummaryEntry groups dead-letter rows by a best-effort failure reason
// (spec "Supplemented features": restores the original's "why did this die"
// operator view, absent from the distilled spec).
type SummaryEntry struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// ObjectStore is the narrow gcsstore.Store surface Requeue needs; satisfied
// by *gcsstore.Store and fakeable in tests.
type ObjectStore interface {
	Exists(ctx context.Context, bucket, name string) (bool, error)
	Touch(ctx context.Context, bucket, name string) error
}

// RowDeleter is the narrow warehouse.Client surface Requeue/DeleteAll need;
// satisfied by *warehouse.Client and fakeable in tests.
type RowDeleter interface {
	Exec(ctx context.Context, sql string, params []bigquery.QueryParameter) error
}

// Remediator is the DLQ Remediation component (spec §4.9).
type Remediator struct {
	Store   ObjectStore
	Deleter RowDeleter

	// Warehouse backs Items/Count/Summary, which call the generic
	// warehouse.Query helper and so need the concrete client rather than an
	// interface (Go generics can't be expressed as a method on RowDeleter).
	Warehouse *warehouse.Client

	// DLQTableID is the fully-qualified dead-letter table, operator
	// configured — not user input, so it is interpolated directly rather
	// than bound as a parameter (BigQuery doesn't parameterize table names).
	DLQTableID string
}

// NewRemediator wires a Remediator against real GCS/BigQuery clients.
func NewRemediator(store *gcsstore.Store, wh *warehouse.Client, dlqTableID string) *Remediator {
	return &Remediator{Store: store, Deleter: wh, Warehouse: wh, DLQTableID: dlqTableID}
}

// Requeue implements `dlq.requeue` (spec §4.9): derives (bucket, name) per
// row, deduplicates by file, touches each unique file's metadata to
// re-trigger ingestion, then deletes the dead-letter rows that resolved to
// it.
func (r *Remediator) Requeue(ctx context.Context, rows []warehouse.DeadLetterRow) (RequeueResult, error) {
	type fileKey struct{ bucket, name string }
	messageIDsByFile := map[fileKey][]string{}
	var order []fileKey

	for _, row := range rows {
		bucket, name, err := decodeDeadLetterTarget(row)
		if err != nil {
			continue // row carries no recoverable target; nothing to requeue
		}
		key := fileKey{bucket, name}
		if _, seen := messageIDsByFile[key]; !seen {
			order = append(order, key)
		}
		messageIDsByFile[key] = append(messageIDsByFile[key], row.MessageID)
	}

	var result RequeueResult
	for _, key := range order {
		messageIDs := messageIDsByFile[key]

		exists, err := r.Store.Exists(ctx, key.bucket, key.name)
		if err != nil {
			result.Failures = append(result.Failures, RequeueFailure{Bucket: key.bucket, Name: key.name, Reason: err.Error()})
			continue
		}
		if !exists {
			result.Failures = append(result.Failures, RequeueFailure{Bucket: key.bucket, Name: key.name, Reason: "object not found"})
			continue
		}
		if err := r.Store.Touch(ctx, key.bucket, key.name); err != nil {
			result.Failures = append(result.Failures, RequeueFailure{Bucket: key.bucket, Name: key.name, Reason: err.Error()})
			continue
		}
		result.RequeuedCount++

		if err := r.deleteByMessageIDs(ctx, messageIDs); err != nil {
			result.Failures = append(result.Failures, RequeueFailure{
				Bucket: key.bucket, Name: key.name,
				Reason: fmt.Sprintf("touched object but failed to delete dead-letter rows: %v", err),
			})
			continue
		}
		result.DeletedMessageCount += len(messageIDs)
	}
	return result, nil
}

// DeleteAll implements `DELETE /api/dlq`: clears the dead-letter table.
func (r *Remediator) DeleteAll(ctx context.Context) error {
	return r.Deleter.Exec(ctx, fmt.Sprintf("DELETE FROM `%s` WHERE TRUE", r.DLQTableID), nil)
}

// Items implements `dlq.items`.
func (r *Remediator) Items(ctx context.Context, page Page) ([]warehouse.DeadLetterRow, error) {
	limit, offset := page.resolved()
	sql := fmt.Sprintf("SELECT data, attributes, message_id, subscription_name, publish_time FROM `%s` ORDER BY publish_time DESC LIMIT @limit OFFSET @offset", r.DLQTableID)
	return warehouse.Query[warehouse.DeadLetterRow](ctx, r.Warehouse, sql, []bigquery.QueryParameter{
		{Name: "limit", Value: limit}, {Name: "offset", Value: offset},
	})
}

// Count implements `dlq.count`.
func (r *Remediator) Count(ctx context.Context) (int64, error) {
	type countRow struct {
		Count int64 `bigquery:"count"`
	}
	rows, err := warehouse.Query[countRow](ctx, r.Warehouse, fmt.Sprintf("SELECT COUNT(*) AS count FROM `%s`", r.DLQTableID), nil)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].Count, nil
}

// summarySampleSize bounds how many dead-letter rows Summary inspects to
// derive its reason grouping: grouping by reason has no native column, so
// this reads actual rows rather than running an aggregate query.
const summarySampleSize = 1000

// Summary implements `dlq.summary` by sampling up to summarySampleSize rows
// and grouping by a best-effort reason (attributes["reason"], first line
// only). A table with more than summarySampleSize dead-letter rows is
// summarized over the most recent sample, not the full table.
func (r *Remediator) Summary(ctx context.Context) ([]SummaryEntry, error) {
	// Items clamps an oversized page back to its default size, so the sample
	// is queried directly rather than through it.
	sql := fmt.Sprintf("SELECT data, attributes, message_id, subscription_name, publish_time FROM `%s` ORDER BY publish_time DESC LIMIT @limit", r.DLQTableID)
	items, err := warehouse.Query[warehouse.DeadLetterRow](ctx, r.Warehouse, sql, []bigquery.QueryParameter{
		{Name: "limit", Value: summarySampleSize},
	})
	if err != nil {
		return nil, err
	}
	grouped := map[string]int{}
	var reasonOrder []string
	for _, item := range items {
		reason := reasonFor(item)
		if _, seen := grouped[reason]; !seen {
			reasonOrder = append(reasonOrder, reason)
		}
		grouped[reason]++
	}
	out := make([]SummaryEntry, 0, len(reasonOrder))
	for _, reason := range reasonOrder {
		out = append(out, SummaryEntry{Reason: reason, Count: grouped[reason]})
	}
	return out, nil
}

func reasonFor(row warehouse.DeadLetterRow) string {
	var attrs map[string]string
	if err := json.Unmarshal([]byte(row.Attributes), &attrs); err == nil {
		if reason, ok := attrs["reason"]; ok && reason != "" {
			return firstLine(reason)
		}
	}
	return "unknown"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func decodeDeadLetterTarget(row warehouse.DeadLetterRow) (bucket, name string, err error) {
	var data struct {
		Bucket string `json:"bucket"`
		Name   string `json:"name"`
	}
	if len(row.Data) > 0 {
		if err := json.Unmarshal(row.Data, &data); err == nil && data.Bucket != "" && data.Name != "" {
			return data.Bucket, data.Name, nil
		}
	}
	var attrs struct {
		BucketID string `json:"bucketId"`
		ObjectID string `json:"objectId"`
	}
	if err := json.Unmarshal([]byte(row.Attributes), &attrs); err == nil && attrs.BucketID != "" && attrs.ObjectID != "" {
		return attrs.BucketID, attrs.ObjectID, nil
	}
	return "", "", classify.InvalidInputf("dead-letter row %s: cannot derive bucket/name", row.MessageID)
}

func (r *Remediator) deleteByMessageIDs(ctx context.Context, messageIDs []string) error {
	params := make([]bigquery.QueryParameter, len(messageIDs))
	placeholders := make([]string, len(messageIDs))
	for i, id := range messageIDs {
		name := fmt.Sprintf("msg%d", i)
		placeholders[i] = "@" + name
		params[i] = bigquery.QueryParameter{Name: name, Value: id}
	}
	sql := fmt.Sprintf("DELETE FROM `%s` WHERE message_id IN (%s)", r.DLQTableID, strings.Join(placeholders, ", "))
	return r.Deleter.Exec(ctx, sql, params)
}
