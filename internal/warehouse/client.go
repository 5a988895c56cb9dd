package warehouse

import (
	"context"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"go.chromium.org/luci/common/errors"

	"infra/dcmingest/internal/classify"
)

// Client is the dependency-injected handle to the warehouse (spec §9:
// explicit construction at server start, not a module-level singleton).
type Client struct {
	bq        *bigquery.Client
	datasetID string
	tableID   string
}

// New constructs a Client bound to the given dataset/table.
func New(ctx context.Context, projectID, datasetID, tableID string) (*Client, error) {
	bq, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, errors.Annotate(err, "creating bigquery client").Err()
	}
	return &Client{bq: bq, datasetID: datasetID, tableID: tableID}, nil
}

// Close releases the underlying client.
func (c *Client) Close() error {
	return c.bq.Close()
}

// Table returns the ingestion table handle.
func (c *Client) Table() *bigquery.Table {
	return c.bq.Dataset(c.datasetID).Table(c.tableID)
}

// Inserter batches rows into the ingestion table, grounded on
// appengine/weetbix/internal/bqutil.Inserter, generalized to arbitrary
// ValueSaver-less structs. The ingestion row is inserted one at a time per
// spec §4.6; no current caller passes more than one row, so batching only
// matters for a multi-row caller.
type Inserter struct {
	table     *bigquery.Table
	batchSize int
}

// NewInserter constructs an Inserter over table, with rows grouped into
// batches of at most batchSize per Put call.
func NewInserter(table *bigquery.Table, batchSize int) *Inserter {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &Inserter{table: table, batchSize: batchSize}
}

// Put inserts rows, batching as configured. An insert failure is annotated
// with the batch index and row count; for per-row failures the message
// carries BigQuery's insert index of each failing row, not its contents.
func (ins *Inserter) Put(ctx context.Context, rows []*Row) error {
	inserter := ins.table.Inserter()
	for i, batch := range ins.batch(rows) {
		if err := inserter.Put(ctx, batch); err != nil {
			return classify.Wrap(classifyInsertErr(err), "inserting batch %d (%d rows)", i, len(batch))
		}
	}
	return nil
}

func (ins *Inserter) batch(rows []*Row) [][]*Row {
	var out [][]*Row
	for start := 0; start < len(rows); start += ins.batchSize {
		end := start + ins.batchSize
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}

func classifyInsertErr(err error) error {
	if pme, ok := err.(bigquery.PutMultiError); ok && len(pme) > 0 {
		return classify.InvalidInputf("%v", pme)
	}
	return classify.Transientf("%v", err)
}

// Query runs a parameterized SQL query and decodes each result row into a
// fresh T via dst, matching the safe-composition contract of spec §4.8:
// callers must have already validated identifiers and bound values as
// QueryParameters before calling this.
func Query[T any](ctx context.Context, c *Client, sql string, params []bigquery.QueryParameter) ([]T, error) {
	q := c.bq.Query(sql)
	q.Parameters = params
	it, err := q.Read(ctx)
	if err != nil {
		return nil, classify.Transientf("running query: %v", err)
	}
	var out []T
	for {
		var row T
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, classify.Transientf("reading query results: %v", err)
		}
		out = append(out, row)
	}
	return out, nil
}

// Exec runs a DML statement (used by DLQ row deletion, spec §4.9) and
// waits for it to complete.
func (c *Client) Exec(ctx context.Context, sql string, params []bigquery.QueryParameter) error {
	q := c.bq.Query(sql)
	q.Parameters = params
	job, err := q.Run(ctx)
	if err != nil {
		return classify.Transientf("running statement: %v", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return classify.Transientf("waiting for statement: %v", err)
	}
	if err := status.Err(); err != nil {
		return classify.Transientf("statement failed: %v", err)
	}
	return nil
}
