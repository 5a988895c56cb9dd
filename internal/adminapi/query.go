package adminapi

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"

	"infra/dcmingest/internal/classify"
	"infra/dcmingest/internal/warehouse"
)

// topLevelSearchColumns is the small set of top-level ingestion-row columns
// a search key may reference directly, instead of through a metadata JSON
// path (spec §4.8: "a small set of top-level columns").
var topLevelSearchColumns = map[string]string{
	"path":      "path",
	"version":   "version",
	"timestamp": "timestamp",
}

// SearchFilter is one `key`/`value` search term (spec §8 scenario 5:
// `{key:"PatientID", value:"P1"}`).
type SearchFilter struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Page bounds a search's result window.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func (p Page) resolved() (int, int) {
	limit := p.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := p.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// conditionFor composes a single safe WHERE fragment plus its bound
// parameter for filter.Key, per the allow-list described in spec §4.8:
// keys outside the top-level columns or the metadata-path grammar fail
// with BadSchema (400).
func conditionFor(filter SearchFilter, paramName string) (string, bigquery.QueryParameter, error) {
	if col, ok := topLevelSearchColumns[filter.Key]; ok {
		return fmt.Sprintf("%s = @%s", col, paramName), bigquery.QueryParameter{Name: paramName, Value: filter.Value}, nil
	}
	if err := ValidateMetadataPath(filter.Key); err != nil {
		return "", bigquery.QueryParameter{}, err
	}
	clause := fmt.Sprintf("JSON_VALUE(metadata, '$.%s') = @%s", filter.Key, paramName)
	return clause, bigquery.QueryParameter{Name: paramName, Value: filter.Value}, nil
}

// QueryLayer is the Admin Query Layer (spec §4.8): every method composes
// parameterized SQL over table, never string-concatenating a caller-supplied
// value into the query text.
type QueryLayer struct {
	Warehouse *warehouse.Client
	TableID   string // fully-qualified `project.dataset.table`, operator-configured, not user input
}

func (q *QueryLayer) whereFromFilter(filter *SearchFilter) (string, []bigquery.QueryParameter, error) {
	if filter == nil || filter.Key == "" {
		return "", nil, nil
	}
	clause, param, err := conditionFor(*filter, "filterValue")
	if err != nil {
		return "", nil, err
	}
	return " AND " + clause, []bigquery.QueryParameter{param}, nil
}

// dedupedRowsSQL wraps the table, filtered by extraWhere, in the
// latest-timestamp-wins projection (spec
// §3: "deduplicated by a window function over (path, version) keeping the
// most recent timestamp with non-null metadata").
func (q *QueryLayer) dedupedRowsSQL(extraWhere string) string {
	return fmt.Sprintf(`
SELECT * FROM (
  SELECT *, ROW_NUMBER() OVER (PARTITION BY path, version ORDER BY timestamp DESC) AS rn
  FROM `+"`%s`"+`
  WHERE metadata IS NOT NULL%s
)
WHERE rn = 1`, q.TableID, extraWhere)
}

// InstancesSearch implements `instances.search` (spec §4.8).
func (q *QueryLayer) InstancesSearch(ctx context.Context, filter *SearchFilter, page Page) ([]warehouse.Row, error) {
	extraWhere, params, err := q.whereFromFilter(filter)
	if err != nil {
		return nil, err
	}
	limit, offset := page.resolved()
	sql := fmt.Sprintf("SELECT * EXCEPT(rn) FROM (%s) ORDER BY timestamp DESC LIMIT @limit OFFSET @offset", q.dedupedRowsSQL(extraWhere))
	params = append(params, bigquery.QueryParameter{Name: "limit", Value: limit}, bigquery.QueryParameter{Name: "offset", Value: offset})
	return warehouse.Query[warehouse.Row](ctx, q.Warehouse, sql, params)
}

// InstancesSearchCount implements `instances.search/counts`.
func (q *QueryLayer) InstancesSearchCount(ctx context.Context, filter *SearchFilter) (int64, error) {
	extraWhere, params, err := q.whereFromFilter(filter)
	if err != nil {
		return 0, err
	}
	sql := fmt.Sprintf("SELECT COUNT(*) AS count FROM (%s)", q.dedupedRowsSQL(extraWhere))
	return q.scalarCount(ctx, sql, params)
}

// StudiesSearch implements `studies.search`: distinct StudyInstanceUID
// values over the deduplicated projection.
func (q *QueryLayer) StudiesSearch(ctx context.Context, filter *SearchFilter, page Page) ([]string, error) {
	extraWhere, params, err := q.whereFromFilter(filter)
	if err != nil {
		return nil, err
	}
	limit, offset := page.resolved()
	sql := fmt.Sprintf(`
SELECT DISTINCT JSON_VALUE(metadata, '$.StudyInstanceUID') AS studyInstanceUID
FROM (%s)
WHERE JSON_VALUE(metadata, '$.StudyInstanceUID') IS NOT NULL
ORDER BY studyInstanceUID
LIMIT @limit OFFSET @offset`, q.dedupedRowsSQL(extraWhere))
	params = append(params, bigquery.QueryParameter{Name: "limit", Value: limit}, bigquery.QueryParameter{Name: "offset", Value: offset})

	type studyIDRow struct {
		StudyInstanceUID string `bigquery:"studyInstanceUID"`
	}
	rows, err := warehouse.Query[studyIDRow](ctx, q.Warehouse, sql, params)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.StudyInstanceUID
	}
	return out, nil
}

// StudiesSearchCount implements `studies.search/counts`.
func (q *QueryLayer) StudiesSearchCount(ctx context.Context, filter *SearchFilter) (int64, error) {
	extraWhere, params, err := q.whereFromFilter(filter)
	if err != nil {
		return 0, err
	}
	sql := fmt.Sprintf(`
SELECT COUNT(DISTINCT JSON_VALUE(metadata, '$.StudyInstanceUID')) AS count
FROM (%s)`, q.dedupedRowsSQL(extraWhere))
	return q.scalarCount(ctx, sql, params)
}

// StudyInstances implements `studies.instances`: every instance belonging
// to uid, most-recent-timestamp-wins.
func (q *QueryLayer) StudyInstances(ctx context.Context, studyInstanceUID string) ([]warehouse.Row, error) {
	filter := SearchFilter{Key: "StudyInstanceUID", Value: studyInstanceUID}
	extraWhere, params, err := q.whereFromFilter(&filter)
	if err != nil {
		return nil, err
	}
	sql := fmt.Sprintf("SELECT * EXCEPT(rn) FROM (%s) ORDER BY timestamp DESC", q.dedupedRowsSQL(extraWhere))
	return warehouse.Query[warehouse.Row](ctx, q.Warehouse, sql, params)
}

// InstanceByID implements `instances.get`.
func (q *QueryLayer) InstanceByID(ctx context.Context, id string) (*warehouse.Row, error) {
	sql := fmt.Sprintf("SELECT * FROM `%s` WHERE id = @id LIMIT 1", q.TableID)
	rows, err := warehouse.Query[warehouse.Row](ctx, q.Warehouse, sql, []bigquery.QueryParameter{{Name: "id", Value: id}})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, classify.InvalidInputf("no instance with id %q", id)
	}
	return &rows[0], nil
}

// InstanceBySeriesAndSOP fetches the latest row for the given series/SOP
// pair, backing GET /studies/:study/series/:series/instances/:sop. The
// study UID is not part of the lookup.
func (q *QueryLayer) InstanceBySeriesAndSOP(ctx context.Context, seriesInstanceUID, sopInstanceUID string) (*warehouse.Row, error) {
	sql := fmt.Sprintf(`
SELECT * EXCEPT(rn) FROM (%s)
WHERE JSON_VALUE(metadata, '$.SOPInstanceUID') = @sop
ORDER BY timestamp DESC
LIMIT 1`, q.dedupedRowsSQL(" AND JSON_VALUE(metadata, '$.SeriesInstanceUID') = @series"))
	rows, err := warehouse.Query[warehouse.Row](ctx, q.Warehouse, sql, []bigquery.QueryParameter{
		{Name: "series", Value: seriesInstanceUID},
		{Name: "sop", Value: sopInstanceUID},
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, classify.InvalidInputf("no instance for series %q sop %q", seriesInstanceUID, sopInstanceUID)
	}
	return &rows[0], nil
}

// DeleteInstances implements `DELETE /api/instances`: removes rows by id.
func (q *QueryLayer) DeleteInstances(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	params := make([]bigquery.QueryParameter, len(ids))
	placeholders := make([]string, len(ids))
	for i, id := range ids {
		name := fmt.Sprintf("id%d", i)
		placeholders[i] = "@" + name
		params[i] = bigquery.QueryParameter{Name: name, Value: id}
	}
	sql := fmt.Sprintf("DELETE FROM `%s` WHERE id IN (%s)", q.TableID, strings.Join(placeholders, ", "))
	return q.Warehouse.Exec(ctx, sql, params)
}

// DeleteStudy implements `POST /api/studies/delete`.
func (q *QueryLayer) DeleteStudy(ctx context.Context, studyInstanceUID string) error {
	sql := fmt.Sprintf("DELETE FROM `%s` WHERE JSON_VALUE(metadata, '$.StudyInstanceUID') = @uid", q.TableID)
	return q.Warehouse.Exec(ctx, sql, []bigquery.QueryParameter{{Name: "uid", Value: studyInstanceUID}})
}

func (q *QueryLayer) scalarCount(ctx context.Context, sql string, params []bigquery.QueryParameter) (int64, error) {
	type countRow struct {
		Count int64 `bigquery:"count"`
	}
	rows, err := warehouse.Query[countRow](ctx, q.Warehouse, sql, params)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].Count, nil
}
