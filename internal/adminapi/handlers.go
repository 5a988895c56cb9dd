package adminapi

import (
	"encoding/json"
	"net/http"

	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/server/router"

	"infra/dcmingest/internal/classify"
	"infra/dcmingest/internal/gcsstore"
	"infra/dcmingest/internal/warehouse"
)

// Handlers wires the Admin Query Layer and DLQ Remediation onto the admin
// HTTP surface (spec §6).
type Handlers struct {
	Query          *QueryLayer
	Remediator     *Remediator
	Store          *gcsstore.Store
	ArtifactBucket string
	ProcessRunner  *ProcessRunner
}

// RegisterRoutes mounts every route named in spec §6 onto r.
func (h *Handlers) RegisterRoutes(r *router.Router, mw router.MiddlewareChain) {
	r.POST("/api/studies/search", mw, h.StudiesSearch)
	r.POST("/api/studies/search/counts", mw, h.StudiesSearchCounts)
	r.POST("/api/instances/search", mw, h.InstancesSearch)
	r.POST("/api/instances/search/counts", mw, h.InstancesSearchCounts)
	r.GET("/studies/:uid/instances", mw, h.StudyInstances)
	r.GET("/studies/:uid/metadata", mw, h.StudyMetadata)
	r.GET("/api/instances/:id", mw, h.InstanceByID)
	r.GET("/api/instances/:id/content", mw, h.InstanceContent)
	r.DELETE("/api/instances", mw, h.DeleteInstances)
	r.POST("/api/studies/delete", mw, h.DeleteStudy)
	r.GET("/studies/:study/series/:series/instances/:sop", mw, h.InstanceBySeriesAndSOP)
	r.GET("/studies/:study/series/:series/instances/:sop/rendered", mw, h.RenderedInstance)
	r.GET("/api/dlq/count", mw, h.DLQCount)
	r.GET("/api/dlq/summary", mw, h.DLQSummary)
	r.GET("/api/dlq/items", mw, h.DLQItems)
	r.POST("/api/dlq/requeue", mw, h.DLQRequeue)
	r.DELETE("/api/dlq", mw, h.DLQDeleteAll)
}

func writeJSON(ctx *router.Context, status int, body interface{}) {
	ctx.Writer.Header().Set("Content-Type", "application/json")
	ctx.Writer.WriteHeader(status)
	_ = json.NewEncoder(ctx.Writer).Encode(body)
}

// respondErr writes the shared {code, messageId, reason} error body (spec
// §7); messageId comes from the inbound x-ws-message-id header when the
// request arrived proxied through the WS layer (spec §4.10), empty for a
// direct HTTP call.
func respondErr(ctx *router.Context, err error) {
	messageID := ctx.Request.Header.Get("x-ws-message-id")
	logging.Errorf(ctx.Context, "admin API request failed: %s", err)
	writeJSON(ctx, classify.Classify(err).Status(), classify.ToBody(err, messageID))
}

func decodeJSONBody(ctx *router.Context, v interface{}) bool {
	defer ctx.Request.Body.Close()
	if err := json.NewDecoder(ctx.Request.Body).Decode(v); err != nil {
		respondErr(ctx, classify.BadSchemaf("decoding request body: %v", err))
		return false
	}
	return true
}

type searchRequest struct {
	Filter *SearchFilter `json:"filter"`
	Page   Page          `json:"page"`
}

// StudiesSearch implements POST /api/studies/search.
func (h *Handlers) StudiesSearch(ctx *router.Context) {
	var req searchRequest
	if !decodeJSONBody(ctx, &req) {
		return
	}
	ids, err := h.Query.StudiesSearch(ctx.Context, req.Filter, req.Page)
	if err != nil {
		respondErr(ctx, err)
		return
	}
	writeJSON(ctx, http.StatusOK, map[string]interface{}{"studyInstanceUids": ids})
}

// StudiesSearchCounts implements POST /api/studies/search/counts.
func (h *Handlers) StudiesSearchCounts(ctx *router.Context) {
	var req searchRequest
	if !decodeJSONBody(ctx, &req) {
		return
	}
	count, err := h.Query.StudiesSearchCount(ctx.Context, req.Filter)
	if err != nil {
		respondErr(ctx, err)
		return
	}
	writeJSON(ctx, http.StatusOK, map[string]interface{}{"count": count})
}

// InstancesSearch implements POST /api/instances/search.
func (h *Handlers) InstancesSearch(ctx *router.Context) {
	var req searchRequest
	if !decodeJSONBody(ctx, &req) {
		return
	}
	rows, err := h.Query.InstancesSearch(ctx.Context, req.Filter, req.Page)
	if err != nil {
		respondErr(ctx, err)
		return
	}
	writeJSON(ctx, http.StatusOK, map[string]interface{}{"instances": rows})
}

// InstancesSearchCounts implements POST /api/instances/search/counts.
func (h *Handlers) InstancesSearchCounts(ctx *router.Context) {
	var req searchRequest
	if !decodeJSONBody(ctx, &req) {
		return
	}
	count, err := h.Query.InstancesSearchCount(ctx.Context, req.Filter)
	if err != nil {
		respondErr(ctx, err)
		return
	}
	writeJSON(ctx, http.StatusOK, map[string]interface{}{"count": count})
}

// StudyInstances implements GET /studies/:uid/instances.
func (h *Handlers) StudyInstances(ctx *router.Context) {
	rows, err := h.Query.StudyInstances(ctx.Context, ctx.Params.ByName("uid"))
	if err != nil {
		respondErr(ctx, err)
		return
	}
	writeJSON(ctx, http.StatusOK, map[string]interface{}{"instances": rows})
}

// StudyMetadata implements GET /studies/:uid/metadata: fetches every
// instance of the study, then runs the normaliser (spec §4.8).
func (h *Handlers) StudyMetadata(ctx *router.Context) {
	rows, err := h.Query.StudyInstances(ctx.Context, ctx.Params.ByName("uid"))
	if err != nil {
		respondErr(ctx, err)
		return
	}
	tree, err := NormalizeStudyMetadata(rows)
	if err != nil {
		respondErr(ctx, err)
		return
	}
	writeJSON(ctx, http.StatusOK, tree)
}

// InstanceByID implements GET /api/instances/:id.
func (h *Handlers) InstanceByID(ctx *router.Context) {
	row, err := h.Query.InstanceByID(ctx.Context, ctx.Params.ByName("id"))
	if err != nil {
		respondErr(ctx, err)
		return
	}
	writeJSON(ctx, http.StatusOK, row)
}

// InstanceContent implements GET /api/instances/:id/content: a raw
// download of the instance's original ingested blob (spec §4.8
// "instances.content").
func (h *Handlers) InstanceContent(ctx *router.Context) {
	row, err := h.Query.InstanceByID(ctx.Context, ctx.Params.ByName("id"))
	if err != nil {
		respondErr(ctx, err)
		return
	}
	bucket, name, err := gcsstore.ParseURI(row.Path)
	if err != nil {
		respondErr(ctx, err)
		return
	}
	data, err := h.Store.Download(ctx.Context, bucket, name, row.Version)
	if err != nil {
		respondErr(ctx, err)
		return
	}
	ctx.Writer.Header().Set("Content-Type", "application/dicom")
	ctx.Writer.WriteHeader(http.StatusOK)
	_, _ = ctx.Writer.Write(data)
}

// InstanceBySeriesAndSOP implements GET
// /studies/:study/series/:series/instances/:sop.
func (h *Handlers) InstanceBySeriesAndSOP(ctx *router.Context) {
	row, err := h.Query.InstanceBySeriesAndSOP(ctx.Context, ctx.Params.ByName("series"), ctx.Params.ByName("sop"))
	if err != nil {
		respondErr(ctx, err)
		return
	}
	writeJSON(ctx, http.StatusOK, row)
}

// RenderedInstance implements GET
// /studies/:study/series/:series/instances/:sop/rendered: serves the JPEG
// the DICOM Processor's image track (DicomProcessor.embedImage) staged at
// ingestion time (spec §4.4 step 2), rather than re-rendering on demand.
func (h *Handlers) RenderedInstance(ctx *router.Context) {
	study, series, sop := ctx.Params.ByName("study"), ctx.Params.ByName("series"), ctx.Params.ByName("sop")
	artifactPath := study + "/" + series + "/" + sop + ".jpg"
	data, err := h.Store.Download(ctx.Context, h.ArtifactBucket, artifactPath, "")
	if err != nil {
		respondErr(ctx, err)
		return
	}
	ctx.Writer.Header().Set("Content-Type", "image/jpeg")
	ctx.Writer.WriteHeader(http.StatusOK)
	_, _ = ctx.Writer.Write(data)
}

// DeleteInstances implements DELETE /api/instances.
func (h *Handlers) DeleteInstances(ctx *router.Context) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if !decodeJSONBody(ctx, &req) {
		return
	}
	if err := h.Query.DeleteInstances(ctx.Context, req.IDs); err != nil {
		respondErr(ctx, err)
		return
	}
	ctx.Writer.WriteHeader(http.StatusNoContent)
}

// DeleteStudy implements POST /api/studies/delete.
func (h *Handlers) DeleteStudy(ctx *router.Context) {
	var req struct {
		StudyInstanceUID string `json:"studyInstanceUid"`
	}
	if !decodeJSONBody(ctx, &req) {
		return
	}
	if err := h.Query.DeleteStudy(ctx.Context, req.StudyInstanceUID); err != nil {
		respondErr(ctx, err)
		return
	}
	ctx.Writer.WriteHeader(http.StatusNoContent)
}

// DLQCount implements GET /api/dlq/count.
func (h *Handlers) DLQCount(ctx *router.Context) {
	count, err := h.Remediator.Count(ctx.Context)
	if err != nil {
		respondErr(ctx, err)
		return
	}
	writeJSON(ctx, http.StatusOK, map[string]interface{}{"count": count})
}

// DLQSummary implements GET /api/dlq/summary.
func (h *Handlers) DLQSummary(ctx *router.Context) {
	entries, err := h.Remediator.Summary(ctx.Context)
	if err != nil {
		respondErr(ctx, err)
		return
	}
	writeJSON(ctx, http.StatusOK, map[string]interface{}{"summary": entries})
}

// DLQItems implements GET /api/dlq/items.
func (h *Handlers) DLQItems(ctx *router.Context) {
	page := pageFromQuery(ctx)
	items, err := h.Remediator.Items(ctx.Context, page)
	if err != nil {
		respondErr(ctx, err)
		return
	}
	writeJSON(ctx, http.StatusOK, map[string]interface{}{"items": items})
}

// DLQRequeue implements POST /api/dlq/requeue.
func (h *Handlers) DLQRequeue(ctx *router.Context) {
	var req struct {
		Rows []warehouse.DeadLetterRow `json:"rows"`
	}
	if !decodeJSONBody(ctx, &req) {
		return
	}
	result, err := h.Remediator.Requeue(ctx.Context, req.Rows)
	if err != nil {
		respondErr(ctx, err)
		return
	}
	writeJSON(ctx, http.StatusOK, result)
}

// DLQDeleteAll implements DELETE /api/dlq.
func (h *Handlers) DLQDeleteAll(ctx *router.Context) {
	if err := h.Remediator.DeleteAll(ctx.Context); err != nil {
		respondErr(ctx, err)
		return
	}
	ctx.Writer.WriteHeader(http.StatusNoContent)
}

func pageFromQuery(ctx *router.Context) Page {
	q := ctx.Request.URL.Query()
	return Page{Limit: atoiOrZero(q.Get("limit")), Offset: atoiOrZero(q.Get("offset"))}
}

func atoiOrZero(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}
