package ingestion

import (
	"encoding/json"
	"io"
	"net/http"

	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/server/router"

	"infra/dcmingest/internal/classify"
	"infra/dcmingest/internal/perf"
)

// ObjectStoreHandler handles a validated object-store notification (spec
// §4.2).
type ObjectStoreHandler interface {
	Handle(ctx router.Context, notif ObjectNotification) error
}

// DicomwebHandler handles a validated dicomweb notification (spec §4.2).
type DicomwebHandler interface {
	Handle(ctx router.Context, path string) error
}

// Dispatcher is the Event Dispatcher (spec §4.1): it validates the push
// envelope, matches a schema, and delegates to the corresponding handler.
type Dispatcher struct {
	ObjectStore ObjectStoreHandler
	Dicomweb    DicomwebHandler
}

// HandlePush is the router handler mounted on the push endpoint. It owns a
// per-request PerfContext (spec §4.1) and maps the handler's returned error
// through the Error Classifier to an HTTP status.
func (d *Dispatcher) HandlePush(ctx *router.Context) {
	pc := perf.New()
	messageID := ""

	body, err := io.ReadAll(ctx.Request.Body)
	pc.Mark("read-body")
	if err != nil {
		d.respondErr(ctx, classify.BadSchemaf("reading request body: %v", err), messageID)
		return
	}

	var env PushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		d.respondErr(ctx, classify.BadSchemaf("decoding push envelope: %v", err), messageID)
		return
	}
	messageID = env.Message.Attributes["messageId"]
	pc.Mark("decode")

	kind := Match(env)
	pc.Mark("route")

	var handleErr error
	switch kind {
	case KindObjectStore:
		notif, err := DecodeObjectNotification(env)
		if err != nil {
			handleErr = err
			break
		}
		handleErr = d.ObjectStore.Handle(*ctx, notif)
	case KindDicomweb:
		path, err := DecodeDicomwebPath(env)
		if err != nil {
			handleErr = err
			break
		}
		handleErr = d.Dicomweb.Handle(*ctx, path)
	default:
		handleErr = classify.BadSchemaf("push envelope matched neither the object-store nor dicomweb schema")
	}
	pc.Mark("handle")

	pc.Mark("respond")
	d.setPerfHeaders(ctx, pc)

	if handleErr != nil {
		logging.Errorf(ctx.Context, "ingestion handler failed: %s", handleErr)
		d.respondErr(ctx, handleErr, messageID)
		return
	}
	ctx.Writer.WriteHeader(http.StatusOK)
}

func (d *Dispatcher) respondErr(ctx *router.Context, err error, messageID string) {
	body := classify.ToBody(err, messageID)
	ctx.Writer.Header().Set("Content-Type", "application/json")
	ctx.Writer.WriteHeader(classify.Classify(err).Status())
	_ = json.NewEncoder(ctx.Writer).Encode(body)
}

// setPerfHeaders surfaces any hot checkpoints as a response header, per
// SPEC_FULL's ambient-logging hook (no metrics dependency required). Must
// run before the first WriteHeader call: headers added afterward are
// silently dropped by net/http.
func (d *Dispatcher) setPerfHeaders(ctx *router.Context, pc *perf.Context) {
	hot := pc.HotCheckpoints()
	if len(hot) == 0 {
		return
	}
	for _, name := range hot {
		ctx.Writer.Header().Add("X-Perf-Hot", name)
	}
	logging.Warningf(ctx.Context, "hot checkpoints: %v (total %s)", hot, pc.Total())
}
