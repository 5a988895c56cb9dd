package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/server/router"

	"infra/dcmingest/internal/classify"
	"infra/dcmingest/internal/warehouse"
)

// upgrader accepts the single binary WS connection per client (spec
// §4.10); origin checking is left to the caller's fronting proxy, matching
// how the rest of the admin surface defers authn/z to its transport (spec
// §6 "out of scope" collaborators).
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// actionRoute maps a WS action to the internal HTTP route it proxies to
// (spec §4.10: "Actions map one-to-one to internal HTTP routes").
type actionRoute struct {
	method string
	path   func(payload json.RawMessage) (string, error)
}

// ActionRoutes is the static action → internal-route table. It covers the
// routes of Handlers.RegisterRoutes (spec §6) except the two
// /studies/:study/series/:series/instances/:sop routes, which have no action.
var ActionRoutes = map[string]actionRoute{
	"studies.search":          {method: http.MethodPost, path: constPath("/api/studies/search")},
	"studies.search.counts":   {method: http.MethodPost, path: constPath("/api/studies/search/counts")},
	"instances.search":        {method: http.MethodPost, path: constPath("/api/instances/search")},
	"instances.search.counts": {method: http.MethodPost, path: constPath("/api/instances/search/counts")},
	"studies.instances":       {method: http.MethodGet, path: pathParam("uid", "/studies/%s/instances")},
	"studies.metadata":        {method: http.MethodGet, path: pathParam("uid", "/studies/%s/metadata")},
	"instances.get":           {method: http.MethodGet, path: pathParam("id", "/api/instances/%s")},
	"instances.content":       {method: http.MethodGet, path: pathParam("id", "/api/instances/%s/content")},
	"instances.delete":        {method: http.MethodDelete, path: constPath("/api/instances")},
	"studies.delete":          {method: http.MethodPost, path: constPath("/api/studies/delete")},
	"dlq.count":               {method: http.MethodGet, path: constPath("/api/dlq/count")},
	"dlq.summary":             {method: http.MethodGet, path: constPath("/api/dlq/summary")},
	"dlq.items":               {method: http.MethodGet, path: constPath("/api/dlq/items")},
	"dlq.requeue":             {method: http.MethodPost, path: constPath("/api/dlq/requeue")},
	"dlq.deleteAll":           {method: http.MethodDelete, path: constPath("/api/dlq")},
}

func constPath(p string) func(json.RawMessage) (string, error) {
	return func(json.RawMessage) (string, error) { return p, nil }
}

// pathParam extracts field from the action payload and substitutes it into
// tmpl.
func pathParam(field, tmpl string) func(json.RawMessage) (string, error) {
	return func(payload json.RawMessage) (string, error) {
		var m map[string]string
		if err := json.Unmarshal(payload, &m); err != nil {
			return "", classify.BadSchemaf("decoding action payload: %v", err)
		}
		v := m[field]
		if v == "" {
			return "", classify.BadSchemaf("action payload missing %q", field)
		}
		return fmt.Sprintf(tmpl, v), nil
	}
}

// actionEnvelope is the inbound JSON payload of a WS frame (spec §4.10).
type actionEnvelope struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

// ProcessRunAction names the one action that bypasses the HTTP proxy:
// it streams progress frames rather than returning a single response (spec
// §9 "process.run").
const ProcessRunAction = "process.run"

type processRunPayload struct {
	Bucket      string `json:"bucket"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Data        []byte `json:"data"`
}

// Hub proxies WS actions onto the loopback admin HTTP surface and, for
// process.run, directly onto a ProcessRunner.
type Hub struct {
	// LoopbackAddr is the "127.0.0.1:port" the internal router listens on
	// (spec §4.10).
	LoopbackAddr string
	// Secret is the correlation HMAC key, generated once at server startup
	// and held only in memory (spec §5 "shared resources").
	Secret []byte
	// ProcessRunner backs the process.run action, when configured.
	ProcessRunner ProcessRunner

	httpClient *http.Client
}

// ProcessRunner is the narrow adminapi.ProcessRunner surface the Hub needs,
// satisfied by *adminapi.ProcessRunner.
type ProcessRunner interface {
	Run(ctx context.Context, bucket, name, contentType string, data []byte, onProgress func(string)) (*warehouse.Row, error)
}

// newConnID generates a random opaque connection id.
func newConnID() (string, error) {
	return uuid.NewString(), nil
}

// HandleUpgrade upgrades an HTTP request to the WS connection and serves it
// until the client disconnects (spec §4.10). Mounted at /ws (spec §6).
func (h *Hub) HandleUpgrade(ctx *router.Context) {
	conn, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		logging.Warningf(ctx.Context, "ws upgrade failed: %s", err)
		return
	}
	defer conn.Close()

	connID, err := newConnID()
	if err != nil {
		logging.Errorf(ctx.Context, "generating ws connection id: %s", err)
		return
	}

	client := h.httpClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(1003, "Binary frames required"),
				time.Now().Add(5*time.Second))
			return
		}
		frame, err := Decode(data)
		if err != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(1003, "Invalid WS frame"),
				time.Now().Add(5*time.Second))
			return
		}

		var env actionEnvelope
		if jsonErr := json.Unmarshal(frame.Payload, &env); jsonErr != nil {
			h.writeError(conn, frame.MessageID, "", classify.BadSchemaf("decoding action envelope: %v", jsonErr))
			continue
		}

		h.dispatch(ctx, conn, client, connID, frame.MessageID, env)
	}
}

func (h *Hub) dispatch(ctx *router.Context, conn *websocket.Conn, client *http.Client, connID string, msgID MessageID, env actionEnvelope) {
	if env.Action == ProcessRunAction {
		h.runProcessRun(ctx, conn, msgID, env)
		return
	}

	route, ok := ActionRoutes[env.Action]
	if !ok {
		h.writeError(conn, msgID, env.Action, classify.BadSchemaf("unknown action %q", env.Action))
		return
	}
	path, err := route.path(env.Payload)
	if err != nil {
		h.writeError(conn, msgID, env.Action, err)
		return
	}

	var body io.Reader
	if env.Payload != nil && route.method != http.MethodGet {
		body = bytes.NewReader(env.Payload)
	}
	req, err := http.NewRequestWithContext(ctx.Context, route.method, "http://"+h.LoopbackAddr+path, body)
	if err != nil {
		h.writeError(conn, msgID, env.Action, classify.Wrap(err, "building proxied request"))
		return
	}
	req.Header.Set(HeaderConnectionID, connID)
	req.Header.Set(HeaderMessageID, fmt.Sprintf("%x", msgID))
	req.Header.Set(HeaderAction, env.Action)
	req.Header.Set(HeaderSignature, SignCorrelation(h.Secret, connID, msgID, env.Action))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		h.writeError(conn, msgID, env.Action, classify.Transientf("proxying action %s: %v", env.Action, err))
		return
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		h.writeError(conn, msgID, env.Action, classify.Transientf("reading proxied response: %v", err))
		return
	}

	if resp.StatusCode >= 400 {
		h.writeError(conn, msgID, env.Action, classify.InvalidInputf("%s", string(respBody)))
		return
	}
	h.writeResult(conn, msgID, env.Action, respBody)
}

func (h *Hub) runProcessRun(ctx *router.Context, conn *websocket.Conn, msgID MessageID, env actionEnvelope) {
	if h.ProcessRunner == nil {
		h.writeError(conn, msgID, ProcessRunAction, classify.InvalidInputf("process.run not configured"))
		return
	}
	var payload processRunPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		h.writeError(conn, msgID, ProcessRunAction, classify.BadSchemaf("decoding process.run payload: %v", err))
		return
	}
	row, err := h.ProcessRunner.Run(ctx.Context, payload.Bucket, payload.Name, payload.ContentType, payload.Data, func(msg string) {
		h.writeProgress(conn, msgID, msg)
	})
	if err != nil {
		h.writeError(conn, msgID, ProcessRunAction, err)
		return
	}
	rowJSON, err := json.Marshal(row)
	if err != nil {
		h.writeError(conn, msgID, ProcessRunAction, classify.Wrap(err, "encoding process.run result"))
		return
	}
	h.writeResult(conn, msgID, ProcessRunAction, rowJSON)
}

func (h *Hub) writeResult(conn *websocket.Conn, msgID MessageID, action string, data []byte) {
	encoded, err := json.Marshal(struct {
		Type   string          `json:"type"`
		Action string          `json:"action"`
		Data   json.RawMessage `json:"data"`
	}{Type: "result", Action: action, Data: data})
	if err != nil {
		return
	}
	frame := Encode(msgID, KindJSON, "application/json", encoded)
	_ = conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (h *Hub) writeProgress(conn *websocket.Conn, msgID MessageID, message string) {
	encoded, err := json.Marshal(struct {
		Type    string `json:"type"`
		Action  string `json:"action"`
		Message string `json:"message"`
	}{Type: "progress", Action: ProcessRunAction, Message: message})
	if err != nil {
		return
	}
	frame := Encode(msgID, KindJSON, "application/json", encoded)
	_ = conn.WriteMessage(websocket.BinaryMessage, frame)
}

// writeError builds the WS error frame (spec §4.10, §7: `{type:"error",
// action, error, code}` with the same message id as the request).
func (h *Hub) writeError(conn *websocket.Conn, msgID MessageID, action string, err error) {
	body := classify.ToBody(err, fmt.Sprintf("%x", msgID))
	encoded, marshalErr := json.Marshal(struct {
		Type   string `json:"type"`
		Action string `json:"action"`
		Error  string `json:"error"`
		Code   string `json:"code"`
	}{Type: "error", Action: action, Error: body.Reason, Code: body.Code})
	if marshalErr != nil {
		return
	}
	frame := Encode(msgID, KindJSON, "application/json", encoded)
	_ = conn.WriteMessage(websocket.BinaryMessage, frame)
}
