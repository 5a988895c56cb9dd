package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/smartystreets/goconvey/convey"
	"go.chromium.org/luci/server/router"
)

func TestConstPathIgnoresPayload(t *testing.T) {
	Convey("constPath ignores the payload", t, func() {
		p, err := constPath("/api/dlq/count")(nil)
		So(err, ShouldBeNil)
		So(p, ShouldEqual, "/api/dlq/count")
	})
}

func TestPathParamSubstitutesField(t *testing.T) {
	Convey("pathParam", t, func() {
		Convey("substitutes the named field", func() {
			fn := pathParam("uid", "/studies/%s/instances")
			p, err := fn(json.RawMessage(`{"uid":"1.2.3"}`))
			So(err, ShouldBeNil)
			So(p, ShouldEqual, "/studies/1.2.3/instances")
		})

		Convey("rejects a missing field", func() {
			fn := pathParam("uid", "/studies/%s/instances")
			_, err := fn(json.RawMessage(`{}`))
			So(err, ShouldNotBeNil)
		})
	})
}

// TestHubProxiesActionToLoopbackAndReturnsResult exercises the full path: a
// WS client sends an action frame, the Hub proxies it to a fake loopback
// HTTP server (standing in for Handlers.RegisterRoutes), and the client
// receives a "result" frame carrying the proxied JSON body.
func TestHubProxiesActionToLoopbackAndReturnsResult(t *testing.T) {
	Convey("Hub proxies an action frame to the loopback server", t, func() {
		var gotSig, gotAction string
		loopback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotSig = r.Header.Get(HeaderSignature)
			gotAction = r.Header.Get(HeaderAction)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"count":3}`))
		}))
		Reset(func() { loopback.Close() })
		loopbackAddr := strings.TrimPrefix(loopback.URL, "http://")

		hub := &Hub{LoopbackAddr: loopbackAddr, Secret: []byte("testsecret")}
		r := router.New()
		r.GET("/ws", router.NewMiddlewareChain(), hub.HandleUpgrade)
		srv := httptest.NewServer(r)
		Reset(func() { srv.Close() })

		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		So(err, ShouldBeNil)
		Reset(func() { conn.Close() })

		msgID := idFor(42)
		action := actionEnvelope{Action: "dlq.count"}
		payloadJSON, err := json.Marshal(action)
		So(err, ShouldBeNil)
		frame := Encode(msgID, KindJSON, "application/json", payloadJSON)
		So(conn.WriteMessage(websocket.BinaryMessage, frame), ShouldBeNil)

		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		So(err, ShouldBeNil)

		resultFrame, err := Decode(data)
		So(err, ShouldBeNil)
		So(resultFrame.MessageID, ShouldEqual, msgID)

		var result struct {
			Type   string          `json:"type"`
			Action string          `json:"action"`
			Data   json.RawMessage `json:"data"`
		}
		So(json.Unmarshal(resultFrame.Payload, &result), ShouldBeNil)
		So(result.Type, ShouldEqual, "result")
		So(result.Action, ShouldEqual, "dlq.count")
		So(string(result.Data), ShouldEqual, `{"count":3}`)

		So(gotAction, ShouldEqual, "dlq.count")
		So(gotSig, ShouldNotBeEmpty)
	})
}

func TestHubRejectsNonBinaryFrame(t *testing.T) {
	Convey("Hub rejects a non-binary frame", t, func() {
		hub := &Hub{LoopbackAddr: "127.0.0.1:0", Secret: []byte("s")}
		r := router.New()
		r.GET("/ws", router.NewMiddlewareChain(), hub.HandleUpgrade)
		srv := httptest.NewServer(r)
		Reset(func() { srv.Close() })

		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		So(err, ShouldBeNil)
		Reset(func() { conn.Close() })

		So(conn.WriteMessage(websocket.TextMessage, []byte("not binary")), ShouldBeNil)
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, _, err = conn.ReadMessage()
		So(err, ShouldNotBeNil)
		closeErr, ok := err.(*websocket.CloseError)
		So(ok, ShouldBeTrue)
		So(closeErr.Code, ShouldEqual, 1003)
	})
}

func TestHubRejectsUnknownAction(t *testing.T) {
	Convey("Hub rejects an unknown action", t, func() {
		hub := &Hub{LoopbackAddr: "127.0.0.1:0", Secret: []byte("s")}
		r := router.New()
		r.GET("/ws", router.NewMiddlewareChain(), hub.HandleUpgrade)
		srv := httptest.NewServer(r)
		Reset(func() { srv.Close() })

		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		So(err, ShouldBeNil)
		Reset(func() { conn.Close() })

		msgID := idFor(1)
		payloadJSON, err := json.Marshal(actionEnvelope{Action: "not.a.real.action"})
		So(err, ShouldBeNil)
		frame := Encode(msgID, KindJSON, "application/json", payloadJSON)
		So(conn.WriteMessage(websocket.BinaryMessage, frame), ShouldBeNil)

		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		So(err, ShouldBeNil)
		resultFrame, err := Decode(data)
		So(err, ShouldBeNil)

		var result struct {
			Type string `json:"type"`
			Code string `json:"code"`
		}
		So(json.Unmarshal(resultFrame.Payload, &result), ShouldBeNil)
		So(result.Type, ShouldEqual, "error")
		So(result.Code, ShouldEqual, "BadSchema")
	})
}
