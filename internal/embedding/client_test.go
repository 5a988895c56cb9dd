package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"infra/dcmingest/internal/classify"
)

func TestJitterBackoffWithinWindow(t *testing.T) {
	Convey("newJitterBackoff stays within its doubling window", t, func() {
		b := newJitterBackoff(500 * time.Millisecond)
		for k := 1; k <= 4; k++ {
			d := b.NextBackOff()
			window := 500 * time.Millisecond * time.Duration(1<<(k-1))
			So(d, ShouldBeGreaterThanOrEqualTo, window)
			So(d, ShouldBeLessThanOrEqualTo, 2*window)
		}
	})
}

func TestPredict(t *testing.T) {
	Convey("Client.Predict", t, func() {
		Convey("succeeds on the first attempt", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]interface{}{
					"predictions": []map[string]interface{}{
						{"imageEmbedding": []float64{0.1, 0.2, 0.3}},
					},
				})
			}))
			defer srv.Close()

			c := New(Config{Endpoint: srv.URL, MaxAttempts: 3, BaseDelay: time.Millisecond}, nil)
			vec, err := c.Predict(context.Background(), Instance{Content: "abc", ModelSource: "image"})
			So(err, ShouldBeNil)
			So(vec, ShouldResemble, []float64{0.1, 0.2, 0.3})
		})

		Convey("retries on 429 then succeeds", func() {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if atomic.AddInt32(&calls, 1) <= 2 {
					w.WriteHeader(http.StatusTooManyRequests)
					return
				}
				json.NewEncoder(w).Encode(map[string]interface{}{
					"predictions": []map[string]interface{}{{"textEmbedding": []float64{1, 2}}},
				})
			}))
			defer srv.Close()

			c := New(Config{Endpoint: srv.URL, MaxAttempts: 5, BaseDelay: time.Millisecond}, nil)
			vec, err := c.Predict(context.Background(), Instance{Content: "abc", ModelSource: "text"})
			So(err, ShouldBeNil)
			So(vec, ShouldResemble, []float64{1, 2})
			So(atomic.LoadInt32(&calls), ShouldEqual, int32(3))
		})

		Convey("fails immediately on 401 without retrying", func() {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(http.StatusUnauthorized)
			}))
			defer srv.Close()

			c := New(Config{Endpoint: srv.URL, MaxAttempts: 5, BaseDelay: time.Millisecond}, nil)
			_, err := c.Predict(context.Background(), Instance{})
			So(err, ShouldNotBeNil)
			So(classify.Classify(err), ShouldEqual, classify.Unauthorized)
			So(atomic.LoadInt32(&calls), ShouldEqual, int32(1))
		})

		Convey("exhausts retries on a persistent 429", func() {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(http.StatusTooManyRequests)
			}))
			defer srv.Close()

			c := New(Config{Endpoint: srv.URL, MaxAttempts: 2, BaseDelay: time.Millisecond}, nil)
			_, err := c.Predict(context.Background(), Instance{})
			So(err, ShouldNotBeNil)
			So(classify.Classify(err), ShouldEqual, classify.Transient)
			So(atomic.LoadInt32(&calls), ShouldEqual, int32(2))
		})
	})
}
