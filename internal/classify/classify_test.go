package classify

import (
	"fmt"
	"net/http"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestKindStatusAndRetryable(t *testing.T) {
	Convey("Kind.Status and Kind.Retryable", t, func() {
		cases := []struct {
			kind      Kind
			status    int
			retryable bool
		}{
			{BadSchema, http.StatusBadRequest, false},
			{InvalidInput, http.StatusUnprocessableEntity, false},
			{UnsupportedPayload, http.StatusUnprocessableEntity, false},
			{Unauthorized, http.StatusUnprocessableEntity, false},
			{Forbidden, http.StatusUnprocessableEntity, false},
			{ApiNotEnabled, http.StatusUnprocessableEntity, false},
			{Transient, http.StatusInternalServerError, true},
			{Internal, http.StatusInternalServerError, true},
		}
		for _, tc := range cases {
			Convey(tc.kind.String(), func() {
				So(tc.kind.Status(), ShouldEqual, tc.status)
				So(tc.kind.Retryable(), ShouldEqual, tc.retryable)
			})
		}
	})
}

func TestClassifyRoundTrips(t *testing.T) {
	Convey("a classified error round-trips its kind and message", t, func() {
		err := InvalidInputf("bad dicom: %s", "truncated header")
		So(err, ShouldNotBeNil)
		So(Classify(err), ShouldEqual, InvalidInput)
		So(err.Error(), ShouldEqual, "bad dicom: truncated header")
	})
}

func TestWrapPreservesKind(t *testing.T) {
	Convey("Wrap preserves the original error's kind and adds context", t, func() {
		err := Transientf("quota exceeded")
		wrapped := Wrap(err, "calling embedding endpoint")
		So(Classify(wrapped), ShouldEqual, Transient)
		So(wrapped.Error(), ShouldContainSubstring, "calling embedding endpoint")
		So(wrapped.Error(), ShouldContainSubstring, "quota exceeded")
	})
}

func TestClassifyUnknownErrorIsInternal(t *testing.T) {
	Convey("an unclassified error classifies as Internal", t, func() {
		So(Classify(fmt.Errorf("boom")), ShouldEqual, Internal)
	})
}

func TestClassifyNilIsInternal(t *testing.T) {
	Convey("a nil error classifies as Internal", t, func() {
		So(Classify(nil), ShouldEqual, Internal)
	})
}

func TestApiNotEnabledCarriesRemediation(t *testing.T) {
	Convey("ApiNotEnabledf carries the remediation URL in its message", t, func() {
		err := ApiNotEnabledf("https://console.cloud.google.com/apis/enable", "vertex ai predict")
		So(Classify(err), ShouldEqual, ApiNotEnabled)
		So(err.Error(), ShouldContainSubstring, "https://console.cloud.google.com/apis/enable")
	})
}

func TestToBody(t *testing.T) {
	Convey("ToBody fills code, message id, and reason", t, func() {
		err := BadSchemaf("no schema matched")
		body := ToBody(err, "msg-123")
		So(body.Code, ShouldEqual, "BadSchema")
		So(body.MessageID, ShouldEqual, "msg-123")
		So(body.Reason, ShouldEqual, "no schema matched")
	})
}
