package ws

import (
	"bytes"
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func idFor(b byte) MessageID {
	var id MessageID
	for i := range id {
		id[i] = b
	}
	return id
}

func TestEncodeDecode(t *testing.T) {
	Convey("Encode/Decode", t, func() {
		Convey("round trips a small payload uncompressed", func() {
			id := idFor(7)
			payload := []byte(`{"action":"studies.search"}`)
			wire := Encode(id, KindJSON, "application/json", payload)

			frame, err := Decode(wire)
			So(err, ShouldBeNil)
			So(frame.MessageID, ShouldEqual, id)
			So(frame.Compression, ShouldEqual, CompressionNone)
			So(frame.Kind, ShouldEqual, KindJSON)
			So(frame.Payload, ShouldResemble, payload)
		})

		Convey("auto-selects gzip at the size threshold", func() {
			id := idFor(1)
			payload := bytes.Repeat([]byte("a"), gzipThreshold)
			wire := Encode(id, KindBinary, "application/octet-stream", payload)

			frame, err := Decode(wire)
			So(err, ShouldBeNil)
			So(frame.Compression, ShouldEqual, CompressionGzip)
			So(frame.Payload, ShouldResemble, payload)
			// Stored (wire) form should be smaller than the raw payload for this
			// highly repetitive input, though the policy never guarantees this.
			So(len(wire), ShouldBeLessThan, len(payload))
		})

		Convey("skips compression for an image content type regardless of size", func() {
			id := idFor(2)
			payload := bytes.Repeat([]byte{0xFF}, gzipThreshold*2)
			wire := Encode(id, KindBinary, "image", payload)

			frame, err := Decode(wire)
			So(err, ShouldBeNil)
			So(frame.Compression, ShouldEqual, CompressionNone)
			So(frame.Payload, ShouldResemble, payload)
		})

		Convey("leaves a small payload uncompressed", func() {
			id := idFor(3)
			payload := []byte("short")
			wire := Encode(id, KindText, "text/plain", payload)
			frame, err := Decode(wire)
			So(err, ShouldBeNil)
			So(frame.Compression, ShouldEqual, CompressionNone)
		})

		Convey("rejects an unsupported protocol version", func() {
			wire := Encode(idFor(1), KindJSON, "application/json", []byte("{}"))
			wire[0] = 2
			_, err := Decode(wire)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "Unsupported WS protocol version")
		})

		Convey("rejects a truncated header", func() {
			_, err := Decode(make([]byte, 10))
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "frame too small")
		})

		Convey("rejects an incomplete payload", func() {
			wire := Encode(idFor(1), KindJSON, "application/json", []byte("hello world"))
			truncated := wire[:len(wire)-3]
			_, err := Decode(truncated)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "payload incomplete")
		})

		Convey("round trips a large payload", func() {
			id := idFor(9)
			payload := []byte(strings.Repeat("x", 2*1024*1024))
			wire := Encode(id, KindBinary, "application/octet-stream", payload)
			frame, err := Decode(wire)
			So(err, ShouldBeNil)
			So(frame.Payload, ShouldResemble, payload)
		})
	})
}

func TestBinaryResult(t *testing.T) {
	Convey("EncodeBinaryResult/DecodeBinaryResult", t, func() {
		Convey("round trips meta and raw bytes", func() {
			meta := []byte(`{"contentType":"image/jpeg"}`)
			raw := []byte{1, 2, 3, 4, 5}
			payload := EncodeBinaryResult(meta, raw)

			gotMeta, gotRaw, err := DecodeBinaryResult(payload)
			So(err, ShouldBeNil)
			So(gotMeta, ShouldResemble, meta)
			So(gotRaw, ShouldResemble, raw)
		})

		Convey("rejects a truncated meta length prefix", func() {
			_, _, err := DecodeBinaryResult([]byte{0, 0, 0, 100, 1, 2})
			So(err, ShouldNotBeNil)
		})
	})
}
