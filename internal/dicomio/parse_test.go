package dicomio

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func writeShortVR(buf *bytes.Buffer, group, elem uint16, vr string, value []byte) {
	binary.Write(buf, binary.LittleEndian, group)
	binary.Write(buf, binary.LittleEndian, elem)
	buf.WriteString(vr)
	binary.Write(buf, binary.LittleEndian, uint16(len(value)))
	buf.Write(value)
}

func writeLongVR(buf *bytes.Buffer, group, elem uint16, vr string, value []byte) {
	binary.Write(buf, binary.LittleEndian, group)
	binary.Write(buf, binary.LittleEndian, elem)
	buf.WriteString(vr)
	binary.Write(buf, binary.LittleEndian, uint16(0)) // reserved
	binary.Write(buf, binary.LittleEndian, uint32(len(value)))
	buf.Write(value)
}

func uiValue(s string) []byte {
	b := []byte(s)
	if len(b)%2 != 0 {
		b = append(b, 0x00)
	}
	return b
}

// buildMinimalDICOM assembles a real Part 10 stream (128-byte preamble,
// "DICM" magic, Explicit VR Little Endian file meta group, Explicit VR
// Little Endian data set) carrying one SOPClassUID element and one
// EncapsulatedDocument (OB) bulk-data element, so Parse can be exercised
// against actual wire bytes rather than a hand-built Dataset.
func buildMinimalDICOM(t *testing.T, encapsulatedDocument []byte) []byte {
	t.Helper()

	var meta bytes.Buffer
	writeLongVR(&meta, 0x0002, 0x0001, "OB", []byte{0x00, 0x01})
	writeShortVR(&meta, 0x0002, 0x0002, "UI", uiValue("1.2.3.4"))
	writeShortVR(&meta, 0x0002, 0x0003, "UI", uiValue("1.2.3.5"))
	writeShortVR(&meta, 0x0002, 0x0010, "UI", uiValue("1.2.840.10008.1.2.1"))
	writeShortVR(&meta, 0x0002, 0x0012, "UI", uiValue("1.2.3.6"))

	groupLengthValue := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupLengthValue, uint32(meta.Len()))
	var groupLength bytes.Buffer
	writeShortVR(&groupLength, 0x0002, 0x0000, "UL", groupLengthValue)

	var body bytes.Buffer
	writeShortVR(&body, 0x0008, 0x0016, "UI", uiValue("1.2.840.10008.5.1.4.1.1.104.1"))
	writeLongVR(&body, 0x0042, 0x0011, "OB", encapsulatedDocument)

	var out bytes.Buffer
	out.Write(make([]byte, 128)) // preamble
	out.WriteString("DICM")
	out.Write(groupLength.Bytes())
	out.Write(meta.Bytes())
	out.Write(body.Bytes())
	return out.Bytes()
}

func TestParseEncapsulatedDocumentBulkData(t *testing.T) {
	Convey("Parse", t, func() {
		Convey("populates BulkData for a real encapsulated-document element", func() {
			pdfContent := []byte("PDFBYTES")
			raw := buildMinimalDICOM(t, pdfContent)

			ds, err := Parse(raw, Options{IncludeMetaHeader: true, IncludeBinaryTags: true})
			So(err, ShouldBeNil)

			ref, ok := ds.BulkData["EncapsulatedDocument"]
			So(ok, ShouldBeTrue)
			So(ref.Data, ShouldResemble, pdfContent)
		})

		Convey("still captures bulk data even when binary tags are excluded from the JSON dump", func() {
			pdfContent := []byte("MOREBYTE")
			raw := buildMinimalDICOM(t, pdfContent)

			ds, err := Parse(raw, Options{IncludeMetaHeader: true, IncludeBinaryTags: false})
			So(err, ShouldBeNil)

			ref, ok := ds.BulkData["EncapsulatedDocument"]
			So(ok, ShouldBeTrue)
			So(ref.Data, ShouldResemble, pdfContent)

			var tags map[string]interface{}
			So(json.Unmarshal(ds.JSON, &tags), ShouldBeNil)
			_, hasKey := tags["EncapsulatedDocument"]
			So(hasKey, ShouldBeFalse)
		})

		Convey("fails on a malformed buffer", func() {
			_, err := Parse([]byte("not a dicom file"), Options{})
			So(err, ShouldNotBeNil)
		})
	})
}
