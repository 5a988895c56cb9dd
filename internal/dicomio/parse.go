package dicomio

import (
	"bytes"
	"encoding/json"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"go.chromium.org/luci/common/errors"

	"infra/dcmingest/internal/classify"
)

// Options controls which tag groups the parser emits, mirroring spec §4.4
// step 1 ("active output options").
type Options struct {
	IncludePrivateTags bool
	IncludeBinaryTags  bool
	IncludeMetaHeader  bool
	UseCommonNames     bool
}

// Identity is the DICOM identity triple plus the two tags the embedding
// pipeline branches on.
type Identity struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
	SOPClassUID       string
	TransferSyntaxUID string
}

// Dataset is the parsed result handed to the rest of the pipeline: the raw
// tag dictionary (as JSON, per spec §3 "raw JSON string of extracted DICOM
// tags") plus the identity fields callers branch on without re-parsing JSON.
type Dataset struct {
	Identity Identity
	JSON     []byte
	// BulkData indexes encapsulated bulk-data elements (used by the
	// Encapsulated PDF track, spec §4.4 step 2) by tag keyword.
	BulkData map[string]BulkDataRef
}

// BulkDataRef holds the decoded bytes of one encapsulated bulk-data element,
// e.g. an encapsulated PDF (spec §4.4 step 2). The parser hands back OB/OW/UN
// element values already decoded in memory, so this carries the bytes
// directly rather than an offset/length into the source buffer: the wire
// encoding (explicit vs. implicit VR, odd-length padding) makes a raw byte
// offset into the original buffer unreliable to recompute by hand.
type BulkDataRef struct {
	Data []byte
}

// Parse invokes the external DICOM parser and reshapes its output into the
// typed boundary the rest of the pipeline consumes. A parse failure is
// always a permanent (InvalidInput) error: a malformed DICOM buffer will
// never succeed on retry (spec §4.7).
func Parse(buf []byte, opts Options) (Dataset, error) {
	parseOpts := []dicom.ParseOption{}
	if !opts.IncludeMetaHeader {
		parseOpts = append(parseOpts, dicom.SkipMetadataReadOnNewParserInit())
	}
	ds, err := dicom.Parse(bytes.NewReader(buf), int64(len(buf)), nil, parseOpts...)
	if err != nil {
		return Dataset{}, classify.InvalidInputf("parsing DICOM: %v", err)
	}

	identity := Identity{}
	identity.StudyInstanceUID = mustString(ds, tag.StudyInstanceUID)
	identity.SeriesInstanceUID = mustString(ds, tag.SeriesInstanceUID)
	identity.SOPInstanceUID = mustString(ds, tag.SOPInstanceUID)
	identity.SOPClassUID = mustString(ds, tag.SOPClassUID)
	identity.TransferSyntaxUID = mustString(ds, tag.TransferSyntaxUID)

	tags := make(map[string]interface{})
	bulk := make(map[string]BulkDataRef)
	for _, el := range ds.Elements {
		info, err := tag.Find(el.Tag)
		if err != nil {
			if !opts.IncludePrivateTags {
				continue
			}
			tags[el.Tag.String()] = elementValue(el)
			continue
		}
		if info.VR == "OB" || info.VR == "OW" || info.VR == "UN" {
			// Bulk-data elements are captured regardless of IncludeBinaryTags:
			// the Encapsulated PDF track (spec §4.4 step 2) needs the bytes
			// even when the raw JSON dump omits binary tags.
			if raw, ok := elementValue(el).([]byte); ok {
				bulk[info.Name] = BulkDataRef{Data: raw}
			}
			if !opts.IncludeBinaryTags {
				continue
			}
		}
		key := info.Name
		if !opts.UseCommonNames {
			key = el.Tag.String()
		}
		tags[key] = elementValue(el)
	}

	raw, err := json.Marshal(tags)
	if err != nil {
		return Dataset{}, errors.Annotate(err, "marshalling extracted tags").Err()
	}

	return Dataset{Identity: identity, JSON: raw, BulkData: bulk}, nil
}

func mustString(ds dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil || el == nil {
		return ""
	}
	if vs, ok := el.Value.GetValue().([]string); ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func elementValue(el *dicom.Element) interface{} {
	if el == nil || el.Value == nil {
		return nil
	}
	return el.Value.GetValue()
}
