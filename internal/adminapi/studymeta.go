package adminapi

import (
	"encoding/json"

	"infra/dcmingest/internal/classify"
	"infra/dcmingest/internal/warehouse"
)

// Value is a normalised metadata leaf; kept as an alias rather than
// interface{} directly so the tagged-union intent (spec §9 design note)
// reads at the call site.
type Value = interface{}

// Tree is the study-metadata normalisation result (spec §4.8, §9): a
// tagged-union rather than a free-form nested map, with common-attribute
// hoisting applied deterministically (series-common keys bubble to
// study-common; identical instance keys bubble to series-common).
type Tree struct {
	StudyCommon map[string]Value `json:"studyCommon"`
	Series      []SeriesNode     `json:"series"`
}

// SeriesNode is one series within Tree.
type SeriesNode struct {
	SeriesInstanceUID string             `json:"seriesInstanceUid"`
	SeriesCommon      map[string]Value   `json:"seriesCommon"`
	Instances         []map[string]Value `json:"instances"`
}

// metadataBlocklist lists the binary bulk-data fields stripped from every
// instance before hoisting, so they appear at no level of the tree. Only
// these three DICOM tags are stripped; no other field is removed.
var metadataBlocklist = map[string]bool{
	"PixelData":            true,
	"OverlayData":          true,
	"EncapsulatedDocument": true,
}

// NormalizeStudyMetadata implements `studies.metadata` (spec §4.8): groups
// rows by SeriesInstanceUID, hoists instance-common keys to series level
// and series-common keys to study level. Deterministic for equivalent
// inputs: series ordering follows rows' first-seen order (callers should
// pass rows already ordered, e.g. by QueryLayer.StudyInstances).
func NormalizeStudyMetadata(rows []warehouse.Row) (Tree, error) {
	type seriesAccum struct {
		uid       string
		instances []map[string]Value
	}
	bySeries := map[string]*seriesAccum{}
	var order []string

	for _, r := range rows {
		if r.Metadata == nil {
			continue
		}
		var m map[string]Value
		if err := json.Unmarshal([]byte(*r.Metadata), &m); err != nil {
			return Tree{}, classify.InvalidInputf("parsing metadata for %s: %v", r.Path, err)
		}
		stripBlocklist(m)
		seriesUID, _ := m["SeriesInstanceUID"].(string)
		acc, ok := bySeries[seriesUID]
		if !ok {
			acc = &seriesAccum{uid: seriesUID}
			bySeries[seriesUID] = acc
			order = append(order, seriesUID)
		}
		acc.instances = append(acc.instances, m)
	}

	series := make([]SeriesNode, 0, len(order))
	seriesCommons := make([]map[string]Value, 0, len(order))
	for _, uid := range order {
		acc := bySeries[uid]
		common := commonKeys(acc.instances)
		instances := make([]map[string]Value, len(acc.instances))
		for i, inst := range acc.instances {
			instances[i] = withoutKeys(inst, common)
		}
		series = append(series, SeriesNode{SeriesInstanceUID: uid, SeriesCommon: common, Instances: instances})
		seriesCommons = append(seriesCommons, common)
	}

	studyCommon := commonKeys(seriesCommons)
	for i := range series {
		series[i].SeriesCommon = withoutKeys(series[i].SeriesCommon, studyCommon)
	}

	return Tree{StudyCommon: studyCommon, Series: series}, nil
}

func stripBlocklist(m map[string]Value) {
	for k := range metadataBlocklist {
		delete(m, k)
	}
}

// commonKeys returns the keys present with an identical value-signature in
// every map of maps. Value-signature equality uses canonical JSON
// marshalling (Go's encoding/json sorts map keys, giving a stable
// signature across equivalent inputs, per spec §9's "preserve
// insertion-agnostic equality" note).
func commonKeys(maps []map[string]Value) map[string]Value {
	out := map[string]Value{}
	if len(maps) == 0 {
		return out
	}
	for k, v := range maps[0] {
		sig, err := json.Marshal(v)
		if err != nil {
			continue
		}
		common := true
		for _, m := range maps[1:] {
			v2, ok := m[k]
			if !ok {
				common = false
				break
			}
			sig2, err := json.Marshal(v2)
			if err != nil || string(sig) != string(sig2) {
				common = false
				break
			}
		}
		if common {
			out[k] = v
		}
	}
	return out
}

func withoutKeys(m, remove map[string]Value) map[string]Value {
	out := make(map[string]Value, len(m))
	for k, v := range m {
		if _, skip := remove[k]; skip {
			continue
		}
		out[k] = v
	}
	return out
}
