package dicomio

import (
	"bytes"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"infra/dcmingest/internal/classify"
	"infra/dcmingest/internal/render"
)

// valueTypeKind maps the SR ValueType code (0040,A040) to the render
// package's content-item kind (spec §4.4 step 2, structured-report track).
var valueTypeKind = map[string]render.ContentItemKind{
	"TEXT":      render.KindText,
	"NUM":       render.KindNum,
	"CODE":      render.KindCode,
	"DATETIME":  render.KindDateTime,
	"PNAME":     render.KindPName,
	"CONTAINER": render.KindContainer,
}

// ParseStructuredReportTree re-parses a structured-report DICOM buffer into
// the content-item tree render.WalkStructuredReport consumes. Kept separate
// from Parse because only the structured-report track needs the sequence
// walk; every other track only needs the flat tag dictionary.
func ParseStructuredReportTree(buf []byte) (render.ContentItem, error) {
	ds, err := dicom.Parse(bytes.NewReader(buf), int64(len(buf)), nil)
	if err != nil {
		return render.ContentItem{}, classify.InvalidInputf("parsing structured report: %v", err)
	}
	root := render.ContentItem{Kind: render.KindContainer}
	if el, err := ds.FindElementByTag(tag.ContentSequence); err == nil && el != nil {
		root.Children = contentItemsFromElement(el)
	}
	return root, nil
}

func contentItemsFromElement(el *dicom.Element) []render.ContentItem {
	items, ok := el.Value.GetValue().([]*dicom.SequenceItem)
	if !ok {
		return nil
	}
	out := make([]render.ContentItem, 0, len(items))
	for _, item := range items {
		out = append(out, contentItemFromSequenceItem(item))
	}
	return out
}

func contentItemFromSequenceItem(item *dicom.SequenceItem) render.ContentItem {
	sub := dicom.Dataset{Elements: item.Elements}
	ci := render.ContentItem{Kind: valueTypeKind[mustString(sub, tag.ValueType)]}

	switch ci.Kind {
	case render.KindText:
		ci.Text = mustString(sub, tag.TextValue)
	case render.KindPName:
		ci.Text = mustString(sub, tag.PersonName)
	case render.KindNum:
		ci.Text = mustString(sub, tag.NumericValue)
	case render.KindCode:
		ci.Text = mustString(sub, tag.CodeValue)
	case render.KindDateTime:
		ci.Text = mustString(sub, tag.DateTime)
	}

	if el, err := sub.FindElementByTag(tag.ContentSequence); err == nil && el != nil {
		ci.Children = contentItemsFromElement(el)
	}
	return ci
}
