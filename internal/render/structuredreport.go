package render

import "strings"

// ContentItemKind is the DICOM SR content-item value type (spec §4.4 step
// 2, structured-report track).
type ContentItemKind string

const (
	KindText      ContentItemKind = "TEXT"
	KindNum       ContentItemKind = "NUM"
	KindCode      ContentItemKind = "CODE"
	KindDateTime  ContentItemKind = "DATE/TIME"
	KindPName     ContentItemKind = "PNAME"
	KindContainer ContentItemKind = "CONTAINER"
)

// ContentItem is one node of a structured-report content-item tree.
type ContentItem struct {
	Kind     ContentItemKind
	Text     string
	Children []ContentItem
}

// SummarizeSwitches selects which content-item kinds contribute text when
// walking a structured report (spec §4.4 step 2: "concatenate per
// configured switches").
type SummarizeSwitches struct {
	Text     bool
	Num      bool
	Code     bool
	DateTime bool
	PName    bool
}

// DefaultSummarizeSwitches enables the textual kinds only; NUM/CODE/DATE
// are numeric/coded and rarely useful as embedding input prose.
func DefaultSummarizeSwitches() SummarizeSwitches {
	return SummarizeSwitches{Text: true, PName: true}
}

// WalkStructuredReport concatenates the text of every content item whose
// kind is enabled in switches, depth-first, matching spec §4.4 step 2.
func WalkStructuredReport(root ContentItem, switches SummarizeSwitches) string {
	var b strings.Builder
	walk(root, switches, &b)
	return strings.TrimSpace(b.String())
}

func walk(item ContentItem, switches SummarizeSwitches, b *strings.Builder) {
	if enabled(item.Kind, switches) && item.Text != "" {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(item.Text)
	}
	for _, child := range item.Children {
		walk(child, switches, b)
	}
}

func enabled(kind ContentItemKind, switches SummarizeSwitches) bool {
	switch kind {
	case KindText:
		return switches.Text
	case KindNum:
		return switches.Num
	case KindCode:
		return switches.Code
	case KindDateTime:
		return switches.DateTime
	case KindPName:
		return switches.PName
	case KindContainer:
		return true // containers never carry text directly, traversal only
	default:
		return false
	}
}
