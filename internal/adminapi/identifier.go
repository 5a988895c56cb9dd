// Package adminapi implements the Admin Query Layer and DLQ Remediation
// (spec §4.8, §4.9): safe SQL composition over whitelisted identifiers, the
// study-metadata normaliser, and dead-letter-row remediation.
package adminapi

import (
	"regexp"
	"strings"

	"infra/dcmingest/internal/classify"
)

var (
	datasetTableIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	projectIdentifier      = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9\-:.]*$`)
)

// ValidateDatasetOrTableIdentifier enforces the dataset/table grammar (spec
// §6 identifier rules).
func ValidateDatasetOrTableIdentifier(id string) error {
	if !datasetTableIdentifier.MatchString(id) || hasInjectionMarker(id) {
		return classify.BadSchemaf("unsafe identifier %q", id)
	}
	return nil
}

// ValidateProjectIdentifier enforces the project grammar (spec §6).
func ValidateProjectIdentifier(id string) error {
	if !projectIdentifier.MatchString(id) || hasInjectionMarker(id) {
		return classify.BadSchemaf("unsafe identifier %q", id)
	}
	return nil
}

// ValidateMetadataPath validates a dotted metadata JSON path, where each
// `.`-separated segment must itself match the identifier grammar (spec §6).
func ValidateMetadataPath(path string) error {
	if path == "" {
		return classify.BadSchemaf("unsafe identifier %q", path)
	}
	for _, seg := range strings.Split(path, ".") {
		if err := ValidateDatasetOrTableIdentifier(seg); err != nil {
			return classify.BadSchemaf("unsafe identifier %q", path)
		}
	}
	return nil
}

// hasInjectionMarker rejects characters/substrings the grammar's character
// class wouldn't otherwise technically exclude for every identifier kind
// (the project grammar allows repeated "-", so "--" needs an explicit check
// alongside the regex) per spec §8 boundary behaviour: "Identifier
// containing ` or ; or -- → 400".
func hasInjectionMarker(s string) bool {
	return strings.ContainsAny(s, "`;") || strings.Contains(s, "--")
}
