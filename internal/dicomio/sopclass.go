// Package dicomio wraps the DICOM byte-level parser as a typed boundary
// (spec §1 Non-goals: the system does not implement DICOM parsing itself).
// The parser used here is github.com/suyashkumar/dicom; everything above
// this package only sees the Dataset/Track types below.
package dicomio

// Track is the embedding-input track selected from a dataset's SOPClassUID
// (spec §4.4 step 2).
type Track int

const (
	// TrackNone means no embedding input is derivable from this dataset.
	TrackNone Track = iota
	TrackImage
	TrackEncapsulatedPDF
	TrackStructuredReport
)

// imageSOPClasses lists the allow-listed image storage SOP classes
// (GLOSSARY "SOP class (image)").
var imageSOPClasses = map[string]bool{
	"1.2.840.10008.5.1.4.1.1.2":     true, // CT Image Storage
	"1.2.840.10008.5.1.4.1.1.4":     true, // MR Image Storage
	"1.2.840.10008.5.1.4.1.1.6.1":   true, // US Image Storage
	"1.2.840.10008.5.1.4.1.1.1":     true, // CR Image Storage
	"1.2.840.10008.5.1.4.1.1.1.1":   true, // DX Image Storage
	"1.2.840.10008.5.1.4.1.1.1.2":   true, // Mammography (MG) Image Storage
	"1.2.840.10008.5.1.4.1.1.12.1":  true, // XA Image Storage
	"1.2.840.10008.5.1.4.1.1.20":    true, // NM Image Storage
	"1.2.840.10008.5.1.4.1.1.128":   true, // PET (PT) Image Storage
	"1.2.840.10008.5.1.4.1.1.7":     true, // Secondary Capture (SC) Image Storage
	"1.2.840.10008.5.1.4.1.1.481.1": true, // RT Image Storage
}

const encapsulatedPDFSOPClass = "1.2.840.10008.5.1.4.1.1.104.1"

// structuredReportSOPClasses lists Basic Text / Enhanced / Comprehensive SR
// (GLOSSARY "SOP class (SR)").
var structuredReportSOPClasses = map[string]bool{
	"1.2.840.10008.5.1.4.1.1.88.11": true, // Basic Text SR
	"1.2.840.10008.5.1.4.1.1.88.22": true, // Enhanced SR
	"1.2.840.10008.5.1.4.1.1.88.33": true, // Comprehensive SR
}

// allowedTransferSyntaxes lists the transfer syntaxes the image pipeline
// accepts (GLOSSARY "Allowed transfer syntaxes"); for anything else the
// image track skips rendering and embedding, and the record is still
// persisted (spec §4.4 step 4).
var allowedTransferSyntaxes = map[string]bool{
	"1.2.840.10008.1.2":      true, // Implicit VR Little Endian
	"1.2.840.10008.1.2.1":    true, // Explicit VR Little Endian
	"1.2.840.10008.1.2.1.99": true, // Deflated Explicit VR Little Endian
	"1.2.840.10008.1.2.2":    true, // Explicit VR Big Endian
	"1.2.840.10008.1.2.5":    true, // RLE Lossless
	"1.2.840.10008.1.2.4.50": true, // JPEG Baseline (Process 1)
	"1.2.840.10008.1.2.4.51": true, // JPEG Extended (Process 2 & 4)
	"1.2.840.10008.1.2.4.57": true, // JPEG Lossless, Non-Hierarchical (Process 14)
	"1.2.840.10008.1.2.4.70": true, // JPEG Lossless, Process 14 SV1
	"1.2.840.10008.1.2.4.90": true, // JPEG 2000 Lossless
	"1.2.840.10008.1.2.4.91": true, // JPEG 2000
}

// TrackFor returns the embedding track for the given SOPClassUID.
func TrackFor(sopClassUID string) Track {
	switch {
	case imageSOPClasses[sopClassUID]:
		return TrackImage
	case sopClassUID == encapsulatedPDFSOPClass:
		return TrackEncapsulatedPDF
	case structuredReportSOPClasses[sopClassUID]:
		return TrackStructuredReport
	default:
		return TrackNone
	}
}

// TransferSyntaxAllowed reports whether the image pipeline supports the
// given transfer syntax (spec §4.4 step 4).
func TransferSyntaxAllowed(transferSyntaxUID string) bool {
	return allowedTransferSyntaxes[transferSyntaxUID]
}
