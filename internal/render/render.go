// Package render implements the external rendering boundaries named in
// spec §4.4: image-to-JPEG rendering and PDF text extraction are both
// black-box tools the system shells out to (spec §1 Non-goals: "the system
// does not render DICOM pixels itself").
package render

import (
	"bytes"
	"context"
	"os/exec"

	"go.chromium.org/luci/common/errors"

	"infra/dcmingest/internal/classify"
)

// Tool names the external binaries invoked below. Overridable in tests.
var (
	ImageRenderTool = "dcm2jpg"
	PDFTextTool     = "pdftotext"
)

// JPEG renders the pixel data of a DICOM buffer to JPEG bytes by shelling
// out to ImageRenderTool (spec §4.4 step 2, image track).
func JPEG(ctx context.Context, dicomBuf []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, ImageRenderTool, "-", "-")
	cmd.Stdin = bytes.NewReader(dicomBuf)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, classify.Wrap(toKind(err), "rendering JPEG via %s: %s", ImageRenderTool, stderr.String())
	}
	return out.Bytes(), nil
}

// PDFText extracts the text of an embedded PDF (the decoded bytes of the
// EncapsulatedDocument element, spec §4.4 step 2, encapsulated PDF track)
// by shelling out to PDFTextTool.
func PDFText(ctx context.Context, pdfBytes []byte) (string, error) {
	cmd := exec.CommandContext(ctx, PDFTextTool, "-", "-")
	cmd.Stdin = bytes.NewReader(pdfBytes)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", classify.Wrap(toKind(err), "extracting PDF text via %s: %s", PDFTextTool, stderr.String())
	}
	return out.String(), nil
}

// toKind classifies a child-process failure: a missing binary or a context
// cancellation is transient (environment/ops issue, may resolve on retry);
// any other non-zero exit is treated as invalid input (the file itself
// can't be rendered).
func toKind(err error) error {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return classify.Transientf("%v", err)
	}
	if _, ok := err.(*exec.ExitError); ok {
		return classify.InvalidInputf("%v", err)
	}
	return classify.Transientf("%v", err)
}
