package ingestion

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"go.chromium.org/luci/common/logging"

	"infra/dcmingest/internal/classify"
	"infra/dcmingest/internal/dicomio"
	"infra/dcmingest/internal/embedding"
	"infra/dcmingest/internal/gcsstore"
	"infra/dcmingest/internal/render"
	"infra/dcmingest/internal/warehouse"
)

// embeddingInput is what one of the three tracks in DicomProcessor.embed
// produces for the vector model, plus enough bookkeeping to fill in
// warehouse.EmbeddingInputInfo regardless of which track produced it.
type embeddingInput struct {
	instance embedding.Instance
	path     string
	size     int64
}

// RowPersister is the narrow interface DicomProcessor needs from the
// warehouse client; satisfied by *warehouse.Inserter and fakeable in tests.
type RowPersister interface {
	Put(ctx context.Context, rows []*warehouse.Row) error
}

// DicomProcessor is the concrete Processor (spec §4.4–§4.6): parse, branch
// by SOP class track, optionally call the embedding endpoint, and persist
// exactly one row per blob.
type DicomProcessor struct {
	DicomOptions dicomio.Options

	// EmbeddingClient is nil when no vector model is configured (spec §6):
	// embedding is then skipped for every item, never aborting the record.
	EmbeddingClient *embedding.Client
	Summarizer      *embedding.Summarizer

	// Store and ArtifactBucket stage the image track's rendered JPEG at
	// "{ArtifactBucket}/{study}/{series}/{instance}.jpg" before it's fed to
	// the embedding endpoint (spec §4.4 step 2).
	Store          *gcsstore.Store
	ArtifactBucket string

	Inserter RowPersister

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func (p *DicomProcessor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// ProcessAndPersist implements Processor.
func (p *DicomProcessor) ProcessAndPersist(ctx context.Context, in ProcessInput) error {
	row := &warehouse.Row{
		ID:        warehouse.DeriveID(in.Path, in.Version),
		Timestamp: in.Timestamp.UTC().Format(time.RFC3339Nano),
		Path:      in.Path,
		Version:   in.Version,
		Info:      warehouse.Info{Event: in.Event},
	}

	if in.Data == nil {
		// delete/archive notifications carry no blob (spec §4.2): the row
		// records the event with no input/embedding detail.
		return p.Inserter.Put(ctx, []*warehouse.Row{row})
	}

	ds, err := dicomio.Parse(in.Data, p.DicomOptions)
	if err != nil {
		return err
	}
	metadataJSON := string(ds.JSON)
	row.Metadata = &metadataJSON
	row.Info.Input = warehouse.InputInfo{Size: int64(len(in.Data)), Type: ds.Identity.SOPClassUID}

	input, err := p.buildEmbeddingInput(ctx, ds, in)
	if err != nil {
		return err
	}
	if input == nil {
		// No embedding track, or a configuration gap (e.g. no summarizer):
		// skip the embedding, not the whole record (spec §4.4 step 3).
		logging.Infof(ctx, "no embedding input for %s: skipping embedding", in.Path)
		return p.Inserter.Put(ctx, []*warehouse.Row{row})
	}

	vec, err := p.EmbeddingClient.Predict(ctx, input.instance)
	if err != nil {
		return classify.Wrap(err, "predicting embedding for %s", in.Path)
	}
	row.EmbeddingVector = vec
	row.Info.Embedding = warehouse.EmbeddingInfo{
		Model: modelFor(input.instance.ModelSource, p.EmbeddingClient),
		Input: warehouse.EmbeddingInputInfo{
			Path:     input.path,
			Size:     input.size,
			MimeType: input.instance.MimeType,
		},
	}

	return p.Inserter.Put(ctx, []*warehouse.Row{row})
}

// buildEmbeddingInput dispatches on the SOP-class track (spec §4.4 step 2)
// and returns nil, nil when there is nothing to embed: no track matched, or
// the embedding client itself isn't configured.
func (p *DicomProcessor) buildEmbeddingInput(ctx context.Context, ds dicomio.Dataset, in ProcessInput) (*embeddingInput, error) {
	if p.EmbeddingClient == nil {
		return nil, nil
	}

	track := dicomio.TrackFor(ds.Identity.SOPClassUID)
	switch track {
	case dicomio.TrackImage:
		return p.embedImage(ctx, ds, in)
	case dicomio.TrackEncapsulatedPDF:
		return p.embedEncapsulatedPDF(ctx, ds, in)
	case dicomio.TrackStructuredReport:
		return p.embedStructuredReport(ctx, in)
	default:
		return nil, nil
	}
}

func (p *DicomProcessor) embedImage(ctx context.Context, ds dicomio.Dataset, in ProcessInput) (*embeddingInput, error) {
	if !dicomio.TransferSyntaxAllowed(ds.Identity.TransferSyntaxUID) {
		// An unsupported transfer syntax skips embedding only, per the same
		// "skip the item, not the record" rule (spec §4.4 step 4).
		logging.Warningf(ctx, "%s: transfer syntax %s not in the image allow-list, skipping embedding",
			in.Path, ds.Identity.TransferSyntaxUID)
		return nil, nil
	}

	jpeg, err := render.JPEG(ctx, in.Data)
	if err != nil {
		return nil, classify.Wrap(err, "rendering image for %s", in.Path)
	}

	artifactPath := fmt.Sprintf("%s/%s/%s.jpg", ds.Identity.StudyInstanceUID, ds.Identity.SeriesInstanceUID, ds.Identity.SOPInstanceUID)
	if p.Store != nil && p.ArtifactBucket != "" {
		if err := p.Store.Upload(ctx, p.ArtifactBucket, artifactPath, "image/jpeg", jpeg); err != nil {
			return nil, classify.Wrap(err, "uploading rendered artifact for %s", in.Path)
		}
	}

	return &embeddingInput{
		instance: embedding.Instance{
			Content:     base64.StdEncoding.EncodeToString(jpeg),
			MimeType:    "image/jpeg",
			ModelSource: "image",
		},
		path: artifactPath,
		size: int64(len(jpeg)),
	}, nil
}

func (p *DicomProcessor) embedEncapsulatedPDF(ctx context.Context, ds dicomio.Dataset, in ProcessInput) (*embeddingInput, error) {
	ref, ok := ds.BulkData["EncapsulatedDocument"]
	if !ok || len(ref.Data) == 0 {
		logging.Warningf(ctx, "%s: no encapsulated document bulk data, skipping embedding", in.Path)
		return nil, nil
	}
	pdfBytes := ref.Data

	text, err := render.PDFText(ctx, pdfBytes)
	if err != nil {
		return nil, classify.Wrap(err, "extracting PDF text for %s", in.Path)
	}
	text, skip, err := p.maybeSummarize(ctx, text)
	if err != nil {
		return nil, classify.Wrap(err, "summarizing PDF text for %s", in.Path)
	}
	if skip {
		logging.Warningf(ctx, "%s: summarizer not configured for oversized text, skipping embedding", in.Path)
		return nil, nil
	}

	return &embeddingInput{
		instance: embedding.Instance{Content: text, MimeType: "text/plain", ModelSource: "text"},
		path:     in.Path,
		size:     int64(len(pdfBytes)),
	}, nil
}

func (p *DicomProcessor) embedStructuredReport(ctx context.Context, in ProcessInput) (*embeddingInput, error) {
	root, err := dicomio.ParseStructuredReportTree(in.Data)
	if err != nil {
		return nil, err
	}
	text := render.WalkStructuredReport(root, render.DefaultSummarizeSwitches())
	if text == "" {
		logging.Warningf(ctx, "%s: structured report had no summarizable text, skipping embedding", in.Path)
		return nil, nil
	}
	text, skip, err := p.maybeSummarize(ctx, text)
	if err != nil {
		return nil, classify.Wrap(err, "summarizing structured report for %s", in.Path)
	}
	if skip {
		logging.Warningf(ctx, "%s: summarizer not configured for oversized text, skipping embedding", in.Path)
		return nil, nil
	}

	return &embeddingInput{
		instance: embedding.Instance{Content: text, MimeType: "text/plain", ModelSource: "text"},
		path:     in.Path,
		size:     int64(len(text)),
	}, nil
}

// maybeSummarize runs text through the Summarizer when one is configured
// and the text is long enough to need it (spec §4.4 step 3). When the text
// needs summarization but no summarizer is configured, skip is true: the
// embedding for this item is omitted rather than fed the raw oversized
// text, per spec §4.4 step 3 ("skipped for this item, not the whole
// record").
func (p *DicomProcessor) maybeSummarize(ctx context.Context, text string) (out string, skip bool, err error) {
	if p.Summarizer == nil || !p.Summarizer.NeedsSummarization(text) {
		return text, false, nil
	}
	if !p.Summarizer.Configured() {
		return "", true, nil
	}
	summarized, err := p.Summarizer.Summarize(ctx, text)
	if err != nil {
		return "", false, err
	}
	return summarized, false, nil
}

func modelFor(modelSource string, c *embedding.Client) string {
	if c == nil {
		return ""
	}
	return fmt.Sprintf("%s:%s", modelSource, c.Model())
}
