package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/server/router"

	"infra/dcmingest/internal/classify"
)

// Processor is the full DICOM Processor → optional Embedding Client → Row
// Persister pipeline (spec §4.4–§4.6), invoked once per concrete DICOM
// blob.
type Processor interface {
	// ProcessAndPersist handles one concrete DICOM payload at path/version,
	// with the raw bytes already resolved (or nil for delete/archive
	// events, where no download happens).
	ProcessAndPersist(ctx context.Context, in ProcessInput) error
}

// ProcessInput is everything ProcessAndPersist needs for one blob.
type ProcessInput struct {
	Path      string
	Version   string
	Event     string
	Data      []byte // nil for delete/archive
	Timestamp time.Time
}

// Downloader is the narrow gcsstore.Store surface StateMachine needs;
// satisfied by *gcsstore.Store and fakeable in tests.
type Downloader interface {
	Download(ctx context.Context, bucket, name, generation string) ([]byte, error)
}

// StateMachine implements ObjectStoreHandler (spec §4.2); the dicomweb side
// is DicomwebStateMachine.
type StateMachine struct {
	Store     Downloader
	Processor Processor
	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func (sm *StateMachine) now() time.Time {
	if sm.Now != nil {
		return sm.Now()
	}
	return time.Now()
}

// Handle implements ObjectStoreHandler (spec §4.2 object-store table).
func (sm *StateMachine) Handle(ctx router.Context, notif ObjectNotification) error {
	path := fmt.Sprintf("%s/%s", notif.Bucket, notif.Name)

	switch notif.EventType {
	case EventDelete, EventArchive:
		return sm.Processor.ProcessAndPersist(ctx.Context, ProcessInput{
			Path:      path,
			Version:   notif.Generation,
			Event:     string(notif.EventType),
			Data:      nil,
			Timestamp: sm.now(),
		})

	case EventFinalize, EventMetadataUpdate:
		// Rationale (spec §4.2): metadata_update is processed identically
		// to finalize because the remediation path (§4.9) deliberately
		// touches object metadata to re-trigger processing.
		data, err := sm.Store.Download(ctx.Context, notif.Bucket, notif.Name, notif.Generation)
		if err != nil {
			return classify.Wrap(err, "downloading gs://%s/%s", notif.Bucket, notif.Name)
		}
		if strings.HasSuffix(strings.ToLower(notif.Name), ".zip") {
			return expandAndProcessArchive(ctx.Context, sm.Processor, path, notif.Generation, string(notif.EventType), data, sm.now())
		}
		return sm.Processor.ProcessAndPersist(ctx.Context, ProcessInput{
			Path:      path,
			Version:   notif.Generation,
			Event:     string(notif.EventType),
			Data:      data,
			Timestamp: sm.now(),
		})

	default:
		return classify.BadSchemaf("unknown object-store event type %q", notif.EventType)
	}
}

// DicomwebStateMachine implements DicomwebHandler (spec §4.2 dicomweb
// handler). It downloads through the injected Downloader and uses the
// current wall-clock as version — an explicit knob rather than a hardcoded
// assumption, per the §9 open question on DICOMweb versioning.
type DicomwebStateMachine struct {
	Processor  Processor
	Downloader func(ctx context.Context, path string) ([]byte, error)
	Now        func() time.Time
	// VersionFunc overrides the version derivation; defaults to a
	// wall-clock RFC3339Nano timestamp (spec §9 open question).
	VersionFunc func(now time.Time) string
}

func (d *DicomwebStateMachine) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *DicomwebStateMachine) version(now time.Time) string {
	if d.VersionFunc != nil {
		return d.VersionFunc(now)
	}
	return now.UTC().Format(time.RFC3339Nano)
}

// Handle implements DicomwebHandler.
func (d *DicomwebStateMachine) Handle(ctx router.Context, path string) error {
	if d.Downloader == nil {
		return classify.InvalidInputf("no dicomweb downloader configured")
	}
	data, err := d.Downloader(ctx.Context, path)
	if err != nil {
		return classify.Wrap(err, "downloading dicomweb path %s", path)
	}
	now := d.now()
	return d.Processor.ProcessAndPersist(ctx.Context, ProcessInput{
		Path:      path,
		Version:   d.version(now),
		Event:     "DICOMWEB_STORE",
		Data:      data,
		Timestamp: now,
	})
}

// expandAndProcessArchive runs the Archive Expander (spec §4.3) over data
// and runs ProcessAndPersist for each selected member in turn. Members are
// processed strictly sequentially, never concurrently: spec §4.3 and §5
// both require bounding memory and tempdir footprint to one member at a
// time, so a per-member failure is logged and counted but never aborts the
// archive, and the next member never starts until the current one finishes.
func expandAndProcessArchive(ctx context.Context, p Processor, archiveURI, version, event string, data []byte, now time.Time) error {
	var processed, failed int
	err := Expand(archiveURI, data, func(m Member) {
		procErr := p.ProcessAndPersist(ctx, ProcessInput{
			Path:      m.URI,
			Version:   version,
			Event:     event,
			Data:      m.Data,
			Timestamp: now,
		})
		if procErr != nil {
			logging.Warningf(ctx, "archive member %s failed processing: %s", m.URI, procErr)
			failed++
			return
		}
		processed++
	})
	if err != nil {
		// The archive itself didn't parse: a permanent failure for the
		// archive object, reported and not retried (spec §4.3).
		return err
	}
	logging.Infof(ctx, "archive %s: %d member(s) processed, %d failed", archiveURI, processed, failed)
	return nil
}
