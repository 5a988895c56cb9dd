package ingestion

import (
	"context"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.chromium.org/luci/server/router"

	"infra/dcmingest/internal/classify"
)

type fakeProcessor struct {
	inputs []ProcessInput
	err    error
}

func (f *fakeProcessor) ProcessAndPersist(ctx context.Context, in ProcessInput) error {
	f.inputs = append(f.inputs, in)
	return f.err
}

type fakeDownloader struct {
	data map[string][]byte
	err  error
}

func (f *fakeDownloader) Download(ctx context.Context, bucket, name, generation string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.data[bucket+"/"+name], nil
}

func TestStateMachineHandle(t *testing.T) {
	Convey("StateMachine.Handle", t, func() {
		Convey("a delete event skips the download and persists a tombstone", func() {
			proc := &fakeProcessor{}
			sm := &StateMachine{Processor: proc, Store: &fakeDownloader{err: classify.Transientf("should never be called")}}

			err := sm.Handle(router.Context{Context: context.Background()}, ObjectNotification{
				EventType: EventDelete, Bucket: "b", Name: "o.dcm", Generation: "1",
			})
			So(err, ShouldBeNil)
			So(proc.inputs, ShouldHaveLength, 1)
			So(proc.inputs[0].Data, ShouldBeNil)
			So(proc.inputs[0].Path, ShouldEqual, "b/o.dcm")
			So(proc.inputs[0].Event, ShouldEqual, string(EventDelete))
		})

		Convey("an archive event skips the download", func() {
			proc := &fakeProcessor{}
			sm := &StateMachine{Processor: proc, Store: &fakeDownloader{err: classify.Transientf("should never be called")}}

			err := sm.Handle(router.Context{Context: context.Background()}, ObjectNotification{
				EventType: EventArchive, Bucket: "b", Name: "o.zip", Generation: "1",
			})
			So(err, ShouldBeNil)
			So(proc.inputs, ShouldHaveLength, 1)
			So(proc.inputs[0].Data, ShouldBeNil)
		})

		Convey("a finalize event downloads and processes the blob", func() {
			proc := &fakeProcessor{}
			dl := &fakeDownloader{data: map[string][]byte{"b/o.dcm": []byte("dicom-bytes")}}
			now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
			sm := &StateMachine{Processor: proc, Store: dl, Now: func() time.Time { return now }}

			err := sm.Handle(router.Context{Context: context.Background()}, ObjectNotification{
				EventType: EventFinalize, Bucket: "b", Name: "o.dcm", Generation: "9",
			})
			So(err, ShouldBeNil)
			So(proc.inputs, ShouldHaveLength, 1)
			So(proc.inputs[0].Data, ShouldResemble, []byte("dicom-bytes"))
			So(proc.inputs[0].Version, ShouldEqual, "9")
			So(proc.inputs[0].Timestamp, ShouldEqual, now)
		})

		Convey("a metadata_update event routes like finalize", func() {
			proc := &fakeProcessor{}
			dl := &fakeDownloader{data: map[string][]byte{"b/o.dcm": []byte("dicom-bytes")}}
			sm := &StateMachine{Processor: proc, Store: dl}

			err := sm.Handle(router.Context{Context: context.Background()}, ObjectNotification{
				EventType: EventMetadataUpdate, Bucket: "b", Name: "o.dcm", Generation: "1",
			})
			So(err, ShouldBeNil)
			So(proc.inputs, ShouldHaveLength, 1)
			So(proc.inputs[0].Event, ShouldEqual, string(EventMetadataUpdate))
		})

		Convey("a finalized zip archive expands and processes each member sequentially", func() {
			proc := &fakeProcessor{}
			zipData := buildZip(t, map[string]string{"a.dcm": "first", "b.dcm": "second", "skip.txt": "ignored"})
			dl := &fakeDownloader{data: map[string][]byte{"b/archive.zip": zipData}}
			sm := &StateMachine{Processor: proc, Store: dl}

			err := sm.Handle(router.Context{Context: context.Background()}, ObjectNotification{
				EventType: EventFinalize, Bucket: "b", Name: "archive.zip", Generation: "1",
			})
			So(err, ShouldBeNil)
			So(proc.inputs, ShouldHaveLength, 2)
		})

		Convey("an unknown event type is a BadSchema error", func() {
			sm := &StateMachine{Processor: &fakeProcessor{}, Store: &fakeDownloader{}}
			err := sm.Handle(router.Context{Context: context.Background()}, ObjectNotification{
				EventType: "made_up", Bucket: "b", Name: "o.dcm",
			})
			So(err, ShouldNotBeNil)
			So(classify.Classify(err), ShouldEqual, classify.BadSchema)
		})
	})
}

func TestExpandAndProcessArchiveIsolatesPerMemberFailures(t *testing.T) {
	Convey("expandAndProcessArchive continues past a failing member instead of aborting", t, func() {
		zipData := buildZip(t, map[string]string{"a.dcm": "first", "b.dcm": "second"})
		proc := &fakeProcessor{err: classify.InvalidInputf("bad member")}

		err := expandAndProcessArchive(context.Background(), proc, "bucket/archive.zip", "1", string(EventFinalize), zipData, time.Now())
		So(err, ShouldBeNil)
		So(proc.inputs, ShouldHaveLength, 2)
	})
}

func TestDicomwebStateMachineHandle(t *testing.T) {
	Convey("DicomwebStateMachine.Handle", t, func() {
		Convey("downloads and processes the blob", func() {
			proc := &fakeProcessor{}
			d := &DicomwebStateMachine{
				Processor:   proc,
				Downloader:  func(ctx context.Context, path string) ([]byte, error) { return []byte("payload"), nil },
				VersionFunc: func(now time.Time) string { return "v1" },
			}
			err := d.Handle(router.Context{Context: context.Background()}, "studies/1/series/2")
			So(err, ShouldBeNil)
			So(proc.inputs, ShouldHaveLength, 1)
			So(proc.inputs[0].Data, ShouldResemble, []byte("payload"))
			So(proc.inputs[0].Version, ShouldEqual, "v1")
			So(proc.inputs[0].Event, ShouldEqual, "DICOMWEB_STORE")
		})

		Convey("requires a configured downloader", func() {
			d := &DicomwebStateMachine{Processor: &fakeProcessor{}}
			err := d.Handle(router.Context{Context: context.Background()}, "studies/1")
			So(err, ShouldNotBeNil)
		})

		Convey("surfaces a downloader error", func() {
			d := &DicomwebStateMachine{
				Processor: &fakeProcessor{},
				Downloader: func(ctx context.Context, path string) ([]byte, error) {
					return nil, classify.Transientf("network blip")
				},
			}
			err := d.Handle(router.Context{Context: context.Background()}, "studies/1")
			So(err, ShouldNotBeNil)
		})
	})
}
