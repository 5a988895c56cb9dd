package adminapi

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"infra/dcmingest/internal/warehouse"
)

type fakeUploader struct {
	generation string
	err        error
	calls      int
}

func (f *fakeUploader) UploadObject(ctx context.Context, bucket, name, contentType string, data []byte) (string, error) {
	f.calls++
	return f.generation, f.err
}

type fakeRowByIDFetcher struct {
	readyAfter int
	calls      int
	row        *warehouse.Row
}

func (f *fakeRowByIDFetcher) InstanceByID(ctx context.Context, id string) (*warehouse.Row, error) {
	f.calls++
	if f.calls <= f.readyAfter {
		return nil, errors.New("not found yet")
	}
	return f.row, nil
}

func TestProcessRunnerRun(t *testing.T) {
	Convey("ProcessRunner.Run", t, func() {
		Convey("polls until the row appears, reporting progress", func() {
			uploader := &fakeUploader{generation: "42"}
			fetcher := &fakeRowByIDFetcher{readyAfter: 2, row: &warehouse.Row{ID: "abc"}}
			var progressMsgs []string
			var slept []time.Duration

			runner := &ProcessRunner{
				Store:        uploader,
				Query:        fetcher,
				PollInterval: time.Millisecond,
				MaxWait:      time.Second,
				Sleep:        func(d time.Duration) { slept = append(slept, d) },
			}

			row, err := runner.Run(context.Background(), "b1", "o1.dcm", "application/dicom", []byte("data"), func(msg string) {
				progressMsgs = append(progressMsgs, msg)
			})
			So(err, ShouldBeNil)
			So(row.ID, ShouldEqual, "abc")
			So(uploader.calls, ShouldEqual, 1)
			So(fetcher.calls, ShouldEqual, 3)
			So(slept, ShouldHaveLength, 2)
			So(progressMsgs[0], ShouldContainSubstring, "uploaded gs://b1/o1.dcm")
			So(progressMsgs[len(progressMsgs)-1], ShouldEqual, "ingestion complete")
		})

		Convey("times out when the row never appears", func() {
			uploader := &fakeUploader{generation: "1"}
			fetcher := &fakeRowByIDFetcher{readyAfter: 1000}

			runner := &ProcessRunner{
				Store:        uploader,
				Query:        fetcher,
				PollInterval: time.Millisecond,
				MaxWait:      time.Nanosecond, // deadline has already elapsed by the first check
				Sleep:        func(d time.Duration) {},
			}
			_, err := runner.Run(context.Background(), "b1", "o1.dcm", "application/dicom", []byte("data"), nil)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "timed out")
		})

		Convey("fails without polling when the upload errors", func() {
			uploader := &fakeUploader{err: errors.New("quota exceeded")}
			fetcher := &fakeRowByIDFetcher{}
			runner := &ProcessRunner{Store: uploader, Query: fetcher}
			_, err := runner.Run(context.Background(), "b1", "o1.dcm", "application/dicom", []byte("data"), nil)
			So(err, ShouldNotBeNil)
			So(fetcher.calls, ShouldEqual, 0)
		})

		Convey("respects context cancellation while polling", func() {
			uploader := &fakeUploader{generation: "1"}
			fetcher := &fakeRowByIDFetcher{readyAfter: 1000}
			ctx, cancel := context.WithCancel(context.Background())

			runner := &ProcessRunner{
				Store:        uploader,
				Query:        fetcher,
				PollInterval: time.Millisecond,
				MaxWait:      time.Hour,
				Sleep:        func(d time.Duration) { cancel() },
			}
			_, err := runner.Run(ctx, "b1", "o1.dcm", "application/dicom", []byte("data"), nil)
			So(err, ShouldNotBeNil)
		})
	})
}
