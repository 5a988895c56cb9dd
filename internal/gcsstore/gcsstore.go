// Package gcsstore wraps the object-store client used for DICOM downloads,
// processed-artifact uploads, and the metadata-touch reprocessing trigger
// (spec §4.9). Kept thin and dependency-injected (spec §9 design note:
// "replace module-level mutable singletons with explicit dependency
// injection at server construction").
package gcsstore

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"go.chromium.org/luci/common/errors"

	"infra/dcmingest/internal/classify"
)

// Store is the dependency-injected handle to Google Cloud Storage.
type Store struct {
	client *storage.Client
}

// New constructs a Store. Callers own the returned Store's lifetime and
// must call Close when the server shuts down (spec §9: "lifetime tied to
// the server; a teardown call releases both").
func New(ctx context.Context) (*Store, error) {
	c, err := storage.NewClient(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "creating storage client").Err()
	}
	return &Store{client: c}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Download reads the full contents of bucket/name at the given generation
// ("" for latest). Object-not-found classifies as InvalidInput (the
// notification pointed at a bucket path that doesn't exist, spec §4.7);
// every other error, permission errors included, is Transient.
func (s *Store) Download(ctx context.Context, bucket, name, generation string) ([]byte, error) {
	obj := s.client.Bucket(bucket).Object(name)
	if generation != "" {
		gen, err := parseGeneration(generation)
		if err != nil {
			return nil, classify.InvalidInputf("invalid generation %q: %v", generation, err)
		}
		obj = obj.Generation(gen)
	}
	r, err := obj.NewReader(ctx)
	if err != nil {
		return nil, classifyObjectErr(err, bucket, name)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, classify.Transientf("reading gs://%s/%s: %v", bucket, name, err)
	}
	return data, nil
}

// Exists reports whether bucket/name is present (spec §4.9: "verify
// existence in the object store").
func (s *Store) Exists(ctx context.Context, bucket, name string) (bool, error) {
	_, err := s.client.Bucket(bucket).Object(name).Attrs(ctx)
	if err == storage.ErrObjectNotExist {
		return false, nil
	}
	if err != nil {
		return false, classify.Transientf("checking gs://%s/%s: %v", bucket, name, err)
	}
	return true, nil
}

// Touch sets a custom metadata key on bucket/name, which the object store
// observes as a metadata_update notification (spec §4.9, §6 write-back
// protocol). The key is always "reprocess", valued with the current time.
func (s *Store) Touch(ctx context.Context, bucket, name string) error {
	_, err := s.client.Bucket(bucket).Object(name).Update(ctx, storage.ObjectAttrsToUpdate{
		Metadata: map[string]string{"reprocess": time.Now().UTC().Format(time.RFC3339Nano)},
	})
	if err != nil {
		return classifyObjectErr(err, bucket, name)
	}
	return nil
}

// Upload writes data to bucket/name with the given content type (spec
// §4.4: processed-artifact upload to "{study}/{series}/{instance}.jpg").
func (s *Store) Upload(ctx context.Context, bucket, name, contentType string, data []byte) error {
	_, err := s.UploadObject(ctx, bucket, name, contentType, data)
	return err
}

// UploadObject is Upload, additionally returning the object-store generation
// assigned to the write — the version a subsequent notification for this
// object will carry (spec §9 "process.run", which uploads a user blob and
// then waits for the row the generation it was assigned produces).
func (s *Store) UploadObject(ctx context.Context, bucket, name, contentType string, data []byte) (generation string, err error) {
	w := s.client.Bucket(bucket).Object(name).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", classify.Transientf("writing gs://%s/%s: %v", bucket, name, err)
	}
	if err := w.Close(); err != nil {
		return "", classifyObjectErr(err, bucket, name)
	}
	return fmt.Sprintf("%d", w.Attrs().Generation), nil
}

// ParseURI splits a canonical "bucket/name" or "gs://bucket/name" object
// URI into its parts (spec §4.4 step 5, §6).
func ParseURI(uri string) (bucket, name string, err error) {
	trimmed := strings.TrimPrefix(uri, "gs://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", classify.InvalidInputf("invalid GCS URI %q", uri)
	}
	return parts[0], parts[1], nil
}

func classifyObjectErr(err error, bucket, name string) error {
	if err == storage.ErrObjectNotExist {
		return classify.InvalidInputf("gs://%s/%s not found", bucket, name)
	}
	return classify.Transientf("gs://%s/%s: %v", bucket, name, err)
}

func parseGeneration(s string) (int64, error) {
	var gen int64
	_, err := fmt.Sscanf(s, "%d", &gen)
	return gen, err
}
