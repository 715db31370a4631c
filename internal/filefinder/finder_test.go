package filefinder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/zstd"

	"github.com/opensandbox/proclist/internal/flow"
	"github.com/opensandbox/proclist/pkg/types"
)

type fakeSource struct {
	files map[string]string
	reads int
}

func (s *fakeSource) StatFile(ctx context.Context, clientID, path string) (*types.FileStat, error) {
	content, ok := s.files[path]
	if !ok {
		return nil, errors.New("not found")
	}
	sum := sha256.Sum256([]byte(content))
	return &types.FileStat{Path: path, Size: int64(len(content)), SHA256: hex.EncodeToString(sum[:])}, nil
}

func (s *fakeSource) ReadFile(ctx context.Context, clientID, path string) ([]byte, error) {
	s.reads++
	content, ok := s.files[path]
	if !ok {
		return nil, errors.New("not found")
	}
	return []byte(content), nil
}

type fakeBlobs struct {
	objects  map[string][]byte
	failPuts int
	puts     int
}

func (b *fakeBlobs) Put(ctx context.Context, key string, data []byte) error {
	b.puts++
	if b.failPuts > 0 {
		b.failPuts--
		return errors.New("slow down")
	}
	b.objects[key] = data
	return nil
}

func (b *fakeBlobs) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := b.objects[key]
	return ok, nil
}

func newTestFinder(t *testing.T, src FileSource, blobs BlobStore) *Finder {
	t.Helper()
	f, err := New(src, blobs)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	f.newBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestRunFileFinderDownload(t *testing.T) {
	src := &fakeSource{files: map[string]string{"/bin/a": "alpha", "/bin/b": "beta"}}
	blobs := &fakeBlobs{objects: map[string][]byte{}}
	f := newTestFinder(t, src, blobs)

	done := f.RunFileFinder(context.Background(), "c1", flow.FileFinderArgs{
		Paths:  []string{"/bin/a", "/bin/b"},
		Action: flow.FileFinderDownload,
	})
	if !done.Success {
		t.Fatalf("expected success, got %q", done.Status)
	}
	if len(done.Outcomes) != 2 || done.Outcomes[0].Path != "/bin/a" || done.Outcomes[1].Path != "/bin/b" {
		t.Fatalf("unexpected outcomes: %+v", done.Outcomes)
	}

	st := done.Outcomes[0].FileStat
	if !strings.HasPrefix(st.BlobKey, "binaries/c1/") || !strings.HasSuffix(st.BlobKey, ".zst") {
		t.Errorf("unexpected blob key %s", st.BlobKey)
	}
	stored, ok := blobs.objects[st.BlobKey]
	if !ok {
		t.Fatalf("expected %s to be uploaded", st.BlobKey)
	}
	dec, _ := zstd.NewReader(nil)
	defer dec.Close()
	plain, err := dec.DecodeAll(stored, nil)
	if err != nil || string(plain) != "alpha" {
		t.Errorf("expected stored content alpha, got %q (%v)", plain, err)
	}
}

func TestRunFileFinderDedupsUploads(t *testing.T) {
	src := &fakeSource{files: map[string]string{"/bin/a": "same", "/usr/bin/a": "same"}}
	blobs := &fakeBlobs{objects: map[string][]byte{}}
	f := newTestFinder(t, src, blobs)

	done := f.RunFileFinder(context.Background(), "c1", flow.FileFinderArgs{
		Paths:  []string{"/bin/a", "/usr/bin/a"},
		Action: flow.FileFinderDownload,
	})
	if !done.Success {
		t.Fatalf("expected success, got %q", done.Status)
	}
	if blobs.puts != 1 {
		t.Errorf("expected a single upload for identical content, got %d", blobs.puts)
	}
	if done.Outcomes[0].FileStat.BlobKey != done.Outcomes[1].FileStat.BlobKey {
		t.Error("identical content should share a blob key")
	}
}

func TestRunFileFinderPartialFailure(t *testing.T) {
	src := &fakeSource{files: map[string]string{"/bin/a": "alpha"}}
	f := newTestFinder(t, src, nil)

	done := f.RunFileFinder(context.Background(), "c1", flow.FileFinderArgs{
		Paths:  []string{"/bin/a", "/bin/missing"},
		Action: flow.FileFinderDownload,
	})
	if done.Success {
		t.Fatal("expected failure when a path fails")
	}
	if done.Status != "1 of 2 files failed" {
		t.Errorf("unexpected status %q", done.Status)
	}
	if !done.Outcomes[0].Success || done.Outcomes[0].FileStat.BlobKey != "" {
		t.Errorf("expected first outcome to succeed without storage: %+v", done.Outcomes[0])
	}
	if done.Outcomes[1].Success || !strings.Contains(done.Outcomes[1].Status, "not found") {
		t.Errorf("unexpected second outcome: %+v", done.Outcomes[1])
	}
}

func TestRunFileFinderUploadRetry(t *testing.T) {
	src := &fakeSource{files: map[string]string{"/bin/a": "alpha"}}
	blobs := &fakeBlobs{objects: map[string][]byte{}, failPuts: 2}
	f := newTestFinder(t, src, blobs)

	done := f.RunFileFinder(context.Background(), "c1", flow.FileFinderArgs{Paths: []string{"/bin/a"}, Action: flow.FileFinderDownload})
	if !done.Success {
		t.Fatalf("expected upload to succeed after retries, got %q", done.Status)
	}
	if blobs.puts != 3 {
		t.Errorf("expected 3 upload attempts, got %d", blobs.puts)
	}

	blobs = &fakeBlobs{objects: map[string][]byte{}, failPuts: 10}
	f = newTestFinder(t, src, blobs)
	done = f.RunFileFinder(context.Background(), "c1", flow.FileFinderArgs{Paths: []string{"/bin/a"}, Action: flow.FileFinderDownload})
	if done.Success || !strings.Contains(done.Outcomes[0].Status, "upload") {
		t.Errorf("expected upload failure, got %+v", done.Outcomes[0])
	}
}

func TestRunFileFinderStatOnly(t *testing.T) {
	src := &fakeSource{files: map[string]string{"/bin/a": "alpha"}}
	f := newTestFinder(t, src, nil)

	done := f.RunFileFinder(context.Background(), "c1", flow.FileFinderArgs{Paths: []string{"/bin/a"}, Action: flow.FileFinderStat})
	if !done.Success || done.Outcomes[0].FileStat.Size != 5 {
		t.Errorf("unexpected result: %+v", done)
	}
	if src.reads != 0 {
		t.Errorf("stat must not read content, got %d reads", src.reads)
	}
}

func TestRunFileFinderNoPaths(t *testing.T) {
	f := newTestFinder(t, &fakeSource{}, nil)
	done := f.RunFileFinder(context.Background(), "c1", flow.FileFinderArgs{Action: flow.FileFinderDownload})
	if !done.Success || len(done.Outcomes) != 0 {
		t.Errorf("expected successful no-op, got %+v", done)
	}
}
