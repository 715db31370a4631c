// Package filefinder runs the FileFinder task delegated by ListProcesses:
// it stats and optionally downloads a set of files from a client's agent.
package filefinder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/zstd"

	"github.com/opensandbox/proclist/internal/flow"
	"github.com/opensandbox/proclist/internal/storage"
	"github.com/opensandbox/proclist/pkg/types"
)

// FileSource reaches files on a client's agent.
type FileSource interface {
	StatFile(ctx context.Context, clientID, path string) (*types.FileStat, error)
	ReadFile(ctx context.Context, clientID, path string) ([]byte, error)
}

// BlobStore persists downloaded content.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Finder executes FileFinder requests.
type Finder struct {
	src   FileSource
	blobs BlobStore
	enc   *zstd.Encoder

	// newBackOff returns the retry policy for uploads.
	newBackOff func() backoff.BackOff
}

// New creates a finder. blobs may be nil, in which case downloads are
// verified and reported but not stored.
func New(src FileSource, blobs BlobStore) (*Finder, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}
	return &Finder{
		src:   src,
		blobs: blobs,
		enc:   enc,
		newBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
		},
	}, nil
}

// Close releases the compressor.
func (f *Finder) Close() error {
	return f.enc.Close()
}

// RunFileFinder processes every path and reports one outcome per path in
// request order. The run succeeds only if every path succeeded; an empty
// path list is a successful no-op.
func (f *Finder) RunFileFinder(ctx context.Context, clientID string, args flow.FileFinderArgs) *flow.ChildCompletion {
	done := &flow.ChildCompletion{Success: true}
	failed := 0
	for _, path := range args.Paths {
		if err := ctx.Err(); err != nil {
			done.Success = false
			done.Status = fmt.Sprintf("file finder interrupted: %v", err)
			return done
		}

		out := f.find(ctx, clientID, path, args.Action)
		if !out.Success {
			failed++
			log.Printf("filefinder: %s on %s: %s", path, clientID, out.Status)
		}
		done.Outcomes = append(done.Outcomes, out)
	}

	if failed > 0 {
		done.Success = false
		done.Status = fmt.Sprintf("%d of %d files failed", failed, len(args.Paths))
	}
	return done
}

func (f *Finder) find(ctx context.Context, clientID, path string, action flow.FileFinderAction) flow.DownloadOutcome {
	out := flow.DownloadOutcome{Path: path}

	st, err := f.src.StatFile(ctx, clientID, path)
	if err != nil {
		out.Status = fmt.Sprintf("stat: %v", err)
		return out
	}
	if action == flow.FileFinderDownload {
		if err := f.download(ctx, clientID, st); err != nil {
			out.Status = err.Error()
			return out
		}
	}

	out.Success = true
	out.FileStat = st
	return out
}

// download fetches the file, checks it against the stat digest and stores
// it compressed under its content address. Identical binaries are
// uploaded once.
func (f *Finder) download(ctx context.Context, clientID string, st *types.FileStat) error {
	data, err := f.src.ReadFile(ctx, clientID, st.Path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	switch {
	case st.SHA256 == "":
		st.SHA256 = digest
	case st.SHA256 != digest:
		return fmt.Errorf("content of %s changed while fetching", st.Path)
	}
	if f.blobs == nil {
		return nil
	}

	key := storage.BinaryKey(clientID, st.SHA256)
	exists, err := f.blobs.Exists(ctx, key)
	if err != nil {
		log.Printf("filefinder: %v", err)
	}
	if !exists {
		compressed := f.enc.EncodeAll(data, nil)
		upload := func() error { return f.blobs.Put(ctx, key, compressed) }
		if err := backoff.Retry(upload, backoff.WithContext(f.newBackOff(), ctx)); err != nil {
			return fmt.Errorf("upload: %w", err)
		}
	}
	st.BlobKey = key
	return nil
}
