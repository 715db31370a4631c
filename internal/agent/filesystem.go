package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/opensandbox/proclist/pkg/types"
)

// StatFile returns file metadata and the SHA-256 of its content.
func (s *Server) StatFile(ctx context.Context, req *StatFileRequest) (*StatFileResponse, error) {
	st, err := statFile(req.Path)
	if err != nil {
		return nil, err
	}
	return &StatFileResponse{Stat: *st}, nil
}

// ReadFile returns the content of a regular file no larger than the
// server's fetch limit.
func (s *Server) ReadFile(ctx context.Context, req *ReadFileRequest) (*ReadFileResponse, error) {
	f, info, err := openRegular(req.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if info.Size() > s.maxFetchBytes {
		return nil, status.Errorf(codes.ResourceExhausted, "%s is %d bytes, limit is %d", req.Path, info.Size(), s.maxFetchBytes)
	}
	// The file may grow between stat and read.
	data, err := io.ReadAll(io.LimitReader(f, s.maxFetchBytes+1))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "read %s: %v", req.Path, err)
	}
	if int64(len(data)) > s.maxFetchBytes {
		return nil, status.Errorf(codes.ResourceExhausted, "%s exceeds %d bytes", req.Path, s.maxFetchBytes)
	}
	return &ReadFileResponse{Content: data}, nil
}

func statFile(path string) (*types.FileStat, error) {
	f, info, err := openRegular(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, status.Errorf(codes.Internal, "hash %s: %v", path, err)
	}
	return &types.FileStat{
		Path:    path,
		Size:    info.Size(),
		Mode:    info.Mode().String(),
		ModTime: info.ModTime().UTC().Format(time.RFC3339),
		SHA256:  hex.EncodeToString(h.Sum(nil)),
	}, nil
}

func openRegular(path string) (*os.File, os.FileInfo, error) {
	if !filepath.IsAbs(path) {
		return nil, nil, status.Errorf(codes.InvalidArgument, "path %q is not absolute", path)
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, nil, fileError(path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fileError(path, err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, status.Errorf(codes.FailedPrecondition, "%s is not a regular file", path)
	}
	return f, info, nil
}

func fileError(path string, err error) error {
	msg := fmt.Sprintf("open %s: %v", path, err)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return status.Error(codes.NotFound, msg)
	case errors.Is(err, fs.ErrPermission):
		return status.Error(codes.PermissionDenied, msg)
	default:
		return status.Error(codes.Internal, msg)
	}
}
