// Package backend defines the adapter contract for physical storage backends.
//
// A backend stores the artifacts that the metadata layer tracks. Adapters are
// dispatched on an explicit driver tag, currently "local" and "s3".
package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"

	"github.com/zeebo/errs"
)

var (
	// Error is the default backend errs class.
	Error = errs.Class("backend")
	// ErrInvalidPath is returned for paths that escape the adapter root.
	ErrInvalidPath = errs.Class("invalid path")
	// ErrNotFound is returned when an artifact does not exist.
	ErrNotFound = errs.Class("artifact not found")
	// ErrUnavailable is returned when the backend cannot be reached.
	ErrUnavailable = errs.Class("backend unavailable")
)

// Driver tags for adapter dispatch.
const (
	DriverLocal = "local"
	DriverS3    = "s3"
)

// Kind describes what an artifact is.
type Kind string

// Artifact kinds.
const (
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
)

// StatInfo is the result of probing a path.
//
// A missing path is not an error: Exists is false and the other
// fields are zero.
type StatInfo struct {
	Exists       bool
	Kind         Kind
	SizeBytes    int64
	LastModified time.Time
	Checksum     string
}

// WriteResult describes a completed blob write.
type WriteResult struct {
	SizeBytes int64
	Checksum  string
}

// ListEntry is a single child of a listed directory.
type ListEntry struct {
	Name string
	Kind Kind
}

// Adapter is the capability set a storage backend must provide. All paths are
// relative, slash separated and already normalized by the caller.
type Adapter interface {
	// Driver returns the driver tag of this adapter.
	Driver() string

	// Stat probes a path. It does not return an error for missing paths.
	Stat(ctx context.Context, path string) (StatInfo, error)
	// ReadStream opens a lazy byte stream for a stored blob.
	ReadStream(ctx context.Context, path string) (io.ReadCloser, error)
	// WriteBlob atomically stores the contents of r under path.
	WriteBlob(ctx context.Context, path string, r io.Reader) (WriteResult, error)
	// EnsureDirectory makes path exist as a directory.
	EnsureDirectory(ctx context.Context, path string) error
	// List enumerates the immediate children of a directory path.
	List(ctx context.Context, path string) ([]ListEntry, error)
	// Delete removes a path. Non-empty directories require recursive.
	Delete(ctx context.Context, path string, recursive bool) error
	// Move renames src to dst, including any descendants.
	Move(ctx context.Context, src, dst string) error
	// Copy duplicates src to dst, including any descendants.
	Copy(ctx context.Context, src, dst string) error
}

// ChecksumWriter accumulates a sha256 checksum over written bytes.
type ChecksumWriter struct {
	hash  io.Writer
	sum   func() []byte
	count int64
}

// NewChecksumWriter creates a ChecksumWriter.
func NewChecksumWriter() *ChecksumWriter {
	h := sha256.New()
	return &ChecksumWriter{hash: h, sum: func() []byte { return h.Sum(nil) }}
}

// Write implements io.Writer.
func (w *ChecksumWriter) Write(p []byte) (int, error) {
	n, err := w.hash.Write(p)
	w.count += int64(n)
	return n, err
}

// SizeBytes returns the number of bytes written so far.
func (w *ChecksumWriter) SizeBytes() int64 { return w.count }

// Checksum returns the accumulated checksum in "sha256:<hex>" form.
func (w *ChecksumWriter) Checksum() string {
	return FormatChecksum(w.sum())
}

// FormatChecksum renders a raw sha256 digest in the canonical "sha256:<hex>"
// form used throughout the metadata layer.
func FormatChecksum(digest []byte) string {
	return "sha256:" + hex.EncodeToString(digest)
}

// ChecksumBytes returns the canonical checksum of a byte slice.
func ChecksumBytes(data []byte) string {
	digest := sha256.Sum256(data)
	return FormatChecksum(digest[:])
}
