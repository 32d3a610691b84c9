// Package local implements the storage backend adapter for a local filesystem
// root.
package local

import (
	"context"
	"crypto/sha256"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/zeebo/errs"

	"github.com/benediktbwimmer/apphub-sub012/backend"
)

// Error is the errs class for local backend failures.
var Error = errs.Class("local backend")

// Store is a backend.Adapter bound to a directory root.
type Store struct {
	root string
}

// New creates a Store rooted at the given directory. The directory is created
// if it does not exist.
func New(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, Error.Wrap(err)
	}
	return &Store{root: abs}, nil
}

// Driver implements backend.Adapter.
func (store *Store) Driver() string { return backend.DriverLocal }

// Root returns the absolute root directory.
func (store *Store) Root() string { return store.root }

func (store *Store) resolve(p string) (string, error) {
	rel, err := backend.ResolvePath(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(store.root, filepath.FromSlash(rel)), nil
}

// Stat implements backend.Adapter. Missing paths report Exists=false without
// an error. For files the checksum is computed from the content.
func (store *Store) Stat(ctx context.Context, p string) (backend.StatInfo, error) {
	abs, err := store.resolve(p)
	if err != nil {
		return backend.StatInfo{}, err
	}
	fi, err := os.Stat(abs)
	if os.IsNotExist(err) {
		return backend.StatInfo{Exists: false}, nil
	}
	if err != nil {
		return backend.StatInfo{}, Error.Wrap(err)
	}

	info := backend.StatInfo{
		Exists:       true,
		LastModified: fi.ModTime().UTC(),
	}
	if fi.IsDir() {
		info.Kind = backend.KindDirectory
		return info, nil
	}

	info.Kind = backend.KindFile
	info.SizeBytes = fi.Size()
	info.Checksum, err = checksumFile(abs)
	if err != nil {
		return backend.StatInfo{}, Error.Wrap(err)
	}
	return info, nil
}

func checksumFile(abs string) (string, error) {
	f, err := os.Open(abs)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return backend.FormatChecksum(h.Sum(nil)), nil
}

// ReadStream implements backend.Adapter.
func (store *Store) ReadStream(ctx context.Context, p string) (io.ReadCloser, error) {
	abs, err := store.resolve(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs)
	if os.IsNotExist(err) {
		return nil, backend.ErrNotFound.New("%s", p)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return f, nil
}

// WriteBlob implements backend.Adapter. The blob is written to a temporary
// file next to the destination and renamed into place, so readers never
// observe a partial write.
func (store *Store) WriteBlob(ctx context.Context, p string, r io.Reader) (backend.WriteResult, error) {
	abs, err := store.resolve(p)
	if err != nil {
		return backend.WriteResult{}, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return backend.WriteResult{}, Error.Wrap(err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(abs), ".upload-*")
	if err != nil {
		return backend.WriteResult{}, Error.Wrap(err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	check := backend.NewChecksumWriter()
	if _, err := io.Copy(io.MultiWriter(tmp, check), r); err != nil {
		return backend.WriteResult{}, Error.Wrap(err)
	}
	if err := tmp.Sync(); err != nil {
		return backend.WriteResult{}, Error.Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		return backend.WriteResult{}, Error.Wrap(err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return backend.WriteResult{}, Error.Wrap(err)
	}
	tmpName = ""

	return backend.WriteResult{
		SizeBytes: check.SizeBytes(),
		Checksum:  check.Checksum(),
	}, nil
}

// EnsureDirectory implements backend.Adapter.
func (store *Store) EnsureDirectory(ctx context.Context, p string) error {
	abs, err := store.resolve(p)
	if err != nil {
		return err
	}
	return Error.Wrap(os.MkdirAll(abs, 0o755))
}

// List implements backend.Adapter.
func (store *Store) List(ctx context.Context, p string) ([]backend.ListEntry, error) {
	abs, err := store.resolve(p)
	if err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(abs)
	if os.IsNotExist(err) {
		return nil, backend.ErrNotFound.New("%s", p)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}

	entries := make([]backend.ListEntry, 0, len(dirents))
	for _, d := range dirents {
		kind := backend.KindFile
		if d.IsDir() {
			kind = backend.KindDirectory
		}
		entries = append(entries, backend.ListEntry{Name: d.Name(), Kind: kind})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Delete implements backend.Adapter.
func (store *Store) Delete(ctx context.Context, p string, recursive bool) error {
	abs, err := store.resolve(p)
	if err != nil {
		return err
	}
	if recursive {
		return Error.Wrap(os.RemoveAll(abs))
	}
	err = os.Remove(abs)
	if os.IsNotExist(err) {
		return nil
	}
	return Error.Wrap(err)
}

// Move implements backend.Adapter.
func (store *Store) Move(ctx context.Context, src, dst string) error {
	absSrc, err := store.resolve(src)
	if err != nil {
		return err
	}
	absDst, err := store.resolve(dst)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(absDst), 0o755); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(os.Rename(absSrc, absDst))
}

// Copy implements backend.Adapter.
func (store *Store) Copy(ctx context.Context, src, dst string) error {
	absSrc, err := store.resolve(src)
	if err != nil {
		return err
	}
	absDst, err := store.resolve(dst)
	if err != nil {
		return err
	}
	return Error.Wrap(copyTree(ctx, absSrc, absDst))
}

func copyTree(ctx context.Context, src, dst string) error {
	fi, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return copyFile(src, dst)
	}

	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	dirents, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, d := range dirents {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := copyTree(ctx, filepath.Join(src, d.Name()), filepath.Join(dst, d.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.CreateTemp(filepath.Dir(dst), ".copy-*")
	if err != nil {
		return err
	}
	name := out.Name()
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(name)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	return os.Rename(name, dst)
}
