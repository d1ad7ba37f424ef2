package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/local/ocrpipeline/internal/errs"
)

// localBackend serves plain filesystem paths through the same interface
// the remote backends implement, so the rest of the pipeline never
// branches on where the workspace lives.
type localBackend struct{}

func (b *localBackend) get(ctx context.Context, ref Ref, rng *ByteRange) ([]byte, error) {
	if rng == nil {
		data, err := os.ReadFile(ref.Key)
		if err != nil {
			return nil, classifyFSError("local get", ref, err)
		}
		return data, nil
	}
	f, err := os.Open(ref.Key)
	if err != nil {
		return nil, classifyFSError("local get", ref, err)
	}
	defer f.Close()
	if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek %s: %w", ref.Key, err)
	}
	buf := make([]byte, rng.End-rng.Start+1)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("read %s: %w", ref.Key, err)
	}
	return buf[:n], nil
}

func (b *localBackend) put(ctx context.Context, ref Ref, data []byte) error {
	if dir := filepath.Dir(ref.Key); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(ref.Key, data, 0o644); err != nil {
		return classifyFSError("local put", ref, err)
	}
	return nil
}

func (b *localBackend) stat(ctx context.Context, ref Ref) (Entry, error) {
	fi, err := os.Stat(ref.Key)
	if err != nil {
		return Entry{}, classifyFSError("local stat", ref, err)
	}
	if fi.IsDir() {
		return Entry{}, fmt.Errorf("local stat %s: is a directory: %w", ref.Key, errs.ErrNotFound)
	}
	return Entry{Path: ref.Key, Key: ref.Key, Size: fi.Size()}, nil
}

// list walks every regular file under ref.Key treated as a prefix: a
// directory lists its whole subtree, anything else lists the files in
// the parent directory whose paths start with the prefix. Matches the
// prefix semantics of the object backends.
func (b *localBackend) list(ctx context.Context, ref Ref, fn func(Entry) error) error {
	prefix := ref.Key
	root := prefix
	if fi, err := os.Stat(root); err != nil || !fi.IsDir() {
		root = filepath.Dir(strings.TrimSuffix(prefix, "/"))
	}
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return nil // nothing under a missing prefix
		}
		return classifyFSError("local list", ref, err)
	}
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasPrefix(p, strings.TrimSuffix(prefix, "/")) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return fn(Entry{Path: p, Key: p, Size: fi.Size()})
	})
}

func (b *localBackend) downloadTo(ctx context.Context, ref Ref, localPath string) error {
	if ref.Key == localPath {
		return nil
	}
	src, err := os.Open(ref.Key)
	if err != nil {
		return classifyFSError("local copy", ref, err)
	}
	defer src.Close()
	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy %s: %w", ref.Key, err)
	}
	return nil
}

func (b *localBackend) delete(ctx context.Context, ref Ref) error {
	if err := os.Remove(ref.Key); err != nil {
		return classifyFSError("local delete", ref, err)
	}
	return nil
}

func classifyFSError(op string, ref Ref, err error) error {
	switch {
	case os.IsNotExist(err):
		return fmt.Errorf("%s %s: %w", op, ref.Key, errs.ErrNotFound)
	case os.IsPermission(err):
		return fmt.Errorf("%s %s: %w", op, ref.Key, errs.ErrPermissionDenied)
	default:
		return fmt.Errorf("%s %s: %w", op, ref.Key, err)
	}
}
