package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/local/ocrpipeline/internal/config"
	"github.com/local/ocrpipeline/internal/errs"
)

// ErrIsFolder marks a globless path that resolves to a prefix with
// children instead of an object.
var ErrIsFolder = errors.New("path appears to be a folder, use a wildcard to match files")

// errStopList aborts a listing early from inside the callback.
var errStopList = errors.New("stop listing")

// ByteRange selects an inclusive byte span of an object.
type ByteRange struct {
	Start int64
	End   int64
}

// Entry describes one stored object.
type Entry struct {
	Path string // scheme-qualified path
	Key  string // key within the bucket (or local path)
	Size int64
	ETag string // S3-family entity tag, quotes stripped; "" when unknown
	MD5  []byte // raw content MD5 when the backend reports one
}

// backend is the per-scheme operation set the Store dispatches to.
type backend interface {
	get(ctx context.Context, ref Ref, rng *ByteRange) ([]byte, error)
	put(ctx context.Context, ref Ref, data []byte) error
	stat(ctx context.Context, ref Ref) (Entry, error)
	// list walks every object under ref.Key as a prefix. Backends
	// propagate fn's errors as-is; the Store layer treats errStopList
	// as a clean early stop.
	list(ctx context.Context, ref Ref, fn func(Entry) error) error
	downloadTo(ctx context.Context, ref Ref, localPath string) error
	delete(ctx context.Context, ref Ref) error
}

// Store unifies object operations across the supported schemes. Backends
// are dialed on first use so local-only runs never touch cloud SDKs.
type Store struct {
	cfg config.StorageConfig

	mu       sync.Mutex
	backends map[Scheme]backend
}

// New builds a Store. No backend connections are made yet.
func New(cfg config.StorageConfig) *Store {
	return &Store{
		cfg:      cfg,
		backends: make(map[Scheme]backend),
	}
}

func (s *Store) backendFor(ctx context.Context, ref Ref) (backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.backends[ref.Scheme]; ok {
		return b, nil
	}
	var (
		b   backend
		err error
	)
	switch ref.Scheme {
	case SchemeS3:
		b, err = newS3Backend(ctx)
	case SchemeWeka:
		b, err = newWekaBackend(s.cfg)
	case SchemeGCS:
		b, err = newGCSBackend(ctx)
	case SchemeLocal:
		b = &localBackend{}
	default:
		return nil, errs.Validationf("storage", "unsupported scheme %q", ref.Scheme)
	}
	if err != nil {
		return nil, err
	}
	s.backends[ref.Scheme] = b
	return b, nil
}

// Get fetches a whole object.
func (s *Store) Get(ctx context.Context, path string) ([]byte, error) {
	return s.getRange(ctx, path, nil)
}

// GetRange fetches an inclusive byte range of an object.
func (s *Store) GetRange(ctx context.Context, path string, start, end int64) ([]byte, error) {
	return s.getRange(ctx, path, &ByteRange{Start: start, End: end})
}

func (s *Store) getRange(ctx context.Context, path string, rng *ByteRange) ([]byte, error) {
	ref := Parse(path)
	b, err := s.backendFor(ctx, ref)
	if err != nil {
		return nil, err
	}
	return b.get(ctx, ref, rng)
}

// GetWithBackoff fetches an object, retrying transient failures with
// exponential backoff. NotFound and PermissionDenied fail immediately.
func (s *Store) GetWithBackoff(ctx context.Context, path string) ([]byte, error) {
	attempts := s.cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var data []byte
	err := retry.Do(
		func() error {
			var err error
			data, err = s.Get(ctx, path)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.Delay(s.cfg.RetryBase),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errs.IsNotFound(err) && !errs.IsPermissionDenied(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Uint("attempt", n+1).Str("path", path).Err(err).Msg("download failed, retrying")
		}),
	)
	if err != nil {
		if errs.IsNotFound(err) || errs.IsPermissionDenied(err) {
			return nil, err
		}
		return nil, errs.Terminal("storage get", fmt.Errorf("download %s failed after %d attempts: %w", path, attempts, err))
	}
	return data, nil
}

// Put writes a whole object, overwriting any previous content.
func (s *Store) Put(ctx context.Context, path string, data []byte) error {
	ref := Parse(path)
	b, err := s.backendFor(ctx, ref)
	if err != nil {
		return err
	}
	return b.put(ctx, ref, data)
}

// Stat describes a single object.
func (s *Store) Stat(ctx context.Context, path string) (Entry, error) {
	ref := Parse(path)
	b, err := s.backendFor(ctx, ref)
	if err != nil {
		return Entry{}, err
	}
	return b.stat(ctx, ref)
}

// Delete removes a single object.
func (s *Store) Delete(ctx context.Context, path string) error {
	ref := Parse(path)
	b, err := s.backendFor(ctx, ref)
	if err != nil {
		return err
	}
	return b.delete(ctx, ref)
}

// List walks every object under the given prefix path.
func (s *Store) List(ctx context.Context, prefix string, fn func(Entry) error) error {
	ref := Parse(prefix)
	b, err := s.backendFor(ctx, ref)
	if err != nil {
		return err
	}
	if err := b.list(ctx, ref, fn); err != nil && !errors.Is(err, errStopList) {
		return err
	}
	return nil
}

// ExpandGlob resolves a path that may contain shell-style wildcards into
// the matching objects, keyed by full path with a backend version tag as
// the value. A bare prefix that only has children underneath reports
// ErrIsFolder; a path matching nothing reports NotFound.
func (s *Store) ExpandGlob(ctx context.Context, pattern string) (map[string]string, error) {
	ref := Parse(pattern)
	b, err := s.backendFor(ctx, ref)
	if err != nil {
		return nil, err
	}

	if wc := strings.IndexAny(ref.Key, "*?["); wc >= 0 {
		re, err := globRegexp(ref.Key)
		if err != nil {
			return nil, errs.Validationf("storage glob", "bad glob pattern %q: %v", pattern, err)
		}
		matched := make(map[string]string)
		listRef := ref.WithKey(ref.Key[:wc])
		err = b.list(ctx, listRef, func(e Entry) error {
			if re.MatchString(e.Key) {
				matched[e.Path] = versionTag(e)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", listRef.String(), err)
		}
		return matched, nil
	}

	// No wildcard: a single object, or a folder given by mistake.
	e, err := b.stat(ctx, ref)
	if err == nil {
		return map[string]string{e.Path: versionTag(e)}, nil
	}
	if !errs.IsNotFound(err) {
		return nil, err
	}
	childPrefix := strings.TrimSuffix(ref.Key, "/") + "/"
	hasChildren := false
	listErr := b.list(ctx, ref.WithKey(childPrefix), func(Entry) error {
		hasChildren = true
		return errStopList
	})
	if listErr != nil && !errors.Is(listErr, errStopList) {
		return nil, listErr
	}
	if hasChildren {
		return nil, fmt.Errorf("%q: %w", pattern, ErrIsFolder)
	}
	return nil, fmt.Errorf("no object or prefix found at %q: %w", pattern, errs.ErrNotFound)
}

// SyncDirectory mirrors every object under remotePrefix into localDir,
// downloading only entries whose local copy is missing or differs by the
// backend's equality check. Downloads run with bounded concurrency.
func (s *Store) SyncDirectory(ctx context.Context, remotePrefix, localDir string) error {
	ref := Parse(remotePrefix)
	b, err := s.backendFor(ctx, ref)
	if err != nil {
		return err
	}
	prefix := strings.TrimSuffix(ref.Key, "/")
	if prefix != "" {
		prefix += "/"
	}

	var entries []Entry
	if err := b.list(ctx, ref.WithKey(prefix), func(e Entry) error {
		if strings.HasSuffix(e.Key, "/") {
			return nil // folder marker
		}
		entries = append(entries, e)
		return nil
	}); err != nil {
		return fmt.Errorf("list %s: %w", remotePrefix, err)
	}

	workers := s.cfg.SyncWorkers
	if workers <= 0 {
		workers = 1
	}
	var downloaded, skipped atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, e := range entries {
		e := e // per-iteration copy; module builds as go 1.21 where range vars are shared
		rel := strings.TrimPrefix(e.Key, prefix)
		if rel == "" {
			continue
		}
		localPath := filepath.Join(localDir, filepath.FromSlash(rel))
		g.Go(func() error {
			if upToDate(e, localPath) {
				skipped.Add(1)
				return nil
			}
			if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
				return fmt.Errorf("create dir for %s: %w", localPath, err)
			}
			if err := b.downloadTo(gctx, ref.WithKey(e.Key), localPath); err != nil {
				return fmt.Errorf("download %s: %w", e.Path, err)
			}
			downloaded.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().
		Str("prefix", remotePrefix).
		Str("local_dir", localDir).
		Int64("downloaded", downloaded.Load()).
		Int64("skipped", skipped.Load()).
		Msg("directory sync complete")
	return nil
}

// upToDate reports whether the local file already matches the remote
// entry. Backends that report a content MD5 compare hashes; S3-family
// multipart uploads (ETag with a "-") fall back to size comparison since
// no whole-object hash exists for them.
func upToDate(e Entry, localPath string) bool {
	fi, err := os.Stat(localPath)
	if err != nil {
		return false
	}
	if len(e.MD5) > 0 {
		sum, err := fileMD5(localPath)
		return err == nil && bytes.Equal(sum, e.MD5)
	}
	etag := strings.Trim(e.ETag, `"`)
	if etag == "" || strings.Contains(etag, "-") {
		return fi.Size() == e.Size
	}
	sum, err := fileMD5(localPath)
	return err == nil && hex.EncodeToString(sum) == etag
}

func fileMD5(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

func versionTag(e Entry) string {
	if len(e.MD5) > 0 {
		return base64.StdEncoding.EncodeToString(e.MD5)
	}
	return strings.Trim(e.ETag, `"`)
}

// globRegexp converts a shell-style glob to a regexp. Unlike path.Match,
// "*" crosses "/" boundaries, which listing full object keys requires.
func globRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '[':
			j := i + 1
			if j < len(pattern) && (pattern[j] == '!' || pattern[j] == '^') {
				j++
			}
			if j < len(pattern) && pattern[j] == ']' {
				j++
			}
			for j < len(pattern) && pattern[j] != ']' {
				j++
			}
			if j >= len(pattern) {
				b.WriteString(regexp.QuoteMeta("["))
			} else {
				set := pattern[i+1 : j]
				if strings.HasPrefix(set, "!") {
					set = "^" + set[1:]
				}
				b.WriteString("[" + set + "]")
				i = j
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
