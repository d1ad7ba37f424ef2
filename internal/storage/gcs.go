package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	gstorage "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/local/ocrpipeline/internal/errs"
)

// gcsBackend serves gs:// refs through the Google Cloud client using
// application default credentials.
type gcsBackend struct {
	client *gstorage.Client
}

func newGCSBackend(ctx context.Context) (*gcsBackend, error) {
	cli, err := gstorage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &gcsBackend{client: cli}, nil
}

func (b *gcsBackend) object(ref Ref) *gstorage.ObjectHandle {
	return b.client.Bucket(ref.Bucket).Object(ref.Key)
}

func (b *gcsBackend) get(ctx context.Context, ref Ref, rng *ByteRange) ([]byte, error) {
	var (
		r   *gstorage.Reader
		err error
	)
	if rng != nil {
		r, err = b.object(ref).NewRangeReader(ctx, rng.Start, rng.End-rng.Start+1)
	} else {
		r, err = b.object(ref).NewReader(ctx)
	}
	if err != nil {
		return nil, classifyGCSError("gcs get", ref, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errs.Transient("gcs get", fmt.Errorf("read body of %s: %w", ref.String(), err))
	}
	return data, nil
}

func (b *gcsBackend) put(ctx context.Context, ref Ref, data []byte) error {
	w := b.object(ref).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return classifyGCSError("gcs put", ref, err)
	}
	// Upload errors surface on Close.
	if err := w.Close(); err != nil {
		return classifyGCSError("gcs put", ref, err)
	}
	return nil
}

func (b *gcsBackend) stat(ctx context.Context, ref Ref) (Entry, error) {
	attrs, err := b.object(ref).Attrs(ctx)
	if err != nil {
		return Entry{}, classifyGCSError("gcs stat", ref, err)
	}
	return Entry{
		Path: ref.String(),
		Key:  ref.Key,
		Size: attrs.Size,
		MD5:  attrs.MD5,
	}, nil
}

func (b *gcsBackend) list(ctx context.Context, ref Ref, fn func(Entry) error) error {
	it := b.client.Bucket(ref.Bucket).Objects(ctx, &gstorage.Query{Prefix: ref.Key})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return classifyGCSError("gcs list", ref, err)
		}
		e := Entry{
			Path: Ref{Scheme: ref.Scheme, Bucket: ref.Bucket, Key: attrs.Name}.String(),
			Key:  attrs.Name,
			Size: attrs.Size,
			MD5:  attrs.MD5,
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

func (b *gcsBackend) downloadTo(ctx context.Context, ref Ref, localPath string) error {
	r, err := b.object(ref).NewReader(ctx)
	if err != nil {
		return classifyGCSError("gcs download", ref, err)
	}
	defer r.Close()
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return classifyGCSError("gcs download", ref, err)
	}
	return nil
}

func (b *gcsBackend) delete(ctx context.Context, ref Ref) error {
	if err := b.object(ref).Delete(ctx); err != nil {
		return classifyGCSError("gcs delete", ref, err)
	}
	return nil
}

func classifyGCSError(op string, ref Ref, err error) error {
	if errors.Is(err, gstorage.ErrObjectNotExist) || errors.Is(err, gstorage.ErrBucketNotExist) {
		return fmt.Errorf("%s %s: %w", op, ref.String(), errs.ErrNotFound)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 404:
			return fmt.Errorf("%s %s: %w", op, ref.String(), errs.ErrNotFound)
		case 401, 403:
			return fmt.Errorf("%s %s: %w", op, ref.String(), errs.ErrPermissionDenied)
		}
	}
	return errs.Transient(op, fmt.Errorf("%s: %w", ref.String(), err))
}
