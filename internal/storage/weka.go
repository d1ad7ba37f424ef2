package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/local/ocrpipeline/internal/config"
	"github.com/local/ocrpipeline/internal/errs"
)

// wekaBackend serves weka:// refs: an S3-protocol store behind a fixed
// endpoint with static credentials, spoken through minio-go rather than
// the AWS SDK so the two S3-family schemes can point at different
// deployments in the same process.
type wekaBackend struct {
	client *minio.Client
}

func newWekaBackend(cfg config.StorageConfig) (*wekaBackend, error) {
	if cfg.WekaEndpoint == "" {
		return nil, errs.Validationf("weka init", "WEKA_ENDPOINT_URL not set but a weka:// path was given")
	}
	endpoint := cfg.WekaEndpoint
	secure := strings.HasPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")

	cli, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.WekaAccessKey, cfg.WekaSecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("weka client for %s: %w", endpoint, err)
	}
	return &wekaBackend{client: cli}, nil
}

func (b *wekaBackend) get(ctx context.Context, ref Ref, rng *ByteRange) ([]byte, error) {
	opts := minio.GetObjectOptions{}
	if rng != nil {
		if err := opts.SetRange(rng.Start, rng.End); err != nil {
			return nil, errs.Validationf("weka get", "bad range %d-%d: %v", rng.Start, rng.End, err)
		}
	}
	obj, err := b.client.GetObject(ctx, ref.Bucket, ref.Key, opts)
	if err != nil {
		return nil, classifyWekaError("weka get", ref, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classifyWekaError("weka get", ref, err)
	}
	return data, nil
}

func (b *wekaBackend) put(ctx context.Context, ref Ref, data []byte) error {
	_, err := b.client.PutObject(ctx, ref.Bucket, ref.Key,
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		return classifyWekaError("weka put", ref, err)
	}
	return nil
}

func (b *wekaBackend) stat(ctx context.Context, ref Ref) (Entry, error) {
	info, err := b.client.StatObject(ctx, ref.Bucket, ref.Key, minio.StatObjectOptions{})
	if err != nil {
		return Entry{}, classifyWekaError("weka stat", ref, err)
	}
	return Entry{
		Path: ref.String(),
		Key:  ref.Key,
		Size: info.Size,
		ETag: strings.Trim(info.ETag, `"`),
	}, nil
}

func (b *wekaBackend) list(ctx context.Context, ref Ref, fn func(Entry) error) error {
	objects := b.client.ListObjects(ctx, ref.Bucket, minio.ListObjectsOptions{
		Prefix:    ref.Key,
		Recursive: true,
	})
	for info := range objects {
		if info.Err != nil {
			return classifyWekaError("weka list", ref, info.Err)
		}
		e := Entry{
			Path: Ref{Scheme: ref.Scheme, Bucket: ref.Bucket, Key: info.Key}.String(),
			Key:  info.Key,
			Size: info.Size,
			ETag: strings.Trim(info.ETag, `"`),
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (b *wekaBackend) downloadTo(ctx context.Context, ref Ref, localPath string) error {
	if err := b.client.FGetObject(ctx, ref.Bucket, ref.Key, localPath, minio.GetObjectOptions{}); err != nil {
		return classifyWekaError("weka download", ref, err)
	}
	return nil
}

func (b *wekaBackend) delete(ctx context.Context, ref Ref) error {
	if err := b.client.RemoveObject(ctx, ref.Bucket, ref.Key, minio.RemoveObjectOptions{}); err != nil {
		return classifyWekaError("weka delete", ref, err)
	}
	return nil
}

func classifyWekaError(op string, ref Ref, err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%s %s: %w", op, ref.String(), errs.ErrNotFound)
	case "AccessDenied":
		return fmt.Errorf("%s %s: %w", op, ref.String(), errs.ErrPermissionDenied)
	}
	switch resp.StatusCode {
	case 404:
		return fmt.Errorf("%s %s: %w", op, ref.String(), errs.ErrNotFound)
	case 401, 403:
		return fmt.Errorf("%s %s: %w", op, ref.String(), errs.ErrPermissionDenied)
	}
	return errs.Transient(op, fmt.Errorf("%s: %w", ref.String(), err))
}
