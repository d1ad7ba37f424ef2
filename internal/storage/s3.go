package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/local/ocrpipeline/internal/errs"
)

// s3Backend serves s3:// refs through the AWS SDK using the standard
// credential chain.
type s3Backend struct {
	client     *s3.Client
	downloader *manager.Downloader
}

func newS3Backend(ctx context.Context) (*s3Backend, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	cli := s3.NewFromConfig(cfg)
	return &s3Backend{
		client:     cli,
		downloader: manager.NewDownloader(cli),
	}, nil
}

func (b *s3Backend) get(ctx context.Context, ref Ref, rng *ByteRange) ([]byte, error) {
	in := &s3.GetObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	}
	if rng != nil {
		in.Range = aws.String(fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End))
	}
	out, err := b.client.GetObject(ctx, in)
	if err != nil {
		return nil, classifyS3Error("s3 get", ref, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errs.Transient("s3 get", fmt.Errorf("read body of %s: %w", ref.String(), err))
	}
	return data, nil
}

func (b *s3Backend) put(ctx context.Context, ref Ref, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return classifyS3Error("s3 put", ref, err)
	}
	return nil
}

func (b *s3Backend) stat(ctx context.Context, ref Ref) (Entry, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		return Entry{}, classifyS3Error("s3 stat", ref, err)
	}
	return Entry{
		Path: ref.String(),
		Key:  ref.Key,
		Size: aws.ToInt64(out.ContentLength),
		ETag: strings.Trim(aws.ToString(out.ETag), `"`),
	}, nil
}

func (b *s3Backend) list(ctx context.Context, ref Ref, fn func(Entry) error) error {
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(ref.Bucket),
		Prefix: aws.String(ref.Key),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return classifyS3Error("s3 list", ref, err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			e := Entry{
				Path: Ref{Scheme: ref.Scheme, Bucket: ref.Bucket, Key: *obj.Key}.String(),
				Key:  *obj.Key,
				Size: aws.ToInt64(obj.Size),
				ETag: strings.Trim(aws.ToString(obj.ETag), `"`),
			}
			if err := fn(e); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *s3Backend) downloadTo(ctx context.Context, ref Ref, localPath string) error {
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}
	defer f.Close()
	_, err = b.downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		return classifyS3Error("s3 download", ref, err)
	}
	return nil
}

func (b *s3Backend) delete(ctx context.Context, ref Ref) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		return classifyS3Error("s3 delete", ref, err)
	}
	return nil
}

// classifyS3Error maps SDK failures onto the pipeline taxonomy: missing
// keys and denied access are terminal, everything else is assumed
// transient and left to the caller's retry budget.
func classifyS3Error(op string, ref Ref, err error) error {
	var noKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%s %s: %w", op, ref.String(), errs.ErrNotFound)
	}
	msg := err.Error()
	if strings.Contains(msg, "AccessDenied") || strings.Contains(msg, "StatusCode: 403") {
		return fmt.Errorf("%s %s: %w", op, ref.String(), errs.ErrPermissionDenied)
	}
	if strings.Contains(msg, "StatusCode: 404") {
		return fmt.Errorf("%s %s: %w", op, ref.String(), errs.ErrNotFound)
	}
	return errs.Transient(op, fmt.Errorf("%s: %w", ref.String(), err))
}
