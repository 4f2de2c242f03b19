// Package objectstore stores raw data item payloads and assembled bundle
// payloads in an S3-compatible object store.
package objectstore

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"permabundle/internal/config"
	"permabundle/internal/errs"
)

// Store is the object storage surface the upload pipeline depends on.
type Store interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, length int64) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, bucket, key string) (bool, error)
	// Copy moves staged bytes to their content-addressed key once the digest
	// is known. Source and destination live in the same store.
	Copy(ctx context.Context, bucket, srcKey, dstKey string) error
	Delete(ctx context.Context, bucket, key string) error
}

// Key layouts. Raw items stage under staging/ until their id is known.
func RawKey(itemID string) string       { return "raw/" + itemID }
func StagingKey(token string) string    { return "staging/" + token }
func BundleKey(bundleID string) string  { return "bundle/" + bundleID }
func MultipartKey(uploadID string, part int) string {
	return "multipart/" + uploadID + "/" + itoa(part)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b [12]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}

type s3Store struct {
	client *s3.Client
}

// New builds an S3-backed store. The ambient AWS credential chain supplies
// credentials; Endpoint and PathStyle support MinIO-style deployments.
func New(ctx context.Context, cfg *config.ObjectStoreConfig) (Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "load aws config", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return &s3Store{client: client}, nil
}

func (s *s3Store) Put(ctx context.Context, bucket, key string, body io.Reader, length int64) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(length),
	})
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, "object put failed", err)
	}
	return nil
}

func (s *s3Store) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, errs.Newf(errs.KindBadRequest, "object %s/%s not found", bucket, key)
		}
		return nil, errs.Wrap(errs.KindUnavailable, "object get failed", err)
	}
	return out.Body, nil
}

func (s *s3Store) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) || strings.Contains(err.Error(), "NotFound") {
			return false, nil
		}
		return false, errs.Wrap(errs.KindUnavailable, "object head failed", err)
	}
	return true, nil
}

func (s *s3Store) Copy(ctx context.Context, bucket, srcKey, dstKey string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(bucket),
		CopySource: aws.String(bucket + "/" + srcKey),
		Key:        aws.String(dstKey),
	})
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, "object copy failed", err)
	}
	return nil
}

func (s *s3Store) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, "object delete failed", err)
	}
	return nil
}
