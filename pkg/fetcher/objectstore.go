package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/carrot-ci/carrot/pkg/config"
)

// Compile-time interface check.
var _ backend = (*objectStore)(nil)

// objectStore reads from an S3-compatible API. gs:// locations go
// through the GCS interoperability endpoint with HMAC keys.
type objectStore struct {
	scheme string
	client *s3.Client
}

func newObjectStore(scheme string, cfg *config.ObjectStoreConfig) *objectStore {
	return &objectStore{
		scheme: scheme,
		client: newS3Client(cfg),
	}
}

func (o *objectStore) fetch(
	ctx context.Context, location string,
) (io.ReadCloser, error) {
	bucket, key, err := splitBucketKey(location)
	if err != nil {
		return nil, err
	}

	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting %s object %q: %w", o.scheme, key, err)
	}

	return out.Body, nil
}

func newS3Client(cfg *config.ObjectStoreConfig) *s3.Client {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return s3.New(s3.Options{}, opts...)
}

func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	var nsb *s3types.NoSuchBucket
	if errors.As(err, &nsb) {
		return true
	}

	return strings.Contains(err.Error(), "NoSuchKey")
}
