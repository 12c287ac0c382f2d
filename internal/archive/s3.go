package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// putObjectAPI is the slice of the S3 client the archive uses.
type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive mirrors raw provider payloads into a bucket, keyed by date and
// cell. The archive is write-only from the crawler's point of view; the
// normalized row in Postgres stays the source of truth.
type S3Archive struct {
	client putObjectAPI
	bucket string
	prefix string
}

// New loads the default AWS config chain and returns an archive bound to a
// bucket.
func New(ctx context.Context, bucket, prefix string) (*S3Archive, error) {
	if bucket == "" {
		return nil, fmt.Errorf("archive bucket not configured")
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewWithClient(s3.NewFromConfig(cfg), bucket, prefix), nil
}

// NewWithClient wraps an existing client. Tests pass a stub here.
func NewWithClient(client putObjectAPI, bucket, prefix string) *S3Archive {
	return &S3Archive{client: client, bucket: bucket, prefix: prefix}
}

// Put stores one raw payload. Object keys are prefixed with the UTC date so
// bucket lifecycle rules can expire old payloads wholesale.
func (a *S3Archive) Put(ctx context.Context, objectKey string, payload []byte) error {
	key := path.Join(a.prefix, time.Now().UTC().Format("2006-01-02"), objectKey)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	log.Debug().Str("key", key).Int("size", len(payload)).Msg("raw payload archived")
	return nil
}
