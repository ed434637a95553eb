package evidence

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archive persists sealed bundles for long-term retrieval.
type Archive interface {
	Put(ctx context.Context, bundle *Bundle) error
	Fetch(ctx context.Context, theatreID, name string) ([]byte, error)
}

// S3ArchiveConfig configures the S3-backed archive. Endpoint supports
// MinIO and LocalStack deployments.
type S3ArchiveConfig struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// S3Archive stores bundle files under <prefix><theatreId>/<name>, keyed
// by theatre so the whole bundle can be listed and fetched together.
type S3Archive struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Archive builds an archive against S3 or an S3-compatible
// endpoint.
func NewS3Archive(ctx context.Context, cfg S3ArchiveConfig) (*S3Archive, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Archive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (a *S3Archive) key(theatreID, name string) string {
	return a.prefix + theatreID + "/" + name
}

// Put uploads every file in the bundle, manifest included. Uploads are
// idempotent: re-archiving an identical bundle overwrites byte-for-byte
// identical objects.
func (a *S3Archive) Put(ctx context.Context, bundle *Bundle) error {
	for name, data := range bundle.Files {
		_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(a.key(bundle.Manifest.TheatreID, name)),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return fmt.Errorf("archive %s for %s: %w", name, bundle.Manifest.TheatreID, err)
		}
	}
	return nil
}

// Fetch retrieves one bundle file by theatre and name.
func (a *S3Archive) Fetch(ctx context.Context, theatreID, name string) ([]byte, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(theatreID, name)),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s for %s: %w", name, theatreID, err)
	}
	defer func() { _ = out.Body.Close() }()

	return io.ReadAll(out.Body)
}

var _ Archive = (*S3Archive)(nil)
