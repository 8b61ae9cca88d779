package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config configures S3-backed split storage.
type S3Config struct {
	// Bucket holds the split objects.
	Bucket string

	// Region is the bucket's AWS region.
	Region string

	// Endpoint overrides the S3 endpoint (for MinIO and friends).
	Endpoint string

	// Prefix is prepended to every object key.
	Prefix string
}

// S3Storage fetches split byte ranges from an S3 bucket.
type S3Storage struct {
	client *s3.Client
	cfg    S3Config
}

// NewS3Storage creates S3-backed storage using the default AWS credential
// chain.
func NewS3Storage(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Storage{client: client, cfg: cfg}, nil
}

// NewS3StorageWithClient creates S3-backed storage from an existing client.
func NewS3StorageWithClient(client *s3.Client, cfg S3Config) *S3Storage {
	return &S3Storage{client: client, cfg: cfg}
}

// FetchFooter implements Storage.
func (s *S3Storage) FetchFooter(ctx context.Context, splitID string, footerStart, footerEnd uint64) ([]byte, error) {
	return s.FetchRange(ctx, splitID, footerStart, footerEnd)
}

// FetchRange implements Storage.
func (s *S3Storage) FetchRange(ctx context.Context, splitID string, start, end uint64) ([]byte, error) {
	if end <= start {
		return nil, fmt.Errorf("invalid range [%d, %d) for split %s", start, end, splitID)
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(splitID)),
		// HTTP ranges are inclusive on both ends.
		Range: aws.String(fmt.Sprintf("bytes=%d-%d", start, end-1)),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching split %s range [%d, %d): %w", splitID, start, end, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading split %s body: %w", splitID, err)
	}
	return data, nil
}

func (s *S3Storage) key(splitID string) string {
	return s.cfg.Prefix + splitID + ".split"
}
