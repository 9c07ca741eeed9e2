package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// Config holds S3 configuration for export archiving.
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PathStyle bool
	PublicURL string
}

// S3Archiver uploads exports to an S3 compatible bucket.
type S3Archiver struct {
	client    *s3.Client
	cfg       Config
	pathStyle bool
}

// NewS3Archiver creates an archiver from static credentials.
func NewS3Archiver(cfg Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket cannot be empty")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("s3 credentials not available, set S3_ACCESS_KEY and S3_SECRET_KEY")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	// Endpoint must not contain the bucket name.
	if cfg.Endpoint != "" && strings.Contains(cfg.Endpoint, cfg.Bucket+".") {
		cleaned := strings.Replace(cfg.Endpoint, cfg.Bucket+".", "", 1)
		log.Warn().
			Str("originalEndpoint", cfg.Endpoint).
			Str("cleanedEndpoint", cleaned).
			Str("bucket", cfg.Bucket).
			Msg("Cleaned bucket name from S3 endpoint")
		cfg.Endpoint = cleaned
	}

	// Dotted bucket names break virtual-hosted TLS certificates.
	pathStyle := cfg.PathStyle || strings.Contains(cfg.Bucket, ".")

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = pathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	log.Info().
		Str("bucket", cfg.Bucket).
		Str("region", cfg.Region).
		Str("endpoint", cfg.Endpoint).
		Bool("pathStyle", pathStyle).
		Msg("S3 archiver initialized")
	return &S3Archiver{client: client, cfg: cfg, pathStyle: pathStyle}, nil
}

// Upload stores data under key and returns its public URL.
func (a *S3Archiver) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:             aws.String(a.cfg.Bucket),
		Key:                aws.String(key),
		Body:               bytes.NewReader(data),
		ContentType:        aws.String(contentType),
		ContentDisposition: aws.String("attachment"),
	})
	if err != nil {
		log.Error().
			Err(err).
			Str("key", key).
			Str("bucket", a.cfg.Bucket).
			Int("size", len(data)).
			Msg("Failed to upload export to S3")
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	url := a.PublicURL(key)
	log.Info().Str("key", key).Str("bucket", a.cfg.Bucket).Int("size", len(data)).Str("url", url).Msg("Export uploaded to S3")
	return url, nil
}

// PublicURL builds the URL an object is reachable at.
func (a *S3Archiver) PublicURL(key string) string {
	cfg := a.cfg
	if cfg.PublicURL != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(cfg.PublicURL, "/"), cfg.Bucket, key)
	}

	if cfg.Endpoint != "" && !strings.Contains(cfg.Endpoint, "amazonaws.com") {
		if a.pathStyle {
			return fmt.Sprintf("%s/%s/%s", strings.TrimRight(cfg.Endpoint, "/"), cfg.Bucket, key)
		}
		host := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "https://"), "http://")
		return fmt.Sprintf("https://%s.%s/%s", cfg.Bucket, strings.TrimRight(host, "/"), key)
	}

	if a.pathStyle {
		return fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", cfg.Region, cfg.Bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", cfg.Bucket, cfg.Region, key)
}

// TestConnection lists at most one object to check access to the bucket.
func (a *S3Archiver) TestConnection(ctx context.Context) error {
	_, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(a.cfg.Bucket),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return fmt.Errorf("s3 bucket %s not reachable: %w", a.cfg.Bucket, err)
	}
	return nil
}
