package writer

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "ladderflow/config"
	"ladderflow/logger"
)

// Uploader pushes exported parquet files to S3 when storage is enabled.
type Uploader struct {
	config   *appconfig.Config
	s3Client *s3.Client
	log      *logger.Log
}

// NewUploader builds an S3 client from the storage configuration. Static
// credentials take precedence over the default provider chain when both the
// access key and secret are set.
func NewUploader(cfg *appconfig.Config) (*Uploader, error) {
	log := logger.GetLogger()

	ctx := context.Background()

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("s3_uploader").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	log.WithComponent("s3_uploader").WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
	}).Info("s3 uploader initialized")

	return &Uploader{
		config:   cfg,
		s3Client: s3Client,
		log:      log,
	}, nil
}

// ObjectKey builds the bucket key for an exported file, partitioned by market
// and date under the configured prefix.
func (u *Uploader) ObjectKey(marketID, filename string, t time.Time) string {
	parts := []string{}
	if u.config.Storage.S3.Prefix != "" {
		parts = append(parts, u.config.Storage.S3.Prefix)
	}
	parts = append(parts,
		fmt.Sprintf("market=%s", marketID),
		fmt.Sprintf("date=%s", t.UTC().Format("2006-01-02")),
		filename,
	)

	// Convert to forward slashes for S3
	return filepath.ToSlash(filepath.Join(parts...))
}

// Upload writes the data to the configured bucket under the given key.
func (u *Uploader) Upload(ctx context.Context, key string, data []byte) error {
	log := u.log.WithComponent("s3_uploader").WithFields(logger.Fields{
		"operation": "upload_to_s3",
		"s3_key":    key,
		"data_size": len(data),
	})
	log.Info("uploading to S3")

	input := &s3.PutObjectInput{
		Bucket:      aws.String(u.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":       "parquet",
			"compression":        u.config.Export.Compression,
			"ladderflow-version": u.config.Ladderflow.Version,
		},
	}

	if _, err := u.s3Client.PutObject(context.WithoutCancel(ctx), input); err != nil {
		log.WithError(err).
			WithEnv("S3_BUCKET").
			WithFields(logger.Fields{"bucket": u.config.Storage.S3.Bucket}).
			Error("failed to upload to S3")
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", u.config.Storage.S3.Bucket, err)
	}

	log.Info("successfully uploaded to S3")
	return nil
}
