package writer

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "klineflow/config"
	"klineflow/logger"
)

// Uploader copies produced files to S3 under their path relative to the data
// root.
type Uploader struct {
	client  *s3.Client
	bucket  string
	prefix  string
	version string
	log     *logger.Log
}

// NewUploader builds an S3 client from the storage configuration.
func NewUploader(ctx context.Context, cfg appconfig.S3Config, version string) (*Uploader, error) {
	log := logger.GetLogger()

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	log.WithComponent("s3_uploader").WithFields(logger.Fields{
		"bucket":     cfg.Bucket,
		"region":     cfg.Region,
		"endpoint":   cfg.Endpoint,
		"path_style": cfg.PathStyle,
	}).Info("s3 uploader initialized")

	return &Uploader{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		version: version,
		log:     log,
	}, nil
}

// Key maps a local file under root to its object key.
func (u *Uploader) Key(root, file string) (string, error) {
	rel, err := filepath.Rel(root, file)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside %s", file, root)
	}
	return path.Join(u.prefix, filepath.ToSlash(rel)), nil
}

// UploadFile puts one local file into the bucket.
func (u *Uploader) UploadFile(ctx context.Context, root, file string) error {
	key, err := u.Key(root, file)
	if err != nil {
		return err
	}
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	contentType := "text/csv"
	if strings.HasSuffix(file, ".parquet") {
		contentType = "application/octet-stream"
	}

	log := u.log.WithComponent("s3_uploader").WithFields(logger.Fields{
		"operation": "upload_file",
		"key":       key,
	})

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"klineflow-version": u.version,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", u.bucket, err)
	}
	logger.IncrementS3Upload()
	log.Debug("uploaded to S3")
	return nil
}
