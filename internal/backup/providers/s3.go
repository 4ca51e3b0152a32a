package providers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/multierr"
)

// S3Options configures an S3 or S3-compatible mirror.
type S3Options struct {
	Bucket   string
	Region   string
	Prefix   string
	Endpoint string // non-empty for S3-compatible stores; enables path-style addressing

	// Static credentials. When empty the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// S3Provider mirrors backups into an S3 bucket.
type S3Provider struct {
	opts       S3Options
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
}

// NewS3Provider creates an S3Provider. No request is made until the first
// Upload, Download or List.
func NewS3Provider(ctx context.Context, opts S3Options) (*S3Provider, error) {
	if opts.Bucket == "" || opts.Region == "" {
		return nil, errors.New("s3 bucket and region are required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Provider{
		opts:       opts,
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
	}, nil
}

func (s *S3Provider) Name() string {
	return "s3"
}

func (s *S3Provider) key(remotePath string) string {
	return joinKey(s.opts.Prefix, remotePath)
}

// Upload sends a local file to the bucket.
func (s *S3Provider) Upload(ctx context.Context, localPath, remotePath string) (err error) {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer multierr.AppendInvoke(&err, multierr.Close(f))

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(s.key(remotePath)),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("s3 upload %s: %w", remotePath, err)
	}
	return nil
}

// Download retrieves an object from the bucket into localPath.
func (s *S3Provider) Download(ctx context.Context, remotePath, localPath string) (err error) {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	defer multierr.AppendInvoke(&err, multierr.Close(f))

	_, err = s.downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(s.key(remotePath)),
	})
	if err != nil {
		return fmt.Errorf("s3 download %s: %w", remotePath, err)
	}
	return nil
}

// List lists object keys under prefix, relative to the configured prefix.
func (s *S3Provider) List(ctx context.Context, prefix string) ([]string, error) {
	root := strings.Trim(s.opts.Prefix, "/")
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.opts.Bucket),
		Prefix: aws.String(s.key(prefix)),
	})

	results := []string{}
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			results = append(results, trimRoot(root, aws.ToString(obj.Key)))
		}
	}
	return results, nil
}
