// Package providers stores off-host copies of module backups.
package providers

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/recallguard/patcher/internal/config"
)

// Provider is a storage backend for mirrored backups. Remote paths are
// slash separated and relative to the provider root.
type Provider interface {
	Name() string
	Upload(ctx context.Context, localPath, remotePath string) error
	Download(ctx context.Context, remotePath, localPath string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// FromConfig builds the provider selected by cfg. It returns nil, nil when
// mirroring is disabled. Providers holding connections also implement
// io.Closer.
func FromConfig(ctx context.Context, cfg config.MirrorConfig) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "":
		return nil, nil
	case "local":
		return NewLocalProvider(cfg.LocalPath), nil
	case "s3":
		p, err := NewS3Provider(ctx, S3Options{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Prefix:   cfg.S3Prefix,
			Endpoint: cfg.S3Endpoint,

			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case "gcs":
		p, err := NewGCSProvider(ctx, GCSOptions{
			Bucket:          cfg.GCSBucket,
			Prefix:          cfg.GCSPrefix,
			CredentialsFile: cfg.GCSCredentialsFile,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case "azure":
		p, err := NewAzureProvider(AzureOptions{
			ConnectionString: cfg.AzureConnectionString,
			Container:        cfg.AzureContainer,
			Prefix:           cfg.AzurePrefix,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case "b2":
		p, err := NewB2Provider(B2Options{
			AccountID:      cfg.B2AccountID,
			ApplicationKey: cfg.B2ApplicationKey,
			Bucket:         cfg.B2Bucket,
			Prefix:         cfg.B2Prefix,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown mirror provider %q", cfg.Provider)
	}
}

// joinKey places remotePath under the provider's configured prefix.
func joinKey(prefix, remotePath string) string {
	return path.Join(strings.Trim(prefix, "/"), strings.TrimLeft(remotePath, "/"))
}

func trimRoot(root, key string) string {
	if root == "" {
		return key
	}
	return strings.TrimPrefix(key, root+"/")
}
