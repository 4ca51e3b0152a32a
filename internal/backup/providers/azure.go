package providers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"go.uber.org/multierr"
)

// AzureOptions configures an Azure Blob Storage mirror.
type AzureOptions struct {
	ConnectionString string
	Container        string
	Prefix           string
}

// AzureProvider mirrors backups into an Azure blob container.
type AzureProvider struct {
	opts   AzureOptions
	client *azblob.Client
}

// NewAzureProvider creates an AzureProvider from a storage account
// connection string. No request is made until first use.
func NewAzureProvider(opts AzureOptions) (*AzureProvider, error) {
	if opts.ConnectionString == "" || opts.Container == "" {
		return nil, errors.New("azure connection string and container are required")
	}
	client, err := azblob.NewClientFromConnectionString(opts.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("create azure client: %w", err)
	}
	return &AzureProvider{opts: opts, client: client}, nil
}

func (a *AzureProvider) Name() string {
	return "azure"
}

// Upload sends a local file as a block blob.
func (a *AzureProvider) Upload(ctx context.Context, localPath, remotePath string) (err error) {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer multierr.AppendInvoke(&err, multierr.Close(f))

	if _, err := a.client.UploadFile(ctx, a.opts.Container, joinKey(a.opts.Prefix, remotePath), f, nil); err != nil {
		return fmt.Errorf("azure upload %s: %w", remotePath, err)
	}
	return nil
}

// Download retrieves a blob into localPath.
func (a *AzureProvider) Download(ctx context.Context, remotePath, localPath string) (err error) {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	defer multierr.AppendInvoke(&err, multierr.Close(f))

	if _, err := a.client.DownloadFile(ctx, a.opts.Container, joinKey(a.opts.Prefix, remotePath), f, nil); err != nil {
		return fmt.Errorf("azure download %s: %w", remotePath, err)
	}
	return nil
}

// List lists blob names under prefix, relative to the configured prefix.
func (a *AzureProvider) List(ctx context.Context, prefix string) ([]string, error) {
	root := strings.Trim(a.opts.Prefix, "/")
	full := joinKey(a.opts.Prefix, prefix)
	pager := a.client.NewListBlobsFlatPager(a.opts.Container, &azblob.ListBlobsFlatOptions{Prefix: &full})

	results := []string{}
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("azure list %s: %w", prefix, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			results = append(results, trimRoot(root, *item.Name))
		}
	}
	return results, nil
}
