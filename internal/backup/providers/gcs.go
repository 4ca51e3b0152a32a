package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/multierr"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSOptions configures a Google Cloud Storage mirror.
type GCSOptions struct {
	Bucket string
	Prefix string

	// CredentialsFile is a service account JSON key. Empty uses application
	// default credentials.
	CredentialsFile string
}

// GCSProvider mirrors backups into a GCS bucket.
type GCSProvider struct {
	opts   GCSOptions
	client *storage.Client
}

// NewGCSProvider creates a GCSProvider.
func NewGCSProvider(ctx context.Context, opts GCSOptions) (*GCSProvider, error) {
	if opts.Bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSProvider{opts: opts, client: client}, nil
}

// Close releases the storage client's connections.
func (g *GCSProvider) Close() error {
	return g.client.Close()
}

func (g *GCSProvider) Name() string {
	return "gcs"
}

func (g *GCSProvider) object(remotePath string) *storage.ObjectHandle {
	return g.client.Bucket(g.opts.Bucket).Object(joinKey(g.opts.Prefix, remotePath))
}

// Upload streams a local file into the bucket. The object only becomes
// visible once the writer closes cleanly.
func (g *GCSProvider) Upload(ctx context.Context, localPath, remotePath string) (err error) {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer multierr.AppendInvoke(&err, multierr.Close(f))

	w := g.object(remotePath).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("gcs upload %s: %w", remotePath, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs upload %s: %w", remotePath, err)
	}
	return nil
}

// Download retrieves an object into localPath.
func (g *GCSProvider) Download(ctx context.Context, remotePath, localPath string) (err error) {
	r, err := g.object(remotePath).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("gcs download %s: %w", remotePath, err)
	}
	defer multierr.AppendInvoke(&err, multierr.Close(r))

	return writeLocal(localPath, r)
}

// List lists object names under prefix, relative to the configured prefix.
func (g *GCSProvider) List(ctx context.Context, prefix string) ([]string, error) {
	root := strings.Trim(g.opts.Prefix, "/")
	it := g.client.Bucket(g.opts.Bucket).Objects(ctx, &storage.Query{Prefix: joinKey(g.opts.Prefix, prefix)})

	results := []string{}
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs list %s: %w", prefix, err)
		}
		results = append(results, trimRoot(root, attrs.Name))
	}
	return results, nil
}

// writeLocal copies r into a freshly created file at localPath.
func writeLocal(localPath string, r io.Reader) (err error) {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	defer multierr.AppendInvoke(&err, multierr.Close(f))

	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("failed to write %s: %w", localPath, err)
	}
	return nil
}

var _ io.Closer = (*GCSProvider)(nil)
