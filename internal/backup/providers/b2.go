package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Backblaze/blazer/b2"
	"go.uber.org/multierr"
)

// B2Options configures a Backblaze B2 mirror.
type B2Options struct {
	AccountID      string
	ApplicationKey string
	Bucket         string
	Prefix         string
}

// B2Provider mirrors backups into a B2 bucket. B2 authorizes on client
// creation, so the connection is made per operation.
type B2Provider struct {
	opts B2Options
}

// NewB2Provider validates opts and returns a B2Provider.
func NewB2Provider(opts B2Options) (*B2Provider, error) {
	if opts.AccountID == "" || opts.ApplicationKey == "" || opts.Bucket == "" {
		return nil, errors.New("b2 account id, application key and bucket are required")
	}
	return &B2Provider{opts: opts}, nil
}

func (p *B2Provider) Name() string {
	return "b2"
}

func (p *B2Provider) bucket(ctx context.Context) (*b2.Bucket, error) {
	client, err := b2.NewClient(ctx, p.opts.AccountID, p.opts.ApplicationKey)
	if err != nil {
		return nil, fmt.Errorf("b2 authorize: %w", err)
	}
	bucket, err := client.Bucket(ctx, p.opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("b2 bucket %s: %w", p.opts.Bucket, err)
	}
	return bucket, nil
}

// Upload sends a local file to the bucket.
func (p *B2Provider) Upload(ctx context.Context, localPath, remotePath string) (err error) {
	bucket, err := p.bucket(ctx)
	if err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer multierr.AppendInvoke(&err, multierr.Close(f))

	w := bucket.Object(joinKey(p.opts.Prefix, remotePath)).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("b2 upload %s: %w", remotePath, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("b2 upload %s: %w", remotePath, err)
	}
	return nil
}

// Download retrieves an object into localPath.
func (p *B2Provider) Download(ctx context.Context, remotePath, localPath string) (err error) {
	bucket, err := p.bucket(ctx)
	if err != nil {
		return err
	}
	r := bucket.Object(joinKey(p.opts.Prefix, remotePath)).NewReader(ctx)
	defer multierr.AppendInvoke(&err, multierr.Close(r))

	if err := writeLocal(localPath, r); err != nil {
		return fmt.Errorf("b2 download %s: %w", remotePath, err)
	}
	return nil
}

// List lists object names under prefix, relative to the configured prefix.
func (p *B2Provider) List(ctx context.Context, prefix string) ([]string, error) {
	bucket, err := p.bucket(ctx)
	if err != nil {
		return nil, err
	}
	root := strings.Trim(p.opts.Prefix, "/")

	results := []string{}
	iter := bucket.List(ctx, b2.ListPrefix(joinKey(p.opts.Prefix, prefix)))
	for iter.Next() {
		results = append(results, trimRoot(root, iter.Object().Name()))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("b2 list %s: %w", prefix, err)
	}
	return results, nil
}
