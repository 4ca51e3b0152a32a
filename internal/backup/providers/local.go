package providers

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"
)

// maxDecompressSize caps a decompressed mirror; modules are tens of MB.
var maxDecompressSize int64 = 1 << 30

// ErrTooLarge means a mirrored copy exceeds the decompression cap.
var ErrTooLarge = errors.New("mirrored backup too large")

// containedPath ensures that the resolved path stays within basePath.
// Returns the safe absolute path or an error if path traversal is detected.
func containedPath(basePath, untrustedPath string) (string, error) {
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base path: %w", err)
	}
	joined := filepath.Join(absBase, filepath.FromSlash(untrustedPath))
	absJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	if !strings.HasPrefix(absJoined, absBase+string(filepath.Separator)) && absJoined != absBase {
		return "", fmt.Errorf("path traversal detected: %q resolves outside base %q", untrustedPath, absBase)
	}
	return absJoined, nil
}

// LocalProvider mirrors backups into a directory, typically a mounted share.
// Remote paths ending in ".gz" are stored gzip compressed.
type LocalProvider struct {
	BasePath string
}

// NewLocalProvider creates a LocalProvider rooted at basePath.
func NewLocalProvider(basePath string) *LocalProvider {
	return &LocalProvider{
		BasePath: filepath.Clean(basePath),
	}
}

func (p *LocalProvider) Name() string {
	return "local"
}

// Upload copies a file into the mirror directory.
func (p *LocalProvider) Upload(_ context.Context, localPath, remotePath string) error {
	if p.BasePath == "" {
		return errors.New("local provider base path is required")
	}
	if localPath == "" || remotePath == "" {
		return errors.New("local and remote paths are required")
	}

	destPath, err := containedPath(p.BasePath, remotePath)
	if err != nil {
		return err
	}
	if strings.HasSuffix(remotePath, ".gz") {
		return compressFile(localPath, destPath)
	}
	return copyFile(localPath, destPath)
}

// Download retrieves a mirrored file.
func (p *LocalProvider) Download(_ context.Context, remotePath, localPath string) error {
	if p.BasePath == "" {
		return errors.New("local provider base path is required")
	}
	if localPath == "" || remotePath == "" {
		return errors.New("local and remote paths are required")
	}

	srcPath, err := containedPath(p.BasePath, remotePath)
	if err != nil {
		return err
	}
	if strings.HasSuffix(remotePath, ".gz") {
		return decompressFile(srcPath, localPath)
	}
	return copyFile(srcPath, localPath)
}

// List enumerates mirrored files under prefix.
func (p *LocalProvider) List(_ context.Context, prefix string) ([]string, error) {
	if p.BasePath == "" {
		return nil, errors.New("local provider base path is required")
	}

	root := p.BasePath
	if prefix != "" {
		var containErr error
		root, containErr = containedPath(p.BasePath, prefix)
		if containErr != nil {
			return nil, containErr
		}
	}

	if _, err := os.Stat(root); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to stat prefix %s: %w", root, err)
	}

	results := []string{}
	walkErr := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		relPath, err := filepath.Rel(p.BasePath, path)
		if err != nil {
			return err
		}
		results = append(results, filepath.ToSlash(relPath))
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("failed to list mirrored files: %w", walkErr)
	}
	return results, nil
}

func copyFile(srcPath, destPath string) (err error) {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer multierr.AppendInvoke(&err, multierr.Close(srcFile))

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	destFile, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	defer multierr.AppendInvoke(&err, multierr.Close(destFile))

	if _, err := io.Copy(destFile, srcFile); err != nil {
		return fmt.Errorf("failed to copy file: %w", err)
	}
	return nil
}

func compressFile(srcPath, destPath string) (err error) {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer multierr.AppendInvoke(&err, multierr.Close(srcFile))

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat source file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	destFile, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	defer multierr.AppendInvoke(&err, multierr.Close(destFile))

	gzipWriter := gzip.NewWriter(destFile)
	gzipWriter.Name = filepath.Base(srcPath)
	gzipWriter.ModTime = srcInfo.ModTime()

	if _, err := io.Copy(gzipWriter, srcFile); err != nil {
		_ = gzipWriter.Close()
		return fmt.Errorf("failed to compress file: %w", err)
	}
	if err := gzipWriter.Close(); err != nil {
		return fmt.Errorf("failed to finish gzip stream: %w", err)
	}
	return nil
}

func decompressFile(srcPath, destPath string) (err error) {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer multierr.AppendInvoke(&err, multierr.Close(srcFile))

	gzipReader, err := gzip.NewReader(srcFile)
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer multierr.AppendInvoke(&err, multierr.Close(gzipReader))

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	destFile, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	defer multierr.AppendInvoke(&err, multierr.Close(destFile))

	n, err := io.Copy(destFile, io.LimitReader(gzipReader, maxDecompressSize+1))
	if err != nil {
		return fmt.Errorf("failed to decompress file: %w", err)
	}
	if n > maxDecompressSize {
		return fmt.Errorf("%w: %s decompresses past %d bytes", ErrTooLarge, srcPath, maxDecompressSize)
	}
	return nil
}
