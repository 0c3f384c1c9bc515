package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ensure interface is implemented
var _ Provider = (*LocalProvider)(nil)

// LocalProvider implements Provider for posix-compliant local filesystems.
// It serves both the local side of a transfer and the "local" grid kind,
// where each resource is a directory under the grid root.
type LocalProvider struct {
	basePath string
}

// NewLocalProvider creates a new LocalProvider rooted at basePath.
// If basePath is empty, it acts upon absolute or relative paths directly.
func NewLocalProvider(basePath string) *LocalProvider {
	return &LocalProvider{basePath: basePath}
}

// resolve maps path under the base directory, refusing to escape it.
func (p *LocalProvider) resolve(path string) (string, error) {
	if p.basePath == "" {
		return path, nil
	}
	full := filepath.Join(p.basePath, filepath.Clean("/"+path))
	rel, err := filepath.Rel(p.basePath, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes %s", path, p.basePath)
	}
	return full, nil
}

func notFound(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

// localInfo keeps the permission bits so they can be reapplied on write.
type localInfo struct {
	fileInfo
	mode os.FileMode
}

func wrapOSFileInfo(info os.FileInfo) *localInfo {
	return &localInfo{
		fileInfo: fileInfo{
			name:    info.Name(),
			size:    info.Size(),
			isDir:   info.IsDir(),
			modTime: info.ModTime(),
		},
		mode: info.Mode().Perm(),
	}
}

func (p *LocalProvider) Stat(ctx context.Context, path string) (FileInfo, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	full, err := p.resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, notFound(err)
	}
	return wrapOSFileInfo(info), nil
}

func (p *LocalProvider) List(ctx context.Context, path string) ([]FileInfo, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	full, err := p.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, notFound(err)
	}

	infos := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue // skip files that disappeared between ReadDir and Info
		}
		infos = append(infos, wrapOSFileInfo(info))
	}
	return infos, nil
}

func (p *LocalProvider) OpenRead(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	full, err := p.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, notFound(err)
	}
	return f, nil
}

// OpenWrite writes into a temporary file next to path; Close renames it into
// place and reapplies the source mode and modification time.
func (p *LocalProvider) OpenWrite(ctx context.Context, path string, metadata FileInfo) (io.WriteCloser, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	full, err := p.resolve(path)
	if err != nil {
		return nil, err
	}

	if metadata != nil && metadata.IsDir() {
		if err := os.MkdirAll(full, 0755); err != nil {
			return nil, err
		}
		return nopWriteCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), "."+filepath.Base(full)+".part-*")
	if err != nil {
		return nil, err
	}
	return &localWriteCloser{File: tmp, fullPath: full, metadata: metadata}, nil
}

type localWriteCloser struct {
	*os.File
	fullPath string
	metadata FileInfo
}

func (l *localWriteCloser) Close() error {
	if err := l.File.Close(); err != nil {
		os.Remove(l.File.Name())
		return err
	}

	mode := os.FileMode(0644)
	if li, ok := l.metadata.(*localInfo); ok && li.mode != 0 {
		mode = li.mode
	}
	if err := os.Chmod(l.File.Name(), mode); err != nil {
		os.Remove(l.File.Name())
		return err
	}
	if err := os.Rename(l.File.Name(), l.fullPath); err != nil {
		os.Remove(l.File.Name())
		return err
	}

	if l.metadata != nil && !l.metadata.ModTime().IsZero() {
		// Ignore errors on applying timestamp
		_ = os.Chtimes(l.fullPath, time.Now(), l.metadata.ModTime())
	}
	return nil
}

// Abort drops the temporary file; the target is left untouched.
func (l *localWriteCloser) Abort(error) error {
	l.File.Close()
	return os.Remove(l.File.Name())
}
