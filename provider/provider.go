package provider

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned (wrapped) by Stat and OpenRead when a path does not exist.
var ErrNotFound = errors.New("not found")

// IsNotFound reports whether err denotes a missing path.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// FileInfo represents the standard metadata for a file or a directory
// across different storage abstractions.
type FileInfo interface {
	Name() string
	Size() int64
	IsDir() bool
	ModTime() time.Time
}

// Provider represents a storage backend abstraction: the local disk on one
// side of a transfer, a grid resource (bucket) on the other.
type Provider interface {
	// Stat returns the FileInfo for the given path.
	Stat(ctx context.Context, path string) (FileInfo, error)

	// List returns the contents of the given directory, sorted by name.
	List(ctx context.Context, path string) ([]FileInfo, error)

	// OpenRead opens a file for streaming reads.
	OpenRead(ctx context.Context, path string) (io.ReadCloser, error)

	// OpenWrite opens a file for streaming writes. The data is only
	// committed when Close returns nil.
	OpenWrite(ctx context.Context, path string, metadata FileInfo) (io.WriteCloser, error)
}

type fileInfo struct {
	name    string
	size    int64
	isDir   bool
	modTime time.Time
}

func (f *fileInfo) Name() string       { return f.name }
func (f *fileInfo) Size() int64        { return f.size }
func (f *fileInfo) IsDir() bool        { return f.isDir }
func (f *fileInfo) ModTime() time.Time { return f.modTime }

// NewFileInfo builds a FileInfo from raw values.
func NewFileInfo(name string, size int64, isDir bool, modTime time.Time) FileInfo {
	return &fileInfo{name: name, size: size, isDir: isDir, modTime: modTime}
}

// objectKey maps a grid path onto an object key under prefix.
func objectKey(prefix, p string) string {
	p = strings.TrimPrefix(p, "/")
	if prefix == "" {
		return p
	}
	return strings.TrimPrefix(path.Join(prefix, p), "/")
}

// dirPrefix returns the listing prefix for the directory at key.
func dirPrefix(key string) string {
	if key != "" && !strings.HasSuffix(key, "/") {
		key += "/"
	}
	return key
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// asyncWriter streams writes through a pipe into an upload running in its
// own goroutine. Close waits for the upload result.
type asyncWriter struct {
	pw   *io.PipeWriter
	done chan error
}

func newAsyncWriter(upload func(r io.Reader) error) *asyncWriter {
	pr, pw := io.Pipe()
	w := &asyncWriter{pw: pw, done: make(chan error, 1)}
	go func() {
		err := upload(pr)
		pr.CloseWithError(err)
		w.done <- err
	}()
	return w
}

func (w *asyncWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *asyncWriter) Close() error {
	if err := w.pw.Close(); err != nil {
		return err
	}
	return <-w.done
}

// Abort fails the upload so nothing is committed.
func (w *asyncWriter) Abort(cause error) error {
	w.pw.CloseWithError(cause)
	<-w.done
	return nil
}

// Aborter is implemented by writers that can discard a partial write
// instead of committing it.
type Aborter interface {
	Abort(cause error) error
}

// Discard aborts w if it supports it and closes it otherwise.
func Discard(w io.WriteCloser, cause error) error {
	if a, ok := w.(Aborter); ok {
		return a.Abort(cause)
	}
	return w.Close()
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }
