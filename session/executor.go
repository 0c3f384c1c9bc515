package session

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/franksops/gridxfer/engine"
	"github.com/franksops/gridxfer/provider"
)

// executor copies items from src to dst. One executor serves every kind;
// the factory only decides which providers sit on each side.
type executor struct {
	src, dst  provider.Provider
	root      string
	synch     bool
	force     bool
	verify    bool
	buffers   *engine.BufferPool
	checksums *engine.ChecksumPool
	log       logrus.FieldLogger
}

func (e *executor) Source() provider.Provider { return e.src }
func (e *executor) TargetRoot() string        { return e.root }
func (e *executor) Close() error              { return nil }

// upToDate reports whether a synch target already holds the source.
func upToDate(src, dst provider.FileInfo) bool {
	return src.Size() == dst.Size() && !dst.ModTime().Before(src.ModTime())
}

func (e *executor) Transfer(ctx context.Context, item engine.Item, progress func(n int64)) (engine.Result, error) {
	if e.synch || !e.force {
		existing, err := e.dst.Stat(ctx, item.TargetPath)
		switch {
		case err == nil:
			if e.synch && upToDate(item.Info, existing) {
				return engine.Result{UpToDate: true}, nil
			}
			if !e.synch && !e.force {
				return engine.Result{}, fmt.Errorf("%w: %s", ErrTargetExists, item.TargetPath)
			}
		case !provider.IsNotFound(err):
			return engine.Result{}, fmt.Errorf("failed to stat target %s: %w", item.TargetPath, err)
		}
	}

	n, sum, err := e.copy(ctx, item, progress)
	if err != nil {
		return engine.Result{Bytes: n}, err
	}
	if e.verify {
		if err := e.verifyTarget(ctx, item.TargetPath, sum, n); err != nil {
			return engine.Result{Bytes: n}, err
		}
	}
	e.log.WithFields(logrus.Fields{"path": item.SourcePath, "bytes": n}).Debug("item transferred")
	return engine.Result{Bytes: n}, nil
}

// copy streams one item and returns its size and CRC64.
func (e *executor) copy(ctx context.Context, item engine.Item, progress func(n int64)) (int64, uint64, error) {
	r, err := e.src.OpenRead(ctx, item.SourcePath)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open source %s: %w", item.SourcePath, err)
	}
	defer r.Close()

	w, err := e.dst.OpenWrite(ctx, item.TargetPath, item.Info)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open target %s: %w", item.TargetPath, err)
	}

	cr := engine.NewChecksumReader(r)
	n, err := e.buffers.Copy(ctx, w, cr, progress)
	if err != nil {
		provider.Discard(w, err)
		return n, 0, fmt.Errorf("failed to copy %s: %w", item.SourcePath, err)
	}
	if err := w.Close(); err != nil {
		return n, 0, fmt.Errorf("failed to commit %s: %w", item.TargetPath, err)
	}
	return n, cr.Checksum(), nil
}

// verifyTarget re-reads the target and compares it with what was sent.
func (e *executor) verifyTarget(ctx context.Context, target string, want uint64, size int64) error {
	r, err := e.dst.OpenRead(ctx, target)
	if err != nil {
		return fmt.Errorf("failed to reopen %s for verification: %w", target, err)
	}
	defer r.Close()

	buf := e.buffers.Get()
	defer e.buffers.Put(buf)

	got, n, err := e.checksums.Sum(r, *buf)
	if err != nil {
		return fmt.Errorf("failed to read back %s: %w", target, err)
	}
	if got != want || n != size {
		return fmt.Errorf("%w: %s: sent %d bytes crc %016x, found %d bytes crc %016x",
			ErrChecksumMismatch, target, size, want, n, got)
	}
	return nil
}
