package engine

import (
	"context"
	"io"
	"sync"
)

// DefaultBufferSize is the default size of byte buffers allocated for item copies.
const DefaultBufferSize = 1 * 1024 * 1024

// BufferPool manages reusable byte buffers so consecutive items of a large
// transfer do not each allocate their own.
type BufferPool struct {
	pool sync.Pool
}

// NewBufferPool creates a new BufferPool that allocates buffers of the specified size.
// If size is <= 0, DefaultBufferSize is used.
func NewBufferPool(size int) *BufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &BufferPool{
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

// Get retrieves a reusable byte buffer from the pool.
func (bp *BufferPool) Get() *[]byte {
	return bp.pool.Get().(*[]byte)
}

// Put returns the byte buffer to the pool so it can be reused.
func (bp *BufferPool) Put(b *[]byte) {
	if b != nil {
		bp.pool.Put(b)
	}
}

// Copy streams src into dst with a pooled buffer, checking ctx between
// chunks and reporting every chunk written to progress.
func (bp *BufferPool) Copy(ctx context.Context, dst io.Writer, src io.Reader, progress func(n int64)) (int64, error) {
	buf := bp.Get()
	defer bp.Put(buf)

	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := src.Read(*buf)
		if nr > 0 {
			nw, werr := dst.Write((*buf)[:nr])
			if nw > 0 {
				written += int64(nw)
				if progress != nil {
					progress(int64(nw))
				}
			}
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
