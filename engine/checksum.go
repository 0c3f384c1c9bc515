package engine

import (
	"hash"
	"hash/crc64"
	"io"
	"sync"
)

var crcTable = crc64.MakeTable(crc64.ISO)

// ChecksumReader wraps an io.Reader to compute a CRC64 checksum while reading.
type ChecksumReader struct {
	r    io.Reader
	hash hash.Hash64
	n    int64
}

// NewChecksumReader creates a new ChecksumReader that wraps the given reader.
func NewChecksumReader(r io.Reader) *ChecksumReader {
	return &ChecksumReader{
		r:    r,
		hash: crc64.New(crcTable),
	}
}

// Read reads data from the underlying reader and updates the checksum.
func (cr *ChecksumReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.n += int64(n)
		cr.hash.Write(p[:n])
	}
	return n, err
}

// Checksum returns the current checksum value.
func (cr *ChecksumReader) Checksum() uint64 {
	return cr.hash.Sum64()
}

// BytesRead returns the total number of bytes read.
func (cr *ChecksumReader) BytesRead() int64 {
	return cr.n
}

// ChecksumPool manages reusable checksum hashers for target re-reads.
type ChecksumPool struct {
	pool sync.Pool
}

// NewChecksumPool creates a new ChecksumPool.
func NewChecksumPool() *ChecksumPool {
	return &ChecksumPool{
		pool: sync.Pool{
			New: func() any {
				return crc64.New(crcTable)
			},
		},
	}
}

// Sum reads r to the end and returns its CRC64 and length.
func (cp *ChecksumPool) Sum(r io.Reader, buf []byte) (uint64, int64, error) {
	h := cp.pool.Get().(hash.Hash64)
	defer func() {
		h.Reset()
		cp.pool.Put(h)
	}()

	n, err := io.CopyBuffer(h, r, buf)
	if err != nil {
		return 0, n, err
	}
	return h.Sum64(), n, nil
}
