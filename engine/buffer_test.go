package engine

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestBufferPool_DefaultSize(t *testing.T) {
	bp := NewBufferPool(0)

	buf := bp.Get()
	if buf == nil {
		t.Fatalf("expected a valid buffer pointer, got nil")
	}

	if len(*buf) != DefaultBufferSize {
		t.Errorf("expected buffer size %d, got %d", DefaultBufferSize, len(*buf))
	}

	bp.Put(buf)
}

func TestBufferPool_CustomSize(t *testing.T) {
	customSize := 8192
	bp := NewBufferPool(customSize)

	buf1 := bp.Get()
	if len(*buf1) != customSize {
		t.Errorf("expected buffer size %d, got %d", customSize, len(*buf1))
	}

	bp.Put(buf1)
	buf2 := bp.Get()
	if len(*buf2) != customSize {
		t.Errorf("expected reused buffer size %d, got %d", customSize, len(*buf2))
	}

	bp.Put(buf2)
}

func TestBufferPool_Copy(t *testing.T) {
	bp := NewBufferPool(7)
	data := strings.Repeat("abcdefghij", 10)

	var dst bytes.Buffer
	var reported int64
	n, err := bp.Copy(context.Background(), &dst, strings.NewReader(data), func(n int64) {
		reported += n
	})
	if err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if n != int64(len(data)) || reported != n {
		t.Errorf("expected %d bytes copied and reported, got %d and %d", len(data), n, reported)
	}
	if dst.String() != data {
		t.Errorf("copied data mismatch")
	}
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("boom") }

func TestBufferPool_CopyErrors(t *testing.T) {
	bp := NewBufferPool(4)

	if _, err := bp.Copy(context.Background(), failingWriter{}, strings.NewReader("data"), nil); err == nil {
		t.Error("expected write error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var dst bytes.Buffer
	if _, err := bp.Copy(ctx, &dst, strings.NewReader("data"), nil); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
