package provider

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
}

// partFiles returns the temporary files OpenWrite left in dir.
func partFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var parts []string
	for _, e := range entries {
		if strings.Contains(e.Name(), ".part-") {
			parts = append(parts, e.Name())
		}
	}
	return parts
}

func TestLocalProvider_StatAndList(t *testing.T) {
	base := t.TempDir()
	for _, name := range []string{"c.txt", "a.txt", "b.txt"} {
		writeFile(t, filepath.Join(base, "coll", name), name+"!", 0644)
	}
	require.NoError(t, os.Mkdir(filepath.Join(base, "coll", "sub"), 0755))

	p := NewLocalProvider(base)
	ctx := context.Background()

	info, err := p.Stat(ctx, "/coll/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", info.Name())
	assert.Equal(t, int64(6), info.Size())
	assert.False(t, info.IsDir())

	info, err = p.Stat(ctx, "coll")
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	infos, err := p.List(ctx, "coll")
	require.NoError(t, err)
	var names []string
	for _, fi := range infos {
		names = append(names, fi.Name())
	}
	assert.Equal(t, []string{"a.txt", "b.txt", "c.txt", "sub"}, names)
}

func TestLocalProvider_NotFound(t *testing.T) {
	base := t.TempDir()
	writeFile(t, filepath.Join(base, "plain.txt"), "x", 0644)
	p := NewLocalProvider(base)
	ctx := context.Background()

	_, err := p.Stat(ctx, "missing.txt")
	assert.True(t, IsNotFound(err), "Stat: %v", err)
	_, err = p.OpenRead(ctx, "missing.txt")
	assert.True(t, IsNotFound(err), "OpenRead: %v", err)
	_, err = p.List(ctx, "missing")
	assert.True(t, IsNotFound(err), "List: %v", err)

	_, err = p.List(ctx, "plain.txt")
	require.Error(t, err)
	assert.False(t, IsNotFound(err), "listing a file is not a missing path")
}

func TestLocalProvider_CommitOnClose(t *testing.T) {
	base := t.TempDir()
	p := NewLocalProvider(base)
	modTime := time.Date(2020, 3, 4, 5, 6, 7, 0, time.UTC)

	wc, err := p.OpenWrite(context.Background(), "/coll/out.txt", NewFileInfo("out.txt", 5, false, modTime))
	require.NoError(t, err)
	_, err = io.WriteString(wc, "hello")
	require.NoError(t, err)

	dir := filepath.Join(base, "coll")
	target := filepath.Join(dir, "out.txt")
	_, err = os.Stat(target)
	assert.True(t, errors.Is(err, os.ErrNotExist), "target visible before Close")
	assert.Len(t, partFiles(t, dir), 1)

	require.NoError(t, wc.Close())

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Empty(t, partFiles(t, dir))

	st, err := os.Stat(target)
	require.NoError(t, err)
	assert.WithinDuration(t, modTime, st.ModTime(), time.Second)
	assert.Equal(t, os.FileMode(0644), st.Mode().Perm())
}

func TestLocalProvider_PreservesSourceMode(t *testing.T) {
	base := t.TempDir()
	writeFile(t, filepath.Join(base, "src", "secret.txt"), "s3cr3t", 0600)
	p := NewLocalProvider(base)
	ctx := context.Background()

	meta, err := p.Stat(ctx, "src/secret.txt")
	require.NoError(t, err)
	wc, err := p.OpenWrite(ctx, "dst/secret.txt", meta)
	require.NoError(t, err)
	_, err = io.WriteString(wc, "s3cr3t")
	require.NoError(t, err)
	require.NoError(t, wc.Close())

	st, err := os.Stat(filepath.Join(base, "dst", "secret.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), st.Mode().Perm())
}

func TestLocalProvider_OpenWriteDirectory(t *testing.T) {
	base := t.TempDir()
	p := NewLocalProvider(base)

	wc, err := p.OpenWrite(context.Background(), "a/b/c", NewFileInfo("c", 0, true, time.Time{}))
	require.NoError(t, err)
	require.NoError(t, wc.Close())

	st, err := os.Stat(filepath.Join(base, "a", "b", "c"))
	require.NoError(t, err)
	assert.True(t, st.IsDir())
}

func TestLocalProvider_DiscardLeavesNoPartialTarget(t *testing.T) {
	t.Run("new target", func(t *testing.T) {
		base := t.TempDir()
		p := NewLocalProvider(base)

		wc, err := p.OpenWrite(context.Background(), "fresh.txt", nil)
		require.NoError(t, err)
		_, err = io.WriteString(wc, "partial")
		require.NoError(t, err)
		require.NoError(t, Discard(wc, errors.New("cancelled")))

		_, err = p.Stat(context.Background(), "fresh.txt")
		assert.True(t, IsNotFound(err))
		assert.Empty(t, partFiles(t, base))
	})

	t.Run("existing target", func(t *testing.T) {
		base := t.TempDir()
		writeFile(t, filepath.Join(base, "keep.txt"), "original", 0644)
		p := NewLocalProvider(base)

		wc, err := p.OpenWrite(context.Background(), "keep.txt", nil)
		require.NoError(t, err)
		_, err = io.WriteString(wc, "partial")
		require.NoError(t, err)
		require.NoError(t, Discard(wc, errors.New("cancelled")))

		data, err := os.ReadFile(filepath.Join(base, "keep.txt"))
		require.NoError(t, err)
		assert.Equal(t, "original", string(data))
		assert.Empty(t, partFiles(t, base))
	})
}

func TestLocalProvider_ResolveStaysInBase(t *testing.T) {
	base := t.TempDir()
	p := NewLocalProvider(base)

	tests := []struct {
		path   string
		expect string
	}{
		{"a.txt", filepath.Join(base, "a.txt")},
		{"/a/b.txt", filepath.Join(base, "a", "b.txt")},
		{"../../etc/passwd", filepath.Join(base, "etc", "passwd")},
		{"", base},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := p.resolve(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.expect, got)
		})
	}
}

func TestLocalProvider_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewLocalProvider(t.TempDir())

	_, err := p.Stat(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
	_, err = p.OpenWrite(ctx, "x", nil)
	assert.ErrorIs(t, err, context.Canceled)
}
