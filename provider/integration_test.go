package provider

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gridResource roots a provider the way a "local" grid account does: one
// directory per resource, with the zone below it.
func gridResource(root, resource, zone string) *LocalProvider {
	return NewLocalProvider(filepath.Join(root, resource, zone))
}

func copyItem(t *testing.T, ctx context.Context, src, dst Provider, from, to string) {
	t.Helper()
	meta, err := src.Stat(ctx, from)
	require.NoError(t, err)
	r, err := src.OpenRead(ctx, from)
	require.NoError(t, err)
	defer r.Close()
	w, err := dst.OpenWrite(ctx, to, meta)
	require.NoError(t, err)
	if _, err := io.Copy(w, r); err != nil {
		Discard(w, err)
		t.Fatalf("copy %s: %v", from, err)
	}
	require.NoError(t, w.Close())
}

func TestLocalGrid_ReplicateBetweenResources(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	primary := gridResource(root, "main", "home/alice")
	replica := gridResource(root, "replica", "home/alice")

	modTime := time.Date(2021, 6, 1, 8, 0, 0, 0, time.UTC)
	w, err := primary.OpenWrite(ctx, "/data/a.txt", NewFileInfo("a.txt", 4, false, modTime))
	require.NoError(t, err)
	_, err = io.WriteString(w, "grid")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = os.Stat(filepath.Join(root, "main", "home", "alice", "data", "a.txt"))
	require.NoError(t, err, "object lands under resource and zone")

	_, err = replica.Stat(ctx, "/data/a.txt")
	assert.True(t, IsNotFound(err), "resources are isolated: %v", err)

	copyItem(t, ctx, primary, replica, "/data/a.txt", "/data/a.txt")

	got, err := replica.Stat(ctx, "/data/a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Size())
	assert.WithinDuration(t, modTime, got.ModTime(), time.Second)

	data, err := os.ReadFile(filepath.Join(root, "replica", "home", "alice", "data", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "grid", string(data))
}

func TestLocalGrid_PathsCannotReachSiblingResource(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	writeFile(t, filepath.Join(root, "main", "z", "private.txt"), "main only", 0644)
	replica := gridResource(root, "replica", "z")

	_, err := replica.Stat(ctx, "../../main/z/private.txt")
	assert.True(t, IsNotFound(err), "got %v", err)

	w, err := replica.OpenWrite(ctx, "../../main/z/private.txt", nil)
	require.NoError(t, err)
	_, err = io.WriteString(w, "replica")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(filepath.Join(root, "main", "z", "private.txt"))
	require.NoError(t, err)
	assert.Equal(t, "main only", string(data))

	data, err = os.ReadFile(filepath.Join(root, "replica", "z", "main", "z", "private.txt"))
	require.NoError(t, err)
	assert.Equal(t, "replica", string(data))
}

func TestLocalGrid_GetIntoLocalDirectory(t *testing.T) {
	root := t.TempDir()
	local := t.TempDir()
	ctx := context.Background()

	grid := gridResource(root, "main", "")
	for _, name := range []string{"x.bin", "y.bin"} {
		writeFile(t, filepath.Join(root, "main", "coll", name), name, 0640)
	}

	infos, err := grid.List(ctx, "/coll")
	require.NoError(t, err)
	require.Len(t, infos, 2)

	disk := NewLocalProvider("")
	for _, fi := range infos {
		copyItem(t, ctx, grid, disk, "/coll/"+fi.Name(), filepath.Join(local, "coll", fi.Name()))
	}

	for _, name := range []string{"x.bin", "y.bin"} {
		st, err := os.Stat(filepath.Join(local, "coll", name))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0640), st.Mode().Perm())
	}
	assert.Empty(t, partFiles(t, filepath.Join(local, "coll")))
}
