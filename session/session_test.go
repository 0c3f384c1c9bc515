package session

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franksops/gridxfer/account"
	"github.com/franksops/gridxfer/engine"
	"github.com/franksops/gridxfer/provider"
	"github.com/franksops/gridxfer/store"
)

type accountMap map[string]*account.Account

func (m accountMap) Get(idOrName string) (*account.Account, error) {
	a, ok := m[idOrName]
	if !ok {
		return nil, account.ErrAccountNotFound
	}
	copied := *a
	return &copied, nil
}

type fixture struct {
	grid    string
	local   string
	factory *Factory
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	grid := t.TempDir()
	accounts := accountMap{
		"grid": {Name: "grid", Kind: account.KindLocal, Endpoint: grid, DefaultResource: "main"},
	}
	return &fixture{grid: grid, local: t.TempDir(), factory: NewFactory(accounts, opts...)}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// run opens tr and moves every discovered item, the way a runner does.
func (f *fixture) run(t *testing.T, tr *store.Transfer, opts engine.Options) ([]engine.Result, []error) {
	t.Helper()
	ctx := context.Background()
	exec, err := f.factory.Open(ctx, tr, opts)
	require.NoError(t, err)
	defer exec.Close()

	items, err := engine.NewWalker(exec.Source()).Walk(ctx, tr.SourcePath, exec.TargetRoot())
	require.NoError(t, err)

	var results []engine.Result
	var errs []error
	for _, item := range items {
		res, err := exec.Transfer(ctx, item, func(int64) {})
		results = append(results, res)
		errs = append(errs, err)
	}
	return results, errs
}

func requireNoErrors(t *testing.T, errs []error) {
	t.Helper()
	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestFactory_Put(t *testing.T) {
	f := newFixture(t)
	src := filepath.Join(f.local, "photos")
	writeFile(t, filepath.Join(src, "a.jpg"), "aaa")
	writeFile(t, filepath.Join(src, "2024", "b.jpg"), "bbbb")

	var moved int64
	exec, err := f.factory.Open(context.Background(), &store.Transfer{
		Kind: store.KindPut, SourcePath: src, TargetPath: "/home/alice", AccountID: "grid",
	}, engine.Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, "/home/alice/photos", exec.TargetRoot())

	items, err := engine.NewWalker(exec.Source()).Walk(context.Background(), src, exec.TargetRoot())
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, item := range items {
		res, err := exec.Transfer(context.Background(), item, func(n int64) { moved += n })
		require.NoError(t, err)
		assert.False(t, res.UpToDate)
	}

	assert.Equal(t, int64(7), moved)
	assert.Equal(t, "aaa", readFile(t, filepath.Join(f.grid, "main", "home", "alice", "photos", "a.jpg")))
	assert.Equal(t, "bbbb", readFile(t, filepath.Join(f.grid, "main", "home", "alice", "photos", "2024", "b.jpg")))
}

func TestFactory_PutToExplicitResource(t *testing.T) {
	f := newFixture(t)
	src := filepath.Join(f.local, "one.txt")
	writeFile(t, src, "1")

	_, errs := f.run(t, &store.Transfer{
		Kind: store.KindPut, SourcePath: src, TargetPath: "/in", Resource: "fast", AccountID: "grid",
	}, engine.Options{Force: true})
	requireNoErrors(t, errs)

	assert.Equal(t, "1", readFile(t, filepath.Join(f.grid, "fast", "in", "one.txt")))
}

func TestFactory_Get(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.grid, "main", "data", "x.csv"), "x,y")
	writeFile(t, filepath.Join(f.grid, "main", "data", "raw", "y.bin"), "yy")

	_, errs := f.run(t, &store.Transfer{
		Kind: store.KindGet, SourcePath: "/data", TargetPath: f.local, AccountID: "grid",
	}, engine.Options{Force: true})
	requireNoErrors(t, errs)

	assert.Equal(t, "x,y", readFile(t, filepath.Join(f.local, "data", "x.csv")))
	assert.Equal(t, "yy", readFile(t, filepath.Join(f.local, "data", "raw", "y.bin")))
}

func TestFactory_Copy(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.grid, "main", "data", "x.csv"), "x,y")

	_, errs := f.run(t, &store.Transfer{
		Kind: store.KindCopy, SourcePath: "/data", TargetPath: "/archive", Resource: "cold", AccountID: "grid",
	}, engine.Options{Force: true})
	requireNoErrors(t, errs)

	assert.Equal(t, "x,y", readFile(t, filepath.Join(f.grid, "cold", "archive", "data", "x.csv")))
	assert.Equal(t, "x,y", readFile(t, filepath.Join(f.grid, "main", "data", "x.csv")))
}

func TestFactory_Replicate(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.grid, "main", "data", "x.csv"), "x,y")

	_, errs := f.run(t, &store.Transfer{
		Kind: store.KindReplicate, SourcePath: "/data", TargetPath: "/data", Resource: "backup", AccountID: "grid",
	}, engine.Options{Force: true})
	requireNoErrors(t, errs)
	assert.Equal(t, "x,y", readFile(t, filepath.Join(f.grid, "backup", "data", "x.csv")))

	_, err := f.factory.Open(context.Background(), &store.Transfer{
		Kind: store.KindReplicate, SourcePath: "/data", TargetPath: "/data", Resource: "main", AccountID: "grid",
	}, engine.Options{})
	assert.ErrorIs(t, err, ErrSameResource)
}

func TestFactory_Synch(t *testing.T) {
	f := newFixture(t)
	src := filepath.Join(f.local, "work")
	writeFile(t, filepath.Join(src, "a.txt"), "alpha")
	writeFile(t, filepath.Join(src, "b.txt"), "beta")
	tr := &store.Transfer{Kind: store.KindSynch, SourcePath: src, TargetPath: "/mirror", AccountID: "grid"}

	results, errs := f.run(t, tr, engine.Options{})
	requireNoErrors(t, errs)
	for _, res := range results {
		assert.False(t, res.UpToDate)
	}
	assert.Equal(t, "alpha", readFile(t, filepath.Join(f.grid, "main", "mirror", "a.txt")))

	results, errs = f.run(t, tr, engine.Options{})
	requireNoErrors(t, errs)
	for _, res := range results {
		assert.True(t, res.UpToDate)
	}

	writeFile(t, filepath.Join(src, "b.txt"), "beta, revised")
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(filepath.Join(src, "b.txt"), later, later))

	results, errs = f.run(t, tr, engine.Options{})
	requireNoErrors(t, errs)
	require.Len(t, results, 2)
	assert.True(t, results[0].UpToDate)
	assert.False(t, results[1].UpToDate)
	assert.Equal(t, "beta, revised", readFile(t, filepath.Join(f.grid, "main", "mirror", "b.txt")))
}

func TestFactory_NoForceKeepsExistingTarget(t *testing.T) {
	f := newFixture(t)
	src := filepath.Join(f.local, "report.txt")
	writeFile(t, src, "new")
	writeFile(t, filepath.Join(f.grid, "main", "out", "report.txt"), "old")
	tr := &store.Transfer{Kind: store.KindPut, SourcePath: src, TargetPath: "/out", AccountID: "grid"}

	_, errs := f.run(t, tr, engine.Options{Force: false})
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrTargetExists)
	assert.Equal(t, "old", readFile(t, filepath.Join(f.grid, "main", "out", "report.txt")))

	_, errs = f.run(t, tr, engine.Options{Force: true})
	requireNoErrors(t, errs)
	assert.Equal(t, "new", readFile(t, filepath.Join(f.grid, "main", "out", "report.txt")))
}

// corruptingProvider flips the first byte of everything written through it.
type corruptingProvider struct {
	*provider.LocalProvider
}

type corruptingWriter struct {
	io.WriteCloser
	first bool
}

func (w *corruptingWriter) Write(p []byte) (int, error) {
	if !w.first && len(p) > 0 {
		w.first = true
		q := append([]byte(nil), p...)
		q[0] ^= 0xff
		return w.WriteCloser.Write(q)
	}
	return w.WriteCloser.Write(p)
}

func (c corruptingProvider) OpenWrite(ctx context.Context, path string, metadata provider.FileInfo) (io.WriteCloser, error) {
	w, err := c.LocalProvider.OpenWrite(ctx, path, metadata)
	if err != nil {
		return nil, err
	}
	return &corruptingWriter{WriteCloser: w}, nil
}

func TestFactory_VerifyChecksum(t *testing.T) {
	f := newFixture(t, WithBufferSize(4))
	src := filepath.Join(f.local, "blob.bin")
	writeFile(t, src, "some payload spanning several buffers")
	tr := &store.Transfer{Kind: store.KindPut, SourcePath: src, TargetPath: "/v", AccountID: "grid"}

	_, errs := f.run(t, tr, engine.Options{Force: true, VerifyChecksum: true})
	requireNoErrors(t, errs)

	f.factory.remote = func(ctx context.Context, a *account.Account, resource string) (provider.Provider, error) {
		return corruptingProvider{provider.NewLocalProvider(filepath.Join(a.Endpoint, resource))}, nil
	}
	_, errs = f.run(t, tr, engine.Options{Force: true, VerifyChecksum: true})
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrChecksumMismatch)

	_, errs = f.run(t, tr, engine.Options{Force: true})
	requireNoErrors(t, errs)
}

func TestFactory_OpenErrors(t *testing.T) {
	grid := t.TempDir()
	f := NewFactory(accountMap{
		"weird":   {Name: "weird", Kind: "ftp", DefaultResource: "r"},
		"nodef":   {Name: "nodef", Kind: account.KindLocal, Endpoint: grid},
		"noroot":  {Name: "noroot", Kind: account.KindLocal, DefaultResource: "r"},
		"minio-x": {Name: "minio-x", Kind: account.KindMinio, DefaultResource: "r"},
	})
	ctx := context.Background()

	_, err := f.Open(ctx, &store.Transfer{Kind: store.KindPut, SourcePath: "/a", TargetPath: "/b", AccountID: "missing"}, engine.Options{})
	assert.ErrorIs(t, err, account.ErrAccountNotFound)

	_, err = f.Open(ctx, &store.Transfer{Kind: store.KindPut, SourcePath: "/a", TargetPath: "/b", AccountID: "weird"}, engine.Options{})
	assert.ErrorIs(t, err, ErrUnknownAccountKind)

	_, err = f.Open(ctx, &store.Transfer{Kind: store.KindGet, SourcePath: "/a", TargetPath: "/b", AccountID: "nodef"}, engine.Options{})
	assert.ErrorIs(t, err, ErrNoResource)

	_, err = f.Open(ctx, &store.Transfer{Kind: store.KindGet, SourcePath: "/a", TargetPath: "/b", AccountID: "noroot"}, engine.Options{})
	assert.Error(t, err)

	_, err = f.Open(ctx, &store.Transfer{Kind: store.KindGet, SourcePath: "/a", TargetPath: "/b", AccountID: "minio-x"}, engine.Options{})
	assert.Error(t, err)

	_, err = f.Open(ctx, &store.Transfer{Kind: "MOVE", SourcePath: "/a", TargetPath: "/b", AccountID: "nodef", Resource: "r"}, engine.Options{})
	assert.Error(t, err)
}

func TestUpToDate(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name     string
		src, dst provider.FileInfo
		want     bool
	}{
		{"same", provider.NewFileInfo("a", 3, false, now), provider.NewFileInfo("a", 3, false, now), true},
		{"target newer", provider.NewFileInfo("a", 3, false, now), provider.NewFileInfo("a", 3, false, now.Add(time.Hour)), true},
		{"target older", provider.NewFileInfo("a", 3, false, now), provider.NewFileInfo("a", 3, false, now.Add(-time.Hour)), false},
		{"size differs", provider.NewFileInfo("a", 3, false, now), provider.NewFileInfo("a", 4, false, now), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, upToDate(tt.src, tt.dst))
		})
	}
}

func TestFactory_CancelledCopyLeavesNoTarget(t *testing.T) {
	f := newFixture(t)
	src := filepath.Join(f.local, "big.bin")
	writeFile(t, src, "payload")

	ctx, cancel := context.WithCancel(context.Background())
	exec, err := f.factory.Open(ctx, &store.Transfer{
		Kind: store.KindPut, SourcePath: src, TargetPath: "/c", AccountID: "grid",
	}, engine.Options{Force: true})
	require.NoError(t, err)
	items, err := engine.NewWalker(exec.Source()).Walk(ctx, src, exec.TargetRoot())
	require.NoError(t, err)
	require.Len(t, items, 1)

	cancel()
	_, err = exec.Transfer(ctx, items[0], nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	_, statErr := os.Stat(filepath.Join(f.grid, "main", "c", "big.bin"))
	assert.True(t, os.IsNotExist(statErr))
}
