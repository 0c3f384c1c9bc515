package engine

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/franksops/gridxfer/provider"
)

// Walker traverses a source tree iteratively and collects its files in
// lexical order. It avoids deep recursion to prevent stack overflows on
// very deep directory structures.
type Walker struct {
	Source provider.Provider

	// Descend, when set, is called before each directory is listed. A
	// non-nil error stops the walk and is returned as is.
	Descend func(ctx context.Context, dir string) error
}

// NewWalker creates a new iterative directory walker.
func NewWalker(src provider.Provider) *Walker {
	return &Walker{Source: src}
}

func (w *Walker) descend(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.Descend == nil {
		return nil
	}
	return w.Descend(ctx, dir)
}

type walkItem struct {
	relPath string
	info    provider.FileInfo
}

// push adds entries to the stack in reverse so they pop in name order.
func push(stack []walkItem, rel string, entries []provider.FileInfo) []walkItem {
	for i := len(entries) - 1; i >= 0; i-- {
		p := entries[i].Name()
		if rel != "" {
			p = filepath.Join(rel, p)
		}
		stack = append(stack, walkItem{relPath: p, info: entries[i]})
	}
	return stack
}

// Walk returns the files under sourcePath paired with their location under
// targetPath. A plain file yields a single item mapped to targetPath itself.
func (w *Walker) Walk(ctx context.Context, sourcePath, targetPath string) ([]Item, error) {
	stat, err := w.Source.Stat(ctx, sourcePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat source %s: %w", sourcePath, err)
	}

	if !stat.IsDir() {
		return []Item{{SourcePath: sourcePath, TargetPath: targetPath, Info: stat}}, nil
	}

	var items []Item
	var stack []walkItem
	dir, rel := sourcePath, ""
	for {
		if err := w.descend(ctx, dir); err != nil {
			return nil, err
		}
		entries, err := w.Source.List(ctx, dir)
		if err != nil {
			return nil, fmt.Errorf("failed to list directory %s: %w", dir, err)
		}
		stack = push(stack, rel, entries)

		// Pop files until the next directory to descend into.
		descended := false
		for len(stack) > 0 && !descended {
			curr := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			if curr.info.IsDir() {
				dir, rel = filepath.Join(sourcePath, curr.relPath), curr.relPath
				descended = true
				continue
			}
			items = append(items, Item{
				SourcePath: filepath.Join(sourcePath, curr.relPath),
				TargetPath: filepath.Join(targetPath, curr.relPath),
				Info:       curr.info,
			})
		}
		if !descended {
			return items, nil
		}
	}
}
