package engine

import (
	"github.com/franksops/gridxfer/provider"
)

// Item is a single file discovered in the source tree of a transfer.
type Item struct {
	// SourcePath is the file path to read from the source provider.
	SourcePath string

	// TargetPath is the file path to write to the target provider.
	TargetPath string

	// Info holds the source metadata, preserved on the target where the
	// provider supports it.
	Info provider.FileInfo
}
