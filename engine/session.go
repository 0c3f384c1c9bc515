package engine

import (
	"context"

	"github.com/franksops/gridxfer/provider"
	"github.com/franksops/gridxfer/store"
)

// Result describes one successful item transfer.
type Result struct {
	Bytes int64
	// UpToDate is set when the target already matched and nothing was moved.
	UpToDate bool
}

// Executor moves the items of one transfer. It is opened by a Session for a
// dequeued transfer and closed when the runner finishes.
type Executor interface {
	// Source is the provider the runner walks to discover items.
	Source() provider.Provider

	// TargetRoot is where the root of SourcePath lands on the target.
	TargetRoot() string

	// Transfer moves a single item, calling progress with byte counts as
	// data flows.
	Transfer(ctx context.Context, item Item, progress func(n int64)) (Result, error)

	Close() error
}

// Session resolves a transfer's account into an Executor for its kind.
type Session interface {
	Open(ctx context.Context, t *store.Transfer, opts Options) (Executor, error)
}

// QueueService is the durable queue the manager drives.
type QueueService interface {
	Enqueue(t *store.Transfer) error
	Dequeue() (*store.Transfer, error)
	Get(id uint64) (*store.Transfer, error)
	SetState(id uint64, state store.State) error
	Checkpoint(id uint64, path string, transferred int) error
	Complete(id uint64, o store.Outcome) error
	Restart(id uint64) (*store.Transfer, error)
	Resubmit(id uint64) (*store.Transfer, error)
	SetCancelled(id uint64) error
	Purge() (int, error)
	PurgeSuccessful() (int, error)
	Current() ([]*store.Transfer, error)
	Recent(n int) ([]*store.Transfer, error)
	Errors() ([]*store.Transfer, error)
	Warnings() ([]*store.Transfer, error)
	AddItem(item *store.Item) error
	Items(id uint64) ([]*store.Item, error)
	ErrorItems(id uint64) ([]*store.Item, error)
	RecoverAtStartup() (int, error)
}

// Accounts is the credential gate consulted at construction and enqueue.
type Accounts interface {
	ValidatePassPhrase(passPhrase string) error
	Exists(idOrName string) (bool, error)
}
