package engine

import (
	"context"
	"fmt"
	"sync"
)

// DefaultMaxErrorsBeforeCanceling is the error budget of a fresh control block.
const DefaultMaxErrorsBeforeCanceling = 5

// Unlimited disables abandonment by error count.
const Unlimited = -1

// Options are the per-transfer switches handed to the session.
type Options struct {
	Force          bool
	VerifyChecksum bool
}

// Progress is a consistent copy of a control block's counters.
type Progress struct {
	TotalFiles       int
	TransferredFiles int
	ErrorCount       int
	Bytes            int64
	Paused           bool
	Cancelled        bool
}

// ControlBlock is the state shared between the manager's controller calls
// and the runner of one transfer. Every field is guarded by mu.
type ControlBlock struct {
	mu sync.Mutex

	cancelled bool
	paused    bool
	// wake is closed and replaced whenever paused or cancelled changes.
	wake chan struct{}

	maxErrors   int
	errorCount  int
	total       int
	transferred int
	bytes       int64

	options     Options
	filter      func(path string) bool
	restartPath string
}

// NewControlBlock returns a control block seeded with a restart checkpoint.
func NewControlBlock(restartPath string, opts Options) *ControlBlock {
	return &ControlBlock{
		wake:        make(chan struct{}),
		maxErrors:   DefaultMaxErrorsBeforeCanceling,
		options:     opts,
		restartPath: restartPath,
	}
}

func (c *ControlBlock) signalLocked() {
	close(c.wake)
	c.wake = make(chan struct{})
}

// IsCancelled reports whether the transfer was asked to stop.
func (c *ControlBlock) IsCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// SetCancelled requests a cooperative stop and wakes a paused runner.
func (c *ControlBlock) SetCancelled(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled != v {
		c.cancelled = v
		c.signalLocked()
	}
}

// IsPaused reports whether the runner should park at its next boundary.
func (c *ControlBlock) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// SetPaused parks or releases the runner.
func (c *ControlBlock) SetPaused(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused != v {
		c.paused = v
		c.signalLocked()
	}
}

// WaitWhilePaused blocks until the block is unpaused or cancelled, or ctx ends.
func (c *ControlBlock) WaitWhilePaused(ctx context.Context) error {
	for {
		c.mu.Lock()
		if !c.paused || c.cancelled {
			c.mu.Unlock()
			return nil
		}
		wake := c.wake
		c.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SetFilter installs the path predicate; nil keeps every path.
func (c *ControlBlock) SetFilter(f func(path string) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filter = f
}

// Filter reports whether path should be transferred.
func (c *ControlBlock) Filter(path string) bool {
	c.mu.Lock()
	f := c.filter
	c.mu.Unlock()
	return f == nil || f(path)
}

// ReportErrorInTransfer records one item failure and returns the new count.
func (c *ControlBlock) ReportErrorInTransfer() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCount++
	return c.errorCount
}

// ErrorCount is the number of items that failed so far.
func (c *ControlBlock) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errorCount
}

// ShouldTransferBeAbandonedDueToNumberOfErrors applies the error budget.
func (c *ControlBlock) ShouldTransferBeAbandonedDueToNumberOfErrors() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxErrors != Unlimited && c.errorCount >= c.maxErrors
}

// MaxErrorsBeforeCanceling returns the error budget, Unlimited for none.
func (c *ControlBlock) MaxErrorsBeforeCanceling() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxErrors
}

// SetMaxErrorsBeforeCanceling sets the error budget. Values below Unlimited
// are rejected.
func (c *ControlBlock) SetMaxErrorsBeforeCanceling(n int) error {
	if n < Unlimited {
		return fmt.Errorf("max errors before canceling must be >= %d, got %d", Unlimited, n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxErrors = n
	return nil
}

// TotalFilesToTransfer is the item count found by discovery.
func (c *ControlBlock) TotalFilesToTransfer() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// SetTotalFilesToTransfer records the discovery result.
func (c *ControlBlock) SetTotalFilesToTransfer(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total = n
}

// TotalFilesTransferredSoFar counts moved, up-to-date and restart-skipped items.
func (c *ControlBlock) TotalFilesTransferredSoFar() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transferred
}

// IncrementFilesTransferredSoFar bumps the transferred counter and returns it.
func (c *ControlBlock) IncrementFilesTransferredSoFar() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transferred++
	return c.transferred
}

// AddBytes accumulates bytes moved by the current transfer.
func (c *ControlBlock) AddBytes(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bytes += n
}

// Options returns the per-transfer options.
func (c *ControlBlock) Options() Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.options
}

// SetOptions replaces the per-transfer options.
func (c *ControlBlock) SetOptions(o Options) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.options = o
}

// RestartPath is the checkpoint the transfer resumes after, or "".
func (c *ControlBlock) RestartPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restartPath
}

// Snapshot copies every counter and flag under one lock.
func (c *ControlBlock) Snapshot() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Progress{
		TotalFiles:       c.total,
		TransferredFiles: c.transferred,
		ErrorCount:       c.errorCount,
		Bytes:            c.bytes,
		Paused:           c.paused,
		Cancelled:        c.cancelled,
	}
}
