package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/franksops/gridxfer/store"
)

// errCancelled stops a runner whose control block was cancelled.
var errCancelled = errors.New("transfer cancelled")

// runner executes one dequeued transfer. It never touches the manager's
// state directly; every status goes through the manager's notify methods.
type runner struct {
	m        *Manager
	transfer *store.Transfer
	cb       *ControlBlock
	log      logrus.FieldLogger
	ckpt     *checkpointer
}

func newRunner(m *Manager, t *store.Transfer, cb *ControlBlock) *runner {
	log := m.log.WithFields(logrus.Fields{"transfer_id": t.ID, "kind": t.Kind})
	return &runner{
		m:        m,
		transfer: t,
		cb:       cb,
		log:      log,
		ckpt:     newCheckpointer(m.queue, t.ID, m.cfg.Checkpoint, log),
	}
}

func (r *runner) run(ctx context.Context) {
	defer r.m.wg.Done()

	r.m.notifyOverallStatus(r.status(OverallInitiation))
	outcome := r.execute(ctx)

	if err := r.m.queue.Complete(r.transfer.ID, outcome); err != nil {
		r.log.WithError(err).Error("failed to persist transfer outcome")
		r.m.notifyErrorCondition()
		outcome = r.release(outcome, err)
	}
	r.log.WithFields(logrus.Fields{
		"state":       outcome.State,
		"status":      outcome.Status,
		"transferred": outcome.TransferredFiles,
		"errors":      outcome.ErrorCount,
	}).Info("transfer finished")

	final := r.status(OverallCompletion)
	if outcome.ErrorMessage != "" {
		final.Err = errors.New(outcome.ErrorMessage)
	}
	r.m.notifyOverallStatus(final)
	r.m.notifyComplete(r)
}

// release retries once with an ERROR outcome so the record leaves PROCESSING
// and the queue is not held. A shutdown outcome stays ENQUEUED. If the retry
// fails too, the record is requeued by RecoverAtStartup on the next start.
func (r *runner) release(o store.Outcome, cause error) store.Outcome {
	if o.State != store.StateEnqueued {
		o.State = store.StateError
		o.Status = store.StatusError
		o.ErrorMessage = fmt.Sprintf("failed to persist outcome: %v", cause)
	}
	if err := r.m.queue.Complete(r.transfer.ID, o); err != nil {
		r.log.WithError(err).Error("transfer record left in progress until restart")
	}
	return o
}

// status builds an event carrying the current counters.
func (r *runner) status(state TransferState) TransferStatus {
	p := r.cb.Snapshot()
	return TransferStatus{
		TransferID:       r.transfer.ID,
		Kind:             r.transfer.Kind,
		State:            state,
		SourcePath:       r.transfer.SourcePath,
		TargetPath:       r.transfer.TargetPath,
		Resource:         r.transfer.Resource,
		Bytes:            p.Bytes,
		TotalFiles:       p.TotalFiles,
		TransferredFiles: p.TransferredFiles,
		ErrorCount:       p.ErrorCount,
	}
}

func (r *runner) itemStatus(state TransferState, item Item, bytes int64, err error) {
	s := r.status(state)
	s.SourcePath = item.SourcePath
	s.TargetPath = item.TargetPath
	s.Bytes = bytes
	s.Err = err
	r.m.notifyItemStatus(s)
}

func (r *runner) outcome(state store.State, status store.Status, err error) store.Outcome {
	p := r.cb.Snapshot()
	o := store.Outcome{
		State:              state,
		Status:             status,
		LastSuccessfulPath: r.ckpt.lastPath(),
		TotalFiles:         p.TotalFiles,
		TransferredFiles:   p.TransferredFiles,
		ErrorCount:         p.ErrorCount,
	}
	if err != nil {
		o.ErrorMessage = err.Error()
	}
	return o
}

// warningOr is OK unless some item failed.
func (r *runner) warningOr() store.Status {
	if r.cb.ErrorCount() > 0 {
		return store.StatusWarning
	}
	return store.StatusOK
}

// stopped maps an early stop to its outcome: a manager shutdown requeues the
// transfer, a cancel marks it CANCELLED and anything else is fatal.
func (r *runner) stopped(ctx context.Context, err error) store.Outcome {
	switch {
	case ctx.Err() != nil:
		r.log.Info("transfer interrupted by shutdown, requeueing")
		return r.outcome(store.StateEnqueued, store.StatusOK, nil)
	case errors.Is(err, errCancelled):
		s := r.status(Cancelled)
		r.m.notifyItemStatus(s)
		return r.outcome(store.StateCancelled, r.warningOr(), nil)
	default:
		r.log.WithError(err).Error("transfer failed")
		r.m.notifyErrorCondition()
		return r.outcome(store.StateError, store.StatusError, err)
	}
}

// gate is the per-item and per-directory checkpoint: it reports cancel and
// shutdown, and parks the runner while paused.
func (r *runner) gate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.cb.IsCancelled() {
		return errCancelled
	}
	if !r.cb.IsPaused() {
		return nil
	}

	r.log.Info("transfer paused")
	if err := r.m.queue.SetState(r.transfer.ID, store.StatePaused); err != nil {
		r.log.WithError(err).Warn("failed to persist paused state")
	}
	r.m.notifyItemStatus(r.status(PausedState))

	if err := r.cb.WaitWhilePaused(ctx); err != nil {
		return err
	}
	if r.cb.IsCancelled() {
		return errCancelled
	}
	if err := r.m.queue.SetState(r.transfer.ID, store.StateProcessing); err != nil {
		r.log.WithError(err).Warn("failed to persist processing state")
	}
	r.log.Info("transfer resumed")
	return nil
}

func (r *runner) execute(ctx context.Context) store.Outcome {
	exec, err := r.m.session.Open(ctx, r.transfer, r.cb.Options())
	if err != nil {
		return r.stopped(ctx, fmt.Errorf("failed to open session: %w", err))
	}
	defer func() {
		if err := exec.Close(); err != nil {
			r.log.WithError(err).Warn("failed to close session")
		}
	}()

	walker := NewWalker(exec.Source())
	walker.Descend = func(ctx context.Context, dir string) error {
		return r.gate(ctx)
	}
	items, err := walker.Walk(ctx, r.transfer.SourcePath, exec.TargetRoot())
	if err != nil {
		return r.stopped(ctx, fmt.Errorf("discovery failed: %w", err))
	}
	r.cb.SetTotalFilesToTransfer(len(items))
	r.m.notifyOverallStatus(r.status(InProgress))
	r.log.WithField("files", len(items)).Debug("discovery complete")

	restart := r.cb.RestartPath()
	if restart != "" && !containsSource(items, restart) {
		r.log.WithField("path", restart).Warn("checkpoint not found in source, starting over")
		restart = ""
	}

	for _, item := range items {
		if restart != "" {
			r.skipForRestart(item)
			if item.SourcePath == restart {
				restart = ""
			}
			continue
		}

		if err := r.gate(ctx); err != nil {
			r.ckpt.save(r.cb.TotalFilesTransferredSoFar())
			return r.stopped(ctx, err)
		}

		if !r.cb.Filter(item.SourcePath) {
			r.itemStatus(Skipped, item, 0, nil)
			continue
		}

		r.itemStatus(InProgress, item, 0, nil)
		res, err := exec.Transfer(ctx, item, r.cb.AddBytes)
		if err != nil {
			if ctx.Err() != nil {
				r.ckpt.save(r.cb.TotalFilesTransferredSoFar())
				return r.stopped(ctx, ctx.Err())
			}
			if abandoned := r.failed(item, err); abandoned {
				r.ckpt.save(r.cb.TotalFilesTransferredSoFar())
				r.m.notifyErrorCondition()
				return r.outcome(store.StateError, store.StatusError,
					fmt.Errorf("abandoned after %d errors", r.cb.ErrorCount()))
			}
			continue
		}

		transferred := r.cb.IncrementFilesTransferredSoFar()
		r.ckpt.success(item.SourcePath, transferred)
		if r.m.cfg.LogSuccessfulTransfers {
			r.record(&store.Item{SourcePath: item.SourcePath, TargetPath: item.TargetPath, Bytes: res.Bytes, Skipped: res.UpToDate})
		}
		if res.UpToDate {
			r.itemStatus(Skipped, item, 0, nil)
		} else {
			r.itemStatus(Success, item, res.Bytes, nil)
		}
	}

	r.ckpt.save(r.cb.TotalFilesTransferredSoFar())
	status := r.warningOr()
	if status == store.StatusOK {
		r.m.notifyOKCondition()
	}
	return r.outcome(store.StateComplete, status, nil)
}

// failed handles one item error and reports whether the error budget is spent.
func (r *runner) failed(item Item, err error) bool {
	r.log.WithError(err).WithField("path", item.SourcePath).Warn("item transfer failed")
	r.record(&store.Item{SourcePath: item.SourcePath, TargetPath: item.TargetPath, Error: true, ErrorMessage: err.Error()})
	r.cb.ReportErrorInTransfer()
	r.m.notifyWarningCondition()
	r.itemStatus(Failure, item, 0, err)

	if !r.cb.ShouldTransferBeAbandonedDueToNumberOfErrors() {
		return false
	}
	r.log.WithField("errors", r.cb.ErrorCount()).Error("error budget exhausted, abandoning transfer")
	r.itemStatus(Abandoned, item, 0, err)
	return true
}

// skipForRestart accounts for an item already moved by a previous attempt.
func (r *runner) skipForRestart(item Item) {
	r.cb.IncrementFilesTransferredSoFar()
	r.ckpt.skip(item.SourcePath)
	if r.m.cfg.LogRestartFiles {
		r.record(&store.Item{SourcePath: item.SourcePath, TargetPath: item.TargetPath, Skipped: true})
	}
	r.itemStatus(Restarting, item, 0, nil)
}

func (r *runner) record(item *store.Item) {
	item.TransferID = r.transfer.ID
	item.At = time.Now()
	if err := r.m.queue.AddItem(item); err != nil {
		r.log.WithError(err).WithField("path", item.SourcePath).Warn("failed to record item")
	}
}

func containsSource(items []Item, path string) bool {
	for _, item := range items {
		if item.SourcePath == path {
			return true
		}
	}
	return false
}
