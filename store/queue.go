package store

import (
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

// Enqueue appends a transfer to the queue in ENQUEUED state and assigns its id.
func (s *BoltStore) Enqueue(t *Transfer) error {
	if !t.Kind.Valid() {
		return fmt.Errorf("unknown transfer kind %q", t.Kind)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(transfersBucket)
		id, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate transfer id: %w", err)
		}
		now := s.now()
		t.ID = id
		t.State = StateEnqueued
		t.Status = StatusOK
		t.CreatedAt = now
		t.UpdatedAt = now
		return putTransfer(b, t)
	})
}

// Dequeue pops the oldest ENQUEUED transfer and marks it PROCESSING. It
// returns nil when the queue is empty and ErrTransferInProgress when another
// transfer is already running. The read and the state change share one write
// transaction, so concurrent callers never receive the same transfer.
func (s *BoltStore) Dequeue() (*Transfer, error) {
	var out *Transfer
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(transfersBucket)
		var next *Transfer
		err := forEach(b, func(t *Transfer) (bool, error) {
			switch t.State {
			case StateProcessing, StatePaused:
				return false, fmt.Errorf("%w: %s", ErrTransferInProgress, t)
			case StateEnqueued:
				if next == nil {
					next = t
				}
			}
			return true, nil
		})
		if err != nil || next == nil {
			return err
		}
		now := s.now()
		next.State = StateProcessing
		next.StartedAt = now
		next.UpdatedAt = now
		out = next
		return putTransfer(b, next)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetState moves a transfer between PROCESSING and PAUSED while its runner is alive.
func (s *BoltStore) SetState(id uint64, state State) error {
	_, err := s.update(id, func(t *Transfer) error {
		if state != StateProcessing && state != StatePaused {
			return fmt.Errorf("%w: cannot set %s directly", ErrInvalidState, state)
		}
		if t.State != StateProcessing && t.State != StatePaused {
			return fmt.Errorf("%w: %s is not running", ErrInvalidState, t)
		}
		t.State = state
		return nil
	})
	return err
}

// Checkpoint records the last path that transferred successfully.
func (s *BoltStore) Checkpoint(id uint64, path string, transferred int) error {
	_, err := s.update(id, func(t *Transfer) error {
		t.LastSuccessfulPath = path
		t.TransferredFiles = transferred
		return nil
	})
	return err
}

// Complete persists the final outcome reported by a runner.
func (s *BoltStore) Complete(id uint64, o Outcome) error {
	_, err := s.update(id, func(t *Transfer) error {
		t.State = o.State
		t.Status = o.Status
		t.ErrorMessage = o.ErrorMessage
		if o.LastSuccessfulPath != "" {
			t.LastSuccessfulPath = o.LastSuccessfulPath
		}
		t.TotalFiles = o.TotalFiles
		t.TransferredFiles = o.TransferredFiles
		t.ErrorCount = o.ErrorCount
		if o.State != StateEnqueued {
			t.CompletedAt = s.now()
		}
		return nil
	})
	return err
}

func requeue(t *Transfer) error {
	switch t.State {
	case StateProcessing, StatePaused:
		return fmt.Errorf("%w: %s", ErrTransferInProgress, t)
	case StateEnqueued:
		return fmt.Errorf("%w: %s is already enqueued", ErrInvalidState, t)
	}
	t.State = StateEnqueued
	t.Status = StatusOK
	t.ErrorMessage = ""
	t.ErrorCount = 0
	return nil
}

// Restart re-enqueues a finished transfer so it resumes after its checkpoint.
func (s *BoltStore) Restart(id uint64) (*Transfer, error) {
	return s.update(id, requeue)
}

// Resubmit re-enqueues a finished transfer to run again from scratch.
func (s *BoltStore) Resubmit(id uint64) (*Transfer, error) {
	var out *Transfer
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(transfersBucket)
		t, err := getTransfer(b, id)
		if err != nil {
			return err
		}
		if err := requeue(t); err != nil {
			return err
		}
		t.LastSuccessfulPath = ""
		t.TotalFiles = 0
		t.TransferredFiles = 0
		t.CompletedAt = time.Time{}
		t.UpdatedAt = s.now()
		if err := deleteItems(tx, id); err != nil {
			return err
		}
		out = t
		return putTransfer(b, t)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetCancelled marks a transfer that is not running as CANCELLED.
func (s *BoltStore) SetCancelled(id uint64) error {
	_, err := s.update(id, func(t *Transfer) error {
		switch t.State {
		case StateProcessing, StatePaused:
			return fmt.Errorf("%w: %s", ErrTransferInProgress, t)
		case StateComplete:
			return fmt.Errorf("%w: %s already completed", ErrInvalidState, t)
		}
		t.State = StateCancelled
		t.CompletedAt = s.now()
		return nil
	})
	return err
}

// purge deletes every transfer accepted by drop, along with its items.
func (s *BoltStore) purge(drop func(t *Transfer) bool) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(transfersBucket)
		var ids []uint64
		err := forEach(b, func(t *Transfer) (bool, error) {
			if drop(t) {
				ids = append(ids, t.ID)
			}
			return true, nil
		})
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := b.Delete(itob(id)); err != nil {
				return fmt.Errorf("failed to delete transfer %d: %w", id, err)
			}
			if err := deleteItems(tx, id); err != nil {
				return err
			}
		}
		n = len(ids)
		return nil
	})
	return n, err
}

// Purge deletes every transfer except the one being processed.
func (s *BoltStore) Purge() (int, error) {
	return s.purge(func(t *Transfer) bool {
		return t.State != StateProcessing && t.State != StatePaused
	})
}

// PurgeSuccessful deletes transfers that completed without warnings or errors.
func (s *BoltStore) PurgeSuccessful() (int, error) {
	return s.purge(func(t *Transfer) bool {
		return t.State == StateComplete && t.Status == StatusOK
	})
}

// Current returns queued and running transfers in FIFO order.
func (s *BoltStore) Current() ([]*Transfer, error) {
	return s.list(func(t *Transfer) bool { return t.Active() })
}

// Recent returns up to n transfers, newest first. n <= 0 means all.
func (s *BoltStore) Recent(n int) ([]*Transfer, error) {
	all, err := s.list(func(*Transfer) bool { return true })
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all, nil
}

// Errors returns transfers that ended in error.
func (s *BoltStore) Errors() ([]*Transfer, error) {
	return s.list(func(t *Transfer) bool {
		return t.State == StateError || t.Status == StatusError
	})
}

// Warnings returns transfers that completed with item failures.
func (s *BoltStore) Warnings() ([]*Transfer, error) {
	return s.list(func(t *Transfer) bool { return t.Status == StatusWarning })
}

// RecoverAtStartup puts transfers left PROCESSING or PAUSED by a previous
// process back in the queue, keeping their checkpoints.
func (s *BoltStore) RecoverAtStartup() (int, error) {
	n := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(transfersBucket)
		var stale []*Transfer
		err := forEach(b, func(t *Transfer) (bool, error) {
			if t.State == StateProcessing || t.State == StatePaused {
				stale = append(stale, t)
			}
			return true, nil
		})
		if err != nil {
			return err
		}
		for _, t := range stale {
			t.State = StateEnqueued
			t.UpdatedAt = s.now()
			if err := putTransfer(b, t); err != nil {
				return err
			}
		}
		n = len(stale)
		return nil
	})
	return n, err
}
