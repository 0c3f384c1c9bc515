package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	// ErrTransferNotFound is returned when a transfer is not found in the store.
	ErrTransferNotFound = errors.New("transfer not found")

	// ErrTransferInProgress is returned when an operation would touch, or
	// create a second, transfer in PROCESSING state.
	ErrTransferInProgress = errors.New("transfer in progress")

	// ErrInvalidState is returned for a state change the lifecycle does not allow.
	ErrInvalidState = errors.New("invalid transfer state")
)

var (
	transfersBucket = []byte("transfers")
	itemsBucket     = []byte("items")
)

// BoltStore is the durable transfer queue, backed by bbolt. Transfers are
// keyed by a big-endian sequence so cursor order is enqueue order.
type BoltStore struct {
	db  *bbolt.DB
	now func() time.Time
}

// NewBoltStore opens (or creates) a BoltStore at the given path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{transfersBucket, itemsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create queue buckets: %w", err)
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

// DB exposes the underlying database so other services can keep their
// buckets in the same file.
func (s *BoltStore) DB() *bbolt.DB {
	return s.db
}

// Close closes the underlying store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func putTransfer(b *bbolt.Bucket, t *Transfer) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal transfer: %w", err)
	}
	if err := b.Put(itob(t.ID), data); err != nil {
		return fmt.Errorf("failed to put transfer: %w", err)
	}
	return nil
}

func getTransfer(b *bbolt.Bucket, id uint64) (*Transfer, error) {
	data := b.Get(itob(id))
	if data == nil {
		return nil, ErrTransferNotFound
	}
	var t Transfer
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transfer %d: %w", id, err)
	}
	return &t, nil
}

// forEach walks transfers in enqueue order. Returning false from fn stops the walk.
func forEach(b *bbolt.Bucket, fn func(t *Transfer) (bool, error)) error {
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var t Transfer
		if err := json.Unmarshal(v, &t); err != nil {
			return fmt.Errorf("failed to unmarshal transfer: %w", err)
		}
		more, err := fn(&t)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

// update loads a transfer, applies fn and saves it in one write transaction.
func (s *BoltStore) update(id uint64, fn func(t *Transfer) error) (*Transfer, error) {
	var out *Transfer
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(transfersBucket)
		t, err := getTransfer(b, id)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
		t.UpdatedAt = s.now()
		out = t
		return putTransfer(b, t)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// list returns the transfers accepted by keep, in enqueue order.
func (s *BoltStore) list(keep func(t *Transfer) bool) ([]*Transfer, error) {
	var out []*Transfer
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEach(tx.Bucket(transfersBucket), func(t *Transfer) (bool, error) {
			if keep(t) {
				out = append(out, t)
			}
			return true, nil
		})
	})
	return out, err
}

// Get retrieves a transfer by id.
func (s *BoltStore) Get(id uint64) (*Transfer, error) {
	var t *Transfer
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		t, err = getTransfer(tx.Bucket(transfersBucket), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}
