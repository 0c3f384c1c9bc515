package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"
)

// AddItem appends a per-file record to a transfer's history.
func (s *BoltStore) AddItem(item *Item) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(transfersBucket).Get(itob(item.TransferID)) == nil {
			return ErrTransferNotFound
		}
		b, err := tx.Bucket(itemsBucket).CreateBucketIfNotExists(itob(item.TransferID))
		if err != nil {
			return fmt.Errorf("failed to create item bucket: %w", err)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		item.Seq = seq
		if item.At.IsZero() {
			item.At = s.now()
		}
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal item: %w", err)
		}
		return b.Put(itob(seq), data)
	})
}

func (s *BoltStore) items(id uint64, keep func(*Item) bool) ([]*Item, error) {
	var out []*Item
	err := s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(transfersBucket).Get(itob(id)) == nil {
			return ErrTransferNotFound
		}
		b := tx.Bucket(itemsBucket).Bucket(itob(id))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var item Item
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("failed to unmarshal item: %w", err)
			}
			if keep(&item) {
				out = append(out, &item)
			}
			return nil
		})
	})
	return out, err
}

// Items returns every recorded item for a transfer, in the order recorded.
func (s *BoltStore) Items(id uint64) ([]*Item, error) {
	return s.items(id, func(*Item) bool { return true })
}

// ErrorItems returns the failed items recorded for a transfer.
func (s *BoltStore) ErrorItems(id uint64) ([]*Item, error) {
	return s.items(id, func(i *Item) bool { return i.Error })
}

func deleteItems(tx *bbolt.Tx, id uint64) error {
	err := tx.Bucket(itemsBucket).DeleteBucket(itob(id))
	if err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
		return fmt.Errorf("failed to delete items of transfer %d: %w", id, err)
	}
	return nil
}
