package engine

import (
	"time"

	"github.com/sirupsen/logrus"
)

// CheckpointConfig defines the criteria for when to save a transfer's restart point.
type CheckpointConfig struct {
	// Items triggers a save after this many successful items
	Items int
	// Interval triggers a save after this much time has passed
	Interval time.Duration
}

// DefaultCheckpointConfig provides reasonable defaults for checkpointing
var DefaultCheckpointConfig = CheckpointConfig{
	Items:    10,
	Interval: 5 * time.Second,
}

type checkpointStore interface {
	Checkpoint(id uint64, path string, transferred int) error
}

// checkpointer records the last successful path of a running transfer so a
// restart can skip what is already on the target.
type checkpointer struct {
	store  checkpointStore
	id     uint64
	config CheckpointConfig
	log    logrus.FieldLogger
	now    func() time.Time

	last      string
	unsaved   int
	lastSaved time.Time
}

func newCheckpointer(s checkpointStore, id uint64, config CheckpointConfig, log logrus.FieldLogger) *checkpointer {
	return &checkpointer{
		store:     s,
		id:        id,
		config:    config,
		log:       log,
		now:       time.Now,
		lastSaved: time.Now(),
	}
}

// success notes path as transferred and saves when a threshold is crossed.
func (c *checkpointer) success(path string, transferred int) {
	c.last = path
	c.unsaved++

	needsCheckpoint := false
	if c.config.Items > 0 && c.unsaved >= c.config.Items {
		needsCheckpoint = true
	} else if c.config.Interval > 0 && c.now().Sub(c.lastSaved) >= c.config.Interval {
		needsCheckpoint = true
	}
	if needsCheckpoint {
		c.save(transferred)
	}
}

// skip moves the restart point past an item that is already on the target
// without counting toward the next save.
func (c *checkpointer) skip(path string) {
	c.last = path
}

// save writes the checkpoint. A failed save is logged and retried on the
// next trigger; it never fails the transfer.
func (c *checkpointer) save(transferred int) {
	if c.last == "" {
		return
	}
	if err := c.store.Checkpoint(c.id, c.last, transferred); err != nil {
		c.log.WithError(err).Warn("failed to save checkpoint")
		return
	}
	c.unsaved = 0
	c.lastSaved = c.now()
}

// lastPath is the most recent successful path, saved or not.
func (c *checkpointer) lastPath() string {
	return c.last
}
