package store

import (
	"fmt"
	"time"
)

// Kind is the operation a transfer performs.
type Kind string

const (
	KindPut       Kind = "PUT"
	KindGet       Kind = "GET"
	KindReplicate Kind = "REPLICATE"
	KindCopy      Kind = "COPY"
	KindSynch     Kind = "SYNCH"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindPut, KindGet, KindReplicate, KindCopy, KindSynch:
		return true
	}
	return false
}

// State is the lifecycle state of a queued transfer.
type State string

const (
	StateEnqueued   State = "ENQUEUED"
	StateProcessing State = "PROCESSING"
	StateComplete   State = "COMPLETE"
	StateError      State = "ERROR"
	StateCancelled  State = "CANCELLED"
	StatePaused     State = "PAUSED"
)

// Status classifies how a transfer went, independent of its State.
type Status string

const (
	StatusOK      Status = "OK"
	StatusWarning Status = "WARNING"
	StatusError   Status = "ERROR"
)

// Transfer is a queue entry. It is mutated only by the store and by the
// engine's manager, never directly by a runner.
type Transfer struct {
	ID                 uint64    `json:"id"`
	Kind               Kind      `json:"kind"`
	SourcePath         string    `json:"source_path"`
	TargetPath         string    `json:"target_path"`
	Resource           string    `json:"resource"`
	AccountID          string    `json:"account_id"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	StartedAt          time.Time `json:"started_at,omitempty"`
	CompletedAt        time.Time `json:"completed_at,omitempty"`
	LastSuccessfulPath string    `json:"last_successful_path,omitempty"`
	State              State     `json:"state"`
	Status             Status    `json:"status"`
	ErrorMessage       string    `json:"error_message,omitempty"`
	TotalFiles         int       `json:"total_files"`
	TransferredFiles   int       `json:"transferred_files"`
	ErrorCount         int       `json:"error_count"`
}

func (t *Transfer) String() string {
	return fmt.Sprintf("transfer %d %s %s -> %s [%s/%s]", t.ID, t.Kind, t.SourcePath, t.TargetPath, t.State, t.Status)
}

// Active reports whether the transfer is still queued or running.
func (t *Transfer) Active() bool {
	return t.State == StateEnqueued || t.State == StateProcessing || t.State == StatePaused
}

// Item is the per-file detail record kept for a transfer.
type Item struct {
	TransferID   uint64    `json:"transfer_id"`
	Seq          uint64    `json:"seq"`
	SourcePath   string    `json:"source_path"`
	TargetPath   string    `json:"target_path"`
	Error        bool      `json:"error"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Skipped      bool      `json:"skipped,omitempty"`
	Bytes        int64     `json:"bytes"`
	At           time.Time `json:"at"`
}

// Outcome is what a runner reports when it finishes a transfer.
type Outcome struct {
	State              State
	Status             Status
	ErrorMessage       string
	LastSuccessfulPath string
	TotalFiles         int
	TransferredFiles   int
	ErrorCount         int
}
