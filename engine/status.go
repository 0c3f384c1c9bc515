package engine

import (
	"errors"
	"fmt"

	"github.com/franksops/gridxfer/store"
)

var (
	// ErrInvalidRequest is wrapped by every enqueue validation failure.
	ErrInvalidRequest = errors.New("invalid transfer request")

	// ErrShutdown is returned by calls made after Shutdown.
	ErrShutdown = errors.New("transfer manager is shut down")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// RunningStatus is the process-wide execution state of the manager.
type RunningStatus string

const (
	Idle       RunningStatus = "IDLE"
	Processing RunningStatus = "PROCESSING"
	Paused     RunningStatus = "PAUSED"
)

// ErrorStatus is the process-wide health of the current or last transfer.
type ErrorStatus string

const (
	StatusOK      ErrorStatus = "OK"
	StatusWarning ErrorStatus = "WARNING"
	StatusError   ErrorStatus = "ERROR"
)

// TransferState tags a TransferStatus event.
type TransferState string

const (
	OverallInitiation TransferState = "OVERALL_INITIATION"
	OverallCompletion TransferState = "OVERALL_COMPLETION"
	InProgress        TransferState = "IN_PROGRESS"
	Success           TransferState = "SUCCESS"
	Failure           TransferState = "FAILURE"
	Skipped           TransferState = "SKIPPED"
	Restarting        TransferState = "RESTARTING"
	PausedState       TransferState = "PAUSED"
	Cancelled         TransferState = "CANCELLED"
	Abandoned         TransferState = "ABANDONED"
)

// TransferStatus describes one item event or the overall progress of a transfer.
type TransferStatus struct {
	TransferID       uint64
	Kind             store.Kind
	State            TransferState
	SourcePath       string
	TargetPath       string
	Resource         string
	Bytes            int64
	TotalFiles       int
	TransferredFiles int
	ErrorCount       int
	Err              error
}

func (s TransferStatus) String() string {
	if s.Err != nil {
		return fmt.Sprintf("%d %s %s %s: %v", s.TransferID, s.Kind, s.State, s.SourcePath, s.Err)
	}
	return fmt.Sprintf("%d %s %s %s (%d/%d)", s.TransferID, s.Kind, s.State, s.SourcePath, s.TransferredFiles, s.TotalFiles)
}
