package syncer

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of an operation or transfer. Transitions
// only move forward; a terminal status never changes again.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

var statusRank = map[Status]int{
	StatusPending:    0,
	StatusInProgress: 1,
	StatusCompleted:  2,
	StatusFailed:     2,
	StatusCancelled:  2,
}

// Terminal reports whether the status can never change again.
func (s Status) Terminal() bool {
	return statusRank[s] == 2
}

// Operation tracks one sync run for one device. It is created by
// Engine.StartSync and mutated only by the engine.
type Operation struct {
	ID             string
	DevicePath     string
	ContentTypes   []string
	CurrentType    string
	Status         Status
	StartTime      time.Time
	EndTime        time.Time
	TotalFiles     int
	ProcessedFiles int
	TotalSize      int64
	ProcessedSize  int64
	CurrentFile    string
	Error          string
}

// advance moves the operation forward; backward or sideways transitions are
// rejected.
func (o *Operation) advance(s Status) bool {
	if statusRank[s] <= statusRank[o.Status] {
		return false
	}
	o.Status = s
	return true
}

// Transfer tracks a single file copy within an operation. Transient; it is
// dropped from the active table once its operation ends.
type Transfer struct {
	ID              string
	SourcePath      string
	DestinationPath string
	Size            int64
	Transferred     int64
	Status          Status
	Checksum        string
	Error           string
}

// Stats aggregates across all operations the engine still remembers.
type Stats struct {
	TotalOperations     int
	ActiveOperations    int
	CompletedOperations int
	FailedOperations    int
	CancelledOperations int
	FilesTransferred    int
	BytesTransferred    int64
}

// TransferError is a per-file copy or verification failure. Verification
// failures are never retried automatically.
type TransferError struct {
	Path   string
	Reason string
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s: %s", e.Path, e.Reason)
}

// OperationError is an aggregate sync failure for one operation.
type OperationError struct {
	OperationID string
	Reason      string
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation %s: %s", e.OperationID, e.Reason)
}
