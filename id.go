package kiln

import (
	"time"

	"github.com/google/uuid"
)

// NewRunID generates a globally unique, time-sortable run identifier
// (UUIDv7, RFC 9562). Run IDs are opaque; comparison is byte-wise.
func NewRunID() string {
	return "run_" + uuid.Must(uuid.NewV7()).String()
}

// NewTaskID generates a unique task identifier.
func NewTaskID() string {
	return "task_" + uuid.Must(uuid.NewV7()).String()
}

// NewSessionID generates a unique session identifier.
func NewSessionID() string {
	return "sess_" + uuid.Must(uuid.NewV7()).String()
}

// NewFactID generates a unique fact identifier.
func NewFactID() string {
	return "fact_" + uuid.Must(uuid.NewV7()).String()
}

// NowUTC returns the current time in UTC truncated to millisecond
// precision, the resolution at which event timestamps are recorded.
func NowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
