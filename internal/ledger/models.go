package ledger

import "time"

// Outcome is the tri-state success flag of a ledger record
type Outcome string

const (
	OutcomeSuccess Outcome = "Y"
	OutcomeFailure Outcome = "N"
	OutcomeUnknown Outcome = ""
)

// Record is one persisted transfer outcome, keyed by canonical relative path
type Record struct {
	ID                int64
	FilePath          string
	UploadedBytes     int64
	LocalSizeBytes    *int64 // nil when the local size was never recorded
	StatusDescription string
	Successful        Outcome
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Succeeded reports whether the last attempt completed.
func (r *Record) Succeeded() bool { return r.Successful == OutcomeSuccess }

// Failed reports whether the last attempt was recorded as a failure.
func (r *Record) Failed() bool { return r.Successful == OutcomeFailure }

// Entry is an upsert request. Nil byte counts leave the stored values alone.
type Entry struct {
	FilePath          string
	UploadedBytes     *int64
	LocalSizeBytes    *int64
	StatusDescription string
	Successful        Outcome
}

// Counts summarises the ledger by outcome
type Counts struct {
	Successful    int
	Failed        int
	Unknown       int
	UploadedBytes int64
}

// Total returns the number of records.
func (c Counts) Total() int { return c.Successful + c.Failed + c.Unknown }

// DeliveryRun records one pass over a delivery directory
type DeliveryRun struct {
	ID               int64
	RunID            string // shared by every directory in one pipeline pass
	Directory        string
	StartTime        time.Time
	EndTime          time.Time
	FilesAttempted   int
	FilesSucceeded   int
	FilesFailed      int
	FilesSkipped     int
	FilesUnresolved  int
	BytesTransferred int64
	Status           string // "running", "delivered", "completed", "errored", "failed"
	ErrorMessage     string
}

// Int64 returns a pointer to n, for Entry fields.
func Int64(n int64) *int64 { return &n }
