package models

import (
	"time"

	"github.com/uptrace/bun"
)

// SyncKind names an ingestion stream with its own watermark.
type SyncKind string

const (
	KindBulk       SyncKind = "bulk"
	KindStructural SyncKind = "structural-incremental"
	KindRealtime   SyncKind = "realtime-incremental"
)

// SyncKinds lists every stream in watermark order.
var SyncKinds = []SyncKind{KindBulk, KindStructural, KindRealtime}

// Valid reports whether k is a known sync kind.
func (k SyncKind) Valid() bool {
	switch k {
	case KindBulk, KindStructural, KindRealtime:
		return true
	}
	return false
}

// Watermark tracks feed progress for one sync kind. LastSuccessfulCursor only
// moves forward, and only inside the transaction that commits a batch.
type Watermark struct {
	bun.BaseModel `bun:"table:sync_watermarks,alias:wm"`

	Kind                 SyncKind  `bun:"kind,pk" json:"kind"`
	LastSuccessfulCursor int64     `bun:"last_successful_cursor,notnull,default:0" json:"lastSuccessfulCursor"`
	LastAttemptedCursor  int64     `bun:"last_attempted_cursor,notnull,default:0" json:"lastAttemptedCursor"`
	Completed            bool      `bun:"completed,notnull,default:false" json:"completed"`
	UpdatedAt            time.Time `bun:"updated_at,notnull,default:current_timestamp" json:"updatedAt"`
}

// SyncState is the persisted engine state, a single row with ID 1.
type SyncState struct {
	bun.BaseModel `bun:"table:sync_state,alias:ss"`

	ID            int        `bun:"id,pk" json:"-"`
	State         string     `bun:"state,notnull" json:"state"`
	LastSuccessAt *time.Time `bun:"last_success_at" json:"lastSuccessAt"`
	LastError     string     `bun:"last_error,notnull" json:"lastError"`
	UpdatedAt     time.Time  `bun:"updated_at,notnull,default:current_timestamp" json:"updatedAt"`
}

// Run statuses.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
	RunCanceled  = "canceled"
)

// SyncRun is one bulk or incremental pass.
type SyncRun struct {
	bun.BaseModel `bun:"table:sync_runs,alias:sr"`

	RunID       string     `bun:"run_id,pk" json:"runId"`
	Kind        SyncKind   `bun:"kind,notnull" json:"kind"`
	Status      string     `bun:"status,notnull" json:"status"`
	StartedAt   time.Time  `bun:"started_at,notnull" json:"startedAt"`
	FinishedAt  *time.Time `bun:"finished_at" json:"finishedAt,omitempty"`
	FromCursor  int64      `bun:"from_cursor,notnull" json:"fromCursor"`
	ToCursor    int64      `bun:"to_cursor,notnull" json:"toCursor"`
	Batches     int        `bun:"batches,notnull" json:"batches"`
	Records     int        `bun:"records,notnull" json:"records"`
	DeadLetters int        `bun:"dead_letters,notnull" json:"deadLetters"`
	Error       string     `bun:"error,notnull" json:"error,omitempty"`
}

// DeadLetter is a record set aside as unprocessable.
type DeadLetter struct {
	bun.BaseModel `bun:"table:dead_letters,alias:dl"`

	ID         int64      `bun:"id,pk,autoincrement" json:"id"`
	SyncKind   SyncKind   `bun:"sync_kind,notnull" json:"syncKind"`
	Cursor     int64      `bun:"cursor,notnull" json:"cursor"`
	RecordKind string     `bun:"record_kind,notnull" json:"recordKind"`
	Reason     string     `bun:"reason,notnull" json:"reason"`
	Payload    string     `bun:"payload,notnull" json:"payload"`
	CreatedAt  time.Time  `bun:"created_at,notnull,default:current_timestamp" json:"createdAt"`
	ArchivedAt *time.Time `bun:"archived_at" json:"archivedAt,omitempty"`
}
