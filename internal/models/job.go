// Package models defines the persisted shapes of the query processor domain.
package models

import "time"

// Status enumerates the six-value lifecycle a query row can be in. The
// dispatcher's worker must distinguish the pre- and post-export phases for
// recovery and status reporting, so transferring is a first-class value
// and not folded into running.
const (
	StatusPending      = "pending"
	StatusQueued       = "queued"
	StatusRunning      = "running"
	StatusTransferring = "transferring"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
)

// Terminal reports whether a status has no further transitions except rerun.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// DBCredentials identifies the remote database a query runs against.
type DBCredentials struct {
	Username string `json:"db_username"`
	Password string `json:"db_password"`
	TNS      string `json:"db_tns"`
	Kind     string `json:"db_kind"`
}

// ResultMetadata is the sparse map populated once export (and, if
// applicable, transfer) finishes.
type ResultMetadata struct {
	RowCount    int64  `json:"row_count,omitempty"`
	ColumnCount int    `json:"column_count,omitempty"`
	ByteSize    int64  `json:"byte_size,omitempty"`
	LocalPath   string `json:"local_path,omitempty"`
	RemotePath  string `json:"remote_path,omitempty"`
}

// Job is a single submitted unit of work: a row in the queries table.
type Job struct {
	ID             string
	UserID         string
	DBCredentials  DBCredentials
	QueryText      string
	ExportType     string
	ExportLocation string
	ExportFilename string
	SSHTarget      string
	Status         string
	ErrorMessage   *string
	ResultMetadata ResultMetadata
	ProcessGen     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// ValidExportType reports whether t is one of the four supported formats.
func ValidExportType(t string) bool {
	switch t {
	case "csv", "excel", "json", "feather":
		return true
	default:
		return false
	}
}

// SSHIdentity is the owning user's resolved SSH identity for transfer.
type SSHIdentity struct {
	Host          string
	Port          int
	Username      string
	Password      string
	PrivateKey    string
	KeyPassphrase string
}

// UserSettings holds a user's defaults, read-through by the dispatcher
// when materializing a job's effective configuration.
type UserSettings struct {
	UserID             string
	MaxParallelQueries int
	DefaultExportType  string
	DefaultExportLoc   string
	SSH                SSHIdentity
}

// AuditLog is an append-only lifecycle event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
