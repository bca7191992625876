package model

import "time"

// ErrorKind mirrors the sync error taxonomy for reporting.
type ErrorKind string

const (
	ErrorRetryable   ErrorKind = "retryable"
	ErrorFatal       ErrorKind = "fatal"
	ErrorDataAnomaly ErrorKind = "data_anomaly"
	ErrorPartialItem ErrorKind = "partial_item"
)

// SyncError is the structured last-error payload recorded on accounts
// and folders.
type SyncError struct {
	Message   string    `json:"message"`
	Kind      ErrorKind `json:"kind,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewSyncError stamps err with the current time.
func NewSyncError(kind ErrorKind, err error) *SyncError {
	if err == nil {
		return nil
	}
	return &SyncError{Message: err.Error(), Kind: kind, Timestamp: time.Now().UTC()}
}

// EngineState is the state of a folder's sync state machine.
type EngineState string

const (
	EngineIdle        EngineState = "idle"
	EngineDeciding    EngineState = "deciding_strategy"
	EngineFull        EngineState = "full_resync"
	EngineIncremental EngineState = "incremental_resync"
	EngineDraining    EngineState = "draining"
	EngineError       EngineState = "error"
)

// PassKind says which strategy a folder pass used.
type PassKind string

const (
	PassFull        PassKind = "full"
	PassIncremental PassKind = "incremental"
)

// FolderProgress is the observable state of one folder's sync.
type FolderProgress struct {
	FolderID      string        `json:"folder_id" db:"folder_id"`
	AccountID     string        `json:"account_id" db:"account_id"`
	Name          string        `json:"name" db:"name"`
	State         EngineState   `json:"state" db:"state"`
	LastPassKind  PassKind      `json:"last_pass_kind,omitempty" db:"last_pass_kind"`
	LastPassStart time.Time     `json:"last_pass_start" db:"last_pass_start"`
	LastPassEnd   time.Time     `json:"last_pass_end" db:"last_pass_end"`
	RemoteCount   int           `json:"remote_count" db:"remote_count"`
	Applied       int           `json:"applied" db:"applied"`
	ValidityEpoch uint64        `json:"validity_epoch" db:"validity_epoch"`
	HighWaterMark uint64        `json:"high_water_mark" db:"high_water_mark"`
	Heartbeat     time.Time     `json:"heartbeat" db:"heartbeat_at"`
	LastError     *SyncError    `json:"last_error,omitempty" db:"-"`
	PassDuration  time.Duration `json:"pass_duration" db:"-"`
}

// AccountStatus is what status(account_id) reports.
type AccountStatus struct {
	AccountID string           `json:"account_id"`
	State     AccountState     `json:"state"`
	Host      string           `json:"host,omitempty"`
	Folders   []FolderProgress `json:"folders"`
	LastError *SyncError       `json:"last_error,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}
