// Package experiment defines the persisted experiment record, its status
// state machine, and the field-level merge applied by every Store.
package experiment

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of an experiment.
//
// NOTE: These values are persisted in record.json and are part of the stable
// on-disk contract.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether no further status transition is permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// Active reports whether a monitoring task is expected to own the record.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// ParseStatus parses a status name (case-insensitive).
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", Validationf("unknown status %q", s)
	}
	return st, nil
}

// Mode selects how the external runner executes a template.
type Mode string

const (
	ModeTest Mode = "test"
	ModeFull Mode = "full"
)

// ParseMode accepts "test" or "full" (case-insensitive).
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeTest, ModeFull:
		return m, nil
	default:
		return "", Validationf("invalid mode %q (expected test or full)", s)
	}
}

// ProcessInfo is a point-in-time resource sample of the supervised execution.
type ProcessInfo struct {
	CPUSeconds float64 `json:"cpu_seconds"`
	RSSBytes   int64   `json:"rss_bytes"`
	Threads    int     `json:"threads"`
	State      string  `json:"state,omitempty"`
}

// Record is the persistent experiment record.
//
// The schema is designed for backward-compatible extension (additive fields).
type Record struct {
	ID          string `json:"id"`
	Owner       string `json:"owner"`
	Status      Status `json:"status"`
	Mode        Mode   `json:"mode"`
	TemplateRef string `json:"template_ref"`

	SessionID string `json:"session_id,omitempty"`
	ResultDir string `json:"result_dir,omitempty"`

	StartTime      *time.Time `json:"start_time,omitempty"`
	ElapsedSeconds float64    `json:"elapsed_seconds"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`

	StdoutTail string `json:"stdout_tail,omitempty"`
	StderrTail string `json:"stderr_tail,omitempty"`
	ReturnCode *int   `json:"return_code,omitempty"`
	Error      string `json:"error,omitempty"`

	SupervisorPID    int          `json:"supervisor_pid,omitempty"`
	ProcessPID       int          `json:"process_pid,omitempty"`
	ProcessInfo      *ProcessInfo `json:"process_info,omitempty"`
	ResultFilesCount int          `json:"result_files_count"`

	StopRequestedAt *time.Time `json:"stop_requested_at,omitempty"`
	StopRequestedBy string     `json:"stop_requested_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers never share pointer fields.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.StartTime = cloneTime(r.StartTime)
	out.EndedAt = cloneTime(r.EndedAt)
	out.StopRequestedAt = cloneTime(r.StopRequestedAt)
	if r.ReturnCode != nil {
		rc := *r.ReturnCode
		out.ReturnCode = &rc
	}
	if r.ProcessInfo != nil {
		pi := *r.ProcessInfo
		out.ProcessInfo = &pi
	}
	return &out
}

func (r *Record) String() string {
	if r == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s(owner=%s status=%s)", r.ID, r.Owner, r.Status)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
