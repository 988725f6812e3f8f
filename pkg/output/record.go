// Package output provides JSONL output for experiment monitoring.
//
// Output is structured as typed record envelopes containing snapshots,
// progress lines, errors and a final summary. Each line is a self-contained
// JSON object that can be parsed independently.
package output

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/3leaps/expvisor/pkg/experiment"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: expvisor.<type>.v<version>
const (
	// TypeSnapshot carries a full experiment record.
	TypeSnapshot = "expvisor.snapshot.v1"

	// TypeProgress carries the compact per-update view.
	TypeProgress = "expvisor.progress.v1"

	TypeError = "expvisor.error.v1"

	// TypeSummary is emitted once, after the terminal snapshot.
	TypeSummary = "expvisor.summary.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "expvisor.snapshot.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// ExperimentID correlates all lines of one stream.
	ExperimentID string `json:"experiment_id"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// ProgressRecord is the compact view of a running experiment.
type ProgressRecord struct {
	Status           experiment.Status `json:"status"`
	ElapsedSeconds   float64           `json:"elapsed_seconds"`
	ResultFilesCount int               `json:"result_files_count"`
	CPUSeconds       float64           `json:"cpu_seconds,omitempty"`
	RSSBytes         int64             `json:"rss_bytes,omitempty"`
	StopRequested    bool              `json:"stop_requested,omitempty"`
}

// ProgressFrom derives the compact view from a snapshot.
func ProgressFrom(rec *experiment.Record) *ProgressRecord {
	p := &ProgressRecord{
		Status:           rec.Status,
		ElapsedSeconds:   rec.ElapsedSeconds,
		ResultFilesCount: rec.ResultFilesCount,
		StopRequested:    rec.StopRequestedAt != nil,
	}
	if rec.ProcessInfo != nil {
		p.CPUSeconds = rec.ProcessInfo.CPUSeconds
		p.RSSBytes = rec.ProcessInfo.RSSBytes
	}
	return p
}

// ErrorRecord is the data payload for errors.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeValidation       = "VALIDATION"
	ErrCodeAccessDenied     = "ACCESS_DENIED"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeStoreUnavailable = "STORE_UNAVAILABLE"
	ErrCodeCorrupt          = "CORRUPT_RECORD"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeCanceled         = "CANCELED"
	ErrCodeInternal         = "INTERNAL"
)

// ErrorCode classifies err by the experiment error taxonomy.
func ErrorCode(err error) string {
	var authErr *experiment.AuthorizationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &authErr), errors.Is(err, experiment.ErrAuthorization):
		// Authorization wraps not-found; callers must not learn which.
		return ErrCodeAccessDenied
	case errors.Is(err, experiment.ErrValidation):
		return ErrCodeValidation
	case errors.Is(err, experiment.ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, experiment.ErrAlreadyActive),
		errors.Is(err, experiment.ErrExists),
		errors.Is(err, experiment.ErrInvalidTransition),
		errors.Is(err, experiment.ErrOwnerImmutable):
		return ErrCodeConflict
	case errors.Is(err, experiment.ErrStoreUnavailable), errors.Is(err, experiment.ErrConcurrency):
		return ErrCodeStoreUnavailable
	case errors.Is(err, experiment.ErrCorrupt):
		return ErrCodeCorrupt
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	case errors.Is(err, context.Canceled):
		return ErrCodeCanceled
	default:
		return ErrCodeInternal
	}
}

// ErrorRecordFrom builds an ErrorRecord for err.
func ErrorRecordFrom(err error) *ErrorRecord {
	return &ErrorRecord{Code: ErrorCode(err), Message: err.Error()}
}

// SummaryRecord is the data payload for the final summary.
type SummaryRecord struct {
	Status           experiment.Status `json:"status"`
	Owner            string            `json:"owner"`
	Mode             experiment.Mode   `json:"mode"`
	ReturnCode       *int              `json:"return_code,omitempty"`
	Error            string            `json:"error,omitempty"`
	ResultDir        string            `json:"result_dir,omitempty"`
	ResultFilesCount int               `json:"result_files_count"`

	// Duration is the total execution time.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	// Updates counts the snapshots observed while watching.
	Updates int64 `json:"updates"`
}

// SummaryFrom derives a summary from the terminal snapshot.
func SummaryFrom(rec *experiment.Record, updates int64) *SummaryRecord {
	d := time.Duration(rec.ElapsedSeconds * float64(time.Second))
	return &SummaryRecord{
		Status:           rec.Status,
		Owner:            rec.Owner,
		Mode:             rec.Mode,
		ReturnCode:       rec.ReturnCode,
		Error:            rec.Error,
		ResultDir:        rec.ResultDir,
		ResultFilesCount: rec.ResultFilesCount,
		Duration:         d,
		DurationHuman:    d.Round(time.Millisecond).String(),
		Updates:          updates,
	}
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
