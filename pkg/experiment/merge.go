package experiment

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultTailCap bounds stdout_tail and stderr_tail when a store is not
// configured otherwise.
const DefaultTailCap = 16 * 1024

// Patch is a field-level partial update. Nil fields are preserved from the
// current record, so concurrent writers touching different fields never
// clobber each other.
type Patch struct {
	// Owner is honoured only when the record is created.
	Owner       *string
	Mode        *Mode
	TemplateRef *string
	SessionID   *string
	ResultDir   *string

	Status         *Status
	StartTime      *time.Time
	ElapsedSeconds *float64
	EndedAt        *time.Time

	StdoutTail *string
	StderrTail *string
	ReturnCode *int
	Error      *string

	SupervisorPID    *int
	ProcessPID       *int
	ProcessInfo      *ProcessInfo
	ClearProcessInfo bool
	ResultFilesCount *int

	StopRequestedAt *time.Time
	StopRequestedBy *string

	// CreateOnly rejects the write with ErrExists if the record already exists.
	CreateOnly bool

	// Precondition runs against the current record (nil when absent) while
	// the store holds its exclusive lock. A non-nil error aborts the write.
	Precondition func(current *Record) error
}

// Empty reports whether the patch carries no field updates.
func (p Patch) Empty() bool {
	return p.Owner == nil && p.Mode == nil && p.TemplateRef == nil && p.SessionID == nil &&
		p.ResultDir == nil && p.Status == nil && p.StartTime == nil && p.ElapsedSeconds == nil &&
		p.EndedAt == nil && p.StdoutTail == nil && p.StderrTail == nil && p.ReturnCode == nil &&
		p.Error == nil && p.SupervisorPID == nil && p.ProcessPID == nil && p.ProcessInfo == nil &&
		!p.ClearProcessInfo && p.ResultFilesCount == nil && p.StopRequestedAt == nil &&
		p.StopRequestedBy == nil
}

// CanTransition reports whether the state machine allows from -> to.
//
//	pending -> running | stopped | failed (launch failure)
//	running -> completed | failed | stopped
//
// Re-asserting the current status is allowed for non-terminal statuses so
// progress writes can carry it.
func CanTransition(from, to Status) bool {
	if from == to {
		return !from.Terminal()
	}
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusStopped || to == StatusFailed
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusStopped
	default:
		return false
	}
}

// Apply merges p into current and returns the new record. current is nil
// when the record does not exist yet; in that case p must carry an owner.
//
// Apply never mutates current.
func Apply(current *Record, id string, p Patch, now time.Time, tailCap int) (*Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, Validationf("experiment id is required")
	}
	if p.Precondition != nil {
		if err := p.Precondition(current.Clone()); err != nil {
			return nil, err
		}
	}
	if tailCap <= 0 {
		tailCap = DefaultTailCap
	}
	now = now.UTC()

	var next *Record
	if current == nil {
		if p.Owner == nil || strings.TrimSpace(*p.Owner) == "" {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		next = &Record{
			ID:        id,
			Owner:     strings.TrimSpace(*p.Owner),
			Status:    StatusPending,
			CreatedAt: now,
		}
		if p.Status != nil && *p.Status != StatusPending {
			return nil, fmt.Errorf("%w: new record must start pending, got %s", ErrInvalidTransition, *p.Status)
		}
	} else {
		if p.CreateOnly {
			return nil, fmt.Errorf("%w: %s", ErrExists, id)
		}
		if current.ID != id {
			return nil, fmt.Errorf("%w: stored id %q does not match %q", ErrCorrupt, current.ID, id)
		}
		next = current.Clone()
		if p.Owner != nil && strings.TrimSpace(*p.Owner) != next.Owner {
			return nil, fmt.Errorf("%w: %s is owned by %q", ErrOwnerImmutable, id, next.Owner)
		}
		if p.Status != nil && *p.Status != next.Status {
			if !CanTransition(next.Status, *p.Status) {
				return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, next.Status, *p.Status)
			}
		} else if next.Status.Terminal() && !p.Empty() && !terminalMutationAllowed(p) {
			return nil, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, next.Status)
		}
	}

	if p.Status != nil {
		next.Status = *p.Status
	}
	if p.ReturnCode != nil {
		if !next.Status.Terminal() {
			return nil, fmt.Errorf("%w: return_code requires a terminal status", ErrInvalidTransition)
		}
		rc := *p.ReturnCode
		next.ReturnCode = &rc
	}

	if p.Mode != nil {
		next.Mode = *p.Mode
	}
	if p.TemplateRef != nil {
		next.TemplateRef = *p.TemplateRef
	}
	if p.SessionID != nil {
		next.SessionID = *p.SessionID
	}
	if p.ResultDir != nil {
		next.ResultDir = *p.ResultDir
	}
	if p.StartTime != nil {
		t := p.StartTime.UTC()
		next.StartTime = &t
	}
	if p.ElapsedSeconds != nil {
		next.ElapsedSeconds = *p.ElapsedSeconds
	}
	if p.EndedAt != nil {
		t := p.EndedAt.UTC()
		next.EndedAt = &t
	}
	if p.StdoutTail != nil {
		next.StdoutTail = TruncateTail(*p.StdoutTail, tailCap)
	}
	if p.StderrTail != nil {
		next.StderrTail = TruncateTail(*p.StderrTail, tailCap)
	}
	if p.Error != nil {
		next.Error = *p.Error
	}
	if p.SupervisorPID != nil {
		next.SupervisorPID = *p.SupervisorPID
	}
	if p.ProcessPID != nil {
		next.ProcessPID = *p.ProcessPID
	}
	if p.ClearProcessInfo {
		next.ProcessInfo = nil
	}
	if p.ProcessInfo != nil {
		pi := *p.ProcessInfo
		next.ProcessInfo = &pi
	}
	if p.ResultFilesCount != nil {
		next.ResultFilesCount = *p.ResultFilesCount
	}
	if p.StopRequestedAt != nil {
		t := p.StopRequestedAt.UTC()
		next.StopRequestedAt = &t
	}
	if p.StopRequestedBy != nil {
		next.StopRequestedBy = *p.StopRequestedBy
	}

	// Tails may have been stored under a larger cap by an older writer.
	next.StdoutTail = TruncateTail(next.StdoutTail, tailCap)
	next.StderrTail = TruncateTail(next.StderrTail, tailCap)

	next.UpdatedAt = now
	if current != nil && current.UpdatedAt.After(now) {
		next.UpdatedAt = current.UpdatedAt
	}
	return next, nil
}

// terminalMutationAllowed covers the bookkeeping a finished record may still
// receive: late result counts and clearing runtime sampling fields.
func terminalMutationAllowed(p Patch) bool {
	return p.Owner == nil && p.Mode == nil && p.TemplateRef == nil && p.Status == nil &&
		p.ReturnCode == nil && p.StdoutTail == nil && p.StderrTail == nil &&
		p.StopRequestedAt == nil && p.StartTime == nil
}

// TruncateTail keeps at most limit bytes from the end of s without splitting
// a UTF-8 sequence.
func TruncateTail(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	s = s[len(s)-limit:]
	for i := 0; i < len(s) && i < utf8.UTFMax; i++ {
		if utf8.RuneStart(s[i]) {
			return s[i:]
		}
	}
	return s
}
