package experiment

import (
	"context"
	"sort"
	"time"
)

// Store is durable, keyed storage of experiment records.
//
// Put is an atomic read-current, merge, write-back cycle guarded by a lock
// that is honoured across OS processes. Get always reads persisted state.
// Implementations must be safe for concurrent use by multiple goroutines and
// multiple processes sharing the same backing storage.
type Store interface {
	Put(ctx context.Context, id string, p Patch) (*Record, error)
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context, filter ListFilter) ([]Record, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// Watcher is optionally implemented by stores that can signal record changes.
// Signals are hints; consumers must re-read with Get.
type Watcher interface {
	Watch(ctx context.Context, id string) (<-chan struct{}, error)
}

// ListFilter scopes List. Stores apply it while reading, never after
// returning the full set.
type ListFilter struct {
	// Owner restricts results to a single owner. Required unless All is set.
	Owner string

	// All lifts the owner restriction. Only the access layer sets it, and
	// only for admin principals.
	All bool

	Statuses []Status
}

// Scoped reports whether the filter is well formed.
func (f ListFilter) Scoped() bool {
	return f.All || f.Owner != ""
}

// Matches reports whether r passes the filter.
func (f ListFilter) Matches(r *Record) bool {
	if r == nil {
		return false
	}
	if !f.All && r.Owner != f.Owner {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}

// SortNewestFirst orders records by start time (created time when not
// started), newest first, ties broken by id.
func SortNewestFirst(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		ti, tj := sortTime(recs[i]), sortTime(recs[j])
		if ti.Equal(tj) {
			return recs[i].ID < recs[j].ID
		}
		return ti.After(tj)
	})
}

func sortTime(r Record) time.Time {
	if r.StartTime != nil {
		return r.StartTime.UTC()
	}
	return r.CreatedAt.UTC()
}
