// Package monitor exposes lazy, cancellable streams of experiment snapshots.
package monitor

import (
	"context"
	"iter"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/expvisor/pkg/experiment"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultMinInterval  = 100 * time.Millisecond
)

type Options struct {
	// PollInterval is the fallback re-read cadence when no watch event arrives.
	PollInterval time.Duration

	// MinInterval throttles re-reads triggered by bursts of watch events.
	MinInterval time.Duration

	Logger *zap.Logger
}

// Monitor reads snapshots from a Store. It never writes.
type Monitor struct {
	store experiment.Store
	opts  Options
	log   *zap.Logger
}

func New(store experiment.Store, opts Options) *Monitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = DefaultMinInterval
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{store: store, opts: opts, log: log}
}

// Subscribe returns a lazy sequence of snapshots for id.
//
// Nothing is read until the sequence is ranged over. The first element is
// the current snapshot; later elements are yielded whenever the record
// changes. The sequence ends after the first terminal snapshot, when the
// consumer stops, or when ctx is done. A read error is yielded once and ends
// the sequence. Ending a subscription has no effect on the execution.
func (m *Monitor) Subscribe(ctx context.Context, id string) iter.Seq2[*experiment.Record, error] {
	return func(yield func(*experiment.Record, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		rec, err := m.store.Get(ctx, id)
		if err != nil {
			if ctx.Err() == nil {
				yield(nil, err)
			}
			return
		}
		if !yield(rec, nil) || rec.Status.Terminal() {
			return
		}

		var wake <-chan struct{}
		if w, ok := m.store.(experiment.Watcher); ok {
			ch, err := w.Watch(ctx, id)
			if err != nil {
				m.log.Debug("Watch unavailable, polling only", zap.String("experiment_id", id), zap.Error(err))
			} else {
				wake = ch
			}
		}

		ticker := time.NewTicker(m.opts.PollInterval)
		defer ticker.Stop()
		limiter := rate.NewLimiter(rate.Every(m.opts.MinInterval), 1)

		lastUpdated, lastStatus := rec.UpdatedAt, rec.Status
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-wake:
				if !ok {
					wake = nil
				}
			case <-ticker.C:
			}
			if !throttle(ctx, limiter) {
				return
			}

			rec, err := m.store.Get(ctx, id)
			if err != nil {
				if ctx.Err() == nil {
					yield(nil, err)
				}
				return
			}
			if rec.UpdatedAt.Equal(lastUpdated) && rec.Status == lastStatus {
				continue
			}
			lastUpdated, lastStatus = rec.UpdatedAt, rec.Status
			if !yield(rec, nil) || rec.Status.Terminal() {
				return
			}
		}
	}
}

// throttle waits for the limiter's next token. Unlike rate.Limiter.Wait it
// does not fail early when the token lands after ctx's deadline; it only
// returns false once ctx is actually done.
func throttle(ctx context.Context, limiter *rate.Limiter) bool {
	r := limiter.Reserve()
	delay := r.Delay()
	if delay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
		return false
	case <-t.C:
		return true
	}
}

// WaitTerminal consumes a subscription and returns the terminal snapshot.
// When ctx ends first, the last snapshot seen is returned with ctx's error.
func (m *Monitor) WaitTerminal(ctx context.Context, id string) (*experiment.Record, error) {
	var last *experiment.Record
	for rec, err := range m.Subscribe(ctx, id) {
		if err != nil {
			return last, err
		}
		last = rec
	}
	if last != nil && last.Status.Terminal() {
		return last, nil
	}
	if err := ctx.Err(); err != nil {
		return last, err
	}
	return last, context.Canceled
}
