//go:build unix

package statestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/sys/unix"

	"github.com/3leaps/expvisor/pkg/experiment"
)

const (
	lockMinBackoff = 5 * time.Millisecond
	lockMaxBackoff = 250 * time.Millisecond
)

// fileLock is an advisory flock(2) lock. flock locks belong to the open file
// description, so two Store instances in the same process exclude each other
// exactly like two processes do.
type fileLock struct {
	f *os.File
}

func acquireLock(ctx context.Context, path string, exclusive bool, timeout time.Duration) (*fileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}

	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err = retry.Do(
		func() error {
			err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
			if err == nil {
				return nil
			}
			if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
				return err
			}
			return retry.Unrecoverable(fmt.Errorf("flock: %w", err))
		},
		retry.Context(lockCtx),
		retry.Attempts(0),
		retry.Delay(lockMinBackoff),
		retry.MaxDelay(lockMaxBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		_ = f.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if lockCtx.Err() != nil {
			return nil, fmt.Errorf("%w: lock %s not acquired within %s", experiment.ErrConcurrency, filepath.Base(path), timeout)
		}
		return nil, err
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) release() {
	if l == nil || l.f == nil {
		return
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	_ = l.f.Close()
	l.f = nil
}
