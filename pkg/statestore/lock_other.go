//go:build !unix

package statestore

import (
	"context"
	"errors"
	"time"
)

var errLockUnsupported = errors.New("file locking requires a unix platform; use store.driver=sqlite")

type fileLock struct{}

func acquireLock(context.Context, string, bool, time.Duration) (*fileLock, error) {
	return nil, errLockUnsupported
}

func (l *fileLock) release() {}
