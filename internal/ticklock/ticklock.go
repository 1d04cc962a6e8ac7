// Package ticklock keeps automation ticks from overlapping, within one process
// (Local), across processes sharing a state directory (File), or across hosts
// sharing a Redis instance (Redis).
package ticklock

import (
	"context"
	"sync"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// Locker grants exclusive tick ownership without waiting.
type Locker interface {
	// TryLock returns a release function, or an error matching
	// models.ErrTickInProgress when another holder owns the lock.
	TryLock(ctx context.Context) (release func(), err error)
}

// Local is an in-process Locker.
type Local struct {
	mu sync.Mutex
}

// NewLocal creates an in-process Locker.
func NewLocal() *Local {
	return &Local{}
}

// TryLock takes the in-process lock, failing with ErrTickInProgress while it is held.
func (l *Local) TryLock(ctx context.Context) (func(), error) {
	if !l.mu.TryLock() {
		return nil, models.ErrTickInProgress
	}
	var once sync.Once
	return func() { once.Do(l.mu.Unlock) }, nil
}
