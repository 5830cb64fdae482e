package distlock

import (
	"context"
	"sync"
)

// LocalLocker keeps locks in process memory. It excludes concurrent operations
// of the same process only.
type LocalLocker struct {
	m    sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker returns an in-process Locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

//nolint: revive,stylecheck // This is documented in the interface.
func (l *LocalLocker) TryLock(ctx context.Context, key string) (ReleaseFunc, bool, error) {
	l.m.Lock()
	defer l.m.Unlock()

	if _, busy := l.held[key]; busy {
		return nil, false, nil
	}
	l.held[key] = struct{}{}

	return func(context.Context) error {
		l.m.Lock()
		defer l.m.Unlock()
		delete(l.held, key)
		return nil
	}, true, nil
}
