// Package sync provides synchronization primitives used by the ingestion
// adapter: a Once that can be re-armed after a stop, and a mutex keyed by
// producer UID.
package sync

import (
	"sync"
	"sync/atomic"
)

// ResettableOnce runs an initialization function at most once until Reset.
//
// A module uses it to start its backing storage exactly once per
// start/stop cycle. Unlike sync.Once it can be re-armed, and a failed
// initialization does not count as done.
//
// ResettableOnce is safe for concurrent use.
type ResettableOnce struct {
	done atomic.Bool
	m    sync.Mutex
}

// Do calls f if no call has completed successfully since the last Reset.
// Concurrent callers block until the running f returns. If f returns an
// error the once stays armed and the error is returned to that caller.
func (o *ResettableOnce) Do(f func() error) error {
	if o.done.Load() {
		return nil
	}

	o.m.Lock()
	defer o.m.Unlock()

	if o.done.Load() {
		return nil
	}
	if err := f(); err != nil {
		return err
	}
	o.done.Store(true)
	return nil
}

// Reset re-arms the once. If f is running, Reset waits for it to return.
func (o *ResettableOnce) Reset() {
	o.m.Lock()
	defer o.m.Unlock()
	o.done.Store(false)
}

// Done reports whether f completed successfully since the last Reset.
func (o *ResettableOnce) Done() bool {
	return o.done.Load()
}
