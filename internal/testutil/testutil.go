// Package testutil provides helpers for tests that drive goroutines,
// event buses and background schedulers.
//
// Calling t.Fatal from a goroutine other than the test goroutine only
// exits that goroutine. GoroutineTest collects errors from worker
// goroutines and reports them from the test goroutine instead.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// GoroutineTest runs functions in goroutines and reports their errors
// on Wait.
//
//	gt := testutil.NewGoroutineTest(t)
//	defer gt.Wait()
//
//	gt.Go(func() error {
//	    return adapter.EnsureProducerInfo(ctx, "a")
//	})
type GoroutineTest struct {
	t      *testing.T
	wg     sync.WaitGroup
	errors chan error
	ctx    context.Context
	cancel context.CancelFunc
}

// NewGoroutineTest creates a new GoroutineTest helper.
func NewGoroutineTest(t *testing.T) *GoroutineTest {
	return NewGoroutineTestWithTimeout(t, 0)
}

// NewGoroutineTestWithTimeout creates a GoroutineTest whose context
// expires after timeout. Zero means no timeout.
func NewGoroutineTestWithTimeout(t *testing.T, timeout time.Duration) *GoroutineTest {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	return &GoroutineTest{
		t:      t,
		errors: make(chan error, 100), // buffered to avoid blocking
		ctx:    ctx,
		cancel: cancel,
	}
}

// Go runs fn in a goroutine. A returned error fails the test on Wait.
func (gt *GoroutineTest) Go(fn func() error) {
	gt.GoWithContext(func(context.Context) error { return fn() })
}

// GoWithContext runs fn with the test context in a goroutine.
func (gt *GoroutineTest) GoWithContext(fn func(ctx context.Context) error) {
	gt.wg.Add(1)
	go func() {
		defer gt.wg.Done()
		if err := fn(gt.ctx); err != nil {
			select {
			case gt.errors <- err:
			default:
				gt.t.Logf("error channel full, dropping error: %v", err)
			}
		}
	}()
}

// Wait waits for all goroutines and fails the test if any returned an
// error.
func (gt *GoroutineTest) Wait() {
	gt.t.Helper()

	gt.wg.Wait()
	gt.cancel()
	close(gt.errors)

	var errs []error
	for err := range gt.errors {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		gt.t.Errorf("goroutine test failed with %d error(s):", len(errs))
		for i, err := range errs {
			gt.t.Errorf("  [%d] %v", i+1, err)
		}
		gt.t.FailNow()
	}
}

// Context returns the context for this test.
func (gt *GoroutineTest) Context() context.Context {
	return gt.ctx
}

// WithTimeout runs fn and gives up after timeout.
func WithTimeout(timeout time.Duration, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("operation timed out after %v", timeout)
	}
}

// Eventually polls condition every interval until it holds or timeout
// elapses.
func Eventually(timeout, interval time.Duration, condition func() bool) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(interval)
	}
	if condition() {
		return nil
	}
	return fmt.Errorf("condition not met within %v", timeout)
}
