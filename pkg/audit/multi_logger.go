package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// maxAsyncFailures caps how many background write errors are retained
// between GetErrors calls; later ones are dropped.
const maxAsyncFailures = 64

// MultiLogger fans entries out to several sinks. By default it writes in
// the background and Log returns immediately.
type MultiLogger struct {
	sinks []Logger
	async bool

	pending  sync.WaitGroup
	mu       sync.Mutex
	failures []error
}

func NewMultiLogger(sinks ...Logger) *MultiLogger {
	return &MultiLogger{sinks: sinks, async: true}
}

// SetAsync switches between background writes and blocking ones
func (m *MultiLogger) SetAsync(async bool) {
	m.async = async
}

// Log hands entry to every sink. Synchronous mode returns the first sink
// error once all sinks have been tried.
func (m *MultiLogger) Log(ctx context.Context, entry *Entry) error {
	switch {
	case len(m.sinks) == 0:
		return nil
	case !m.async:
		return m.fanOut(ctx, entry)
	}

	// The write must survive the caller's request ending.
	ctx = context.WithoutCancel(ctx)
	snapshot := *entry
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		if err := m.fanOut(ctx, &snapshot); err != nil {
			m.recordFailure(err)
		}
	}()
	return nil
}

func (m *MultiLogger) fanOut(ctx context.Context, entry *Entry) error {
	var g errgroup.Group
	for _, sink := range m.sinks {
		g.Go(func() error { return sink.Log(ctx, entry) })
	}
	return g.Wait()
}

func (m *MultiLogger) recordFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.failures) < maxAsyncFailures {
		m.failures = append(m.failures, err)
	}
}

// Wait blocks until background writes finish
func (m *MultiLogger) Wait() {
	m.pending.Wait()
}

// GetErrors drains the background write errors seen so far
func (m *MultiLogger) GetErrors() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	errs := m.failures
	m.failures = nil
	return errs
}

// Close waits for pending writes, then closes every sink
func (m *MultiLogger) Close() error {
	m.pending.Wait()

	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close audit sink: %w", err))
		}
	}
	return errors.Join(errs...)
}
