package worker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubSync records which routings were dispatched and answers with a
// programmable outcome.
type stubSync struct {
	mu    sync.Mutex
	calls []string
	fn    func(routingID string) (bool, error)
}

func (s *stubSync) Execute(_ context.Context, routingID string) (bool, error) {
	s.mu.Lock()
	s.calls = append(s.calls, routingID)
	s.mu.Unlock()

	if s.fn != nil {
		return s.fn(routingID)
	}
	return true, nil
}

func (s *stubSync) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubSync) called() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

// blockingRunner runs until cancelled; tests use it to exercise the
// supervisor lifecycle.
type blockingRunner struct {
	name    string
	started chan struct{}
	once    sync.Once
}

func newBlockingRunner(name string) *blockingRunner {
	return &blockingRunner{name: name, started: make(chan struct{})}
}

func (r *blockingRunner) Name() string { return r.name }

func (r *blockingRunner) Run(ctx context.Context) error {
	r.once.Do(func() { close(r.started) })
	<-ctx.Done()
	return nil
}

// crashingRunner exits immediately with an error.
type crashingRunner struct {
	name string
	err  error
}

func (r *crashingRunner) Name() string { return r.name }

func (r *crashingRunner) Run(context.Context) error { return r.err }

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
