package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// stopWait bounds how long Stop waits for a runner to return after
// cancellation before giving up on it.
const stopWait = 30 * time.Second

// ErrUnknownWorker is returned when a start, stop, or restart names a
// runner that was never registered.
var ErrUnknownWorker = errors.New("unknown worker")

// WorkerHealth is one runner's state as reported by the admin
// endpoints.
type WorkerHealth struct {
	Name      string     `json:"name"`
	Running   bool       `json:"running"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	Restarts  int        `json:"restarts"`
	LastError string     `json:"lastError,omitempty"`
}

type managed struct {
	runner    Runner
	cancel    context.CancelFunc
	done      chan struct{}
	running   bool
	startedAt time.Time
	restarts  int
	lastErr   error
}

// Supervisor owns the worker lifecycles: it starts each runner on its
// own cancellable context and tracks liveness, serving start, stop,
// and restart for the admin API. A runner that returns on its own is
// recorded as stopped with its error; nothing auto-restarts it.
type Supervisor struct {
	mu      sync.Mutex
	base    context.Context
	order   []string
	workers map[string]*managed
	log     *slog.Logger
}

func NewSupervisor(log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		workers: make(map[string]*managed),
		log:     log,
	}
}

// Register adds a runner under its name. Registration order is the
// start order; stops run in reverse.
func (s *Supervisor) Register(r Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := r.Name()
	if _, exists := s.workers[name]; exists {
		panic(fmt.Sprintf("worker %q registered twice", name))
	}
	s.workers[name] = &managed{runner: r}
	s.order = append(s.order, name)
}

// StartAll launches every registered runner. The given context is the
// base for each runner's own context, including later restarts.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.mu.Lock()
	s.base = ctx
	names := make([]string, len(s.order))
	copy(names, s.order)
	s.mu.Unlock()

	for _, name := range names {
		if err := s.Start(name); err != nil {
			return fmt.Errorf("start %s: %w", name, err)
		}
	}
	return nil
}

// StopAll stops every running worker in reverse start order.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	names := make([]string, len(s.order))
	copy(names, s.order)
	s.mu.Unlock()

	for i := len(names) - 1; i >= 0; i-- {
		if err := s.Stop(names[i]); err != nil {
			s.log.Warn("supervisor.stop_failed", "worker", names[i], "error", err)
		}
	}
}

func (s *Supervisor) Start(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.workers[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownWorker, name)
	}
	if m.running {
		return fmt.Errorf("worker %q already running", name)
	}
	if s.base == nil {
		return fmt.Errorf("supervisor has not been started")
	}

	runCtx, cancel := context.WithCancel(s.base)
	done := make(chan struct{})

	m.cancel = cancel
	m.done = done
	m.running = true
	m.startedAt = time.Now().UTC()
	m.lastErr = nil

	go func() {
		err := m.runner.Run(runCtx)

		s.mu.Lock()
		m.running = false
		m.lastErr = err
		s.mu.Unlock()
		close(done)

		if err != nil {
			s.log.Error("supervisor.worker_exited", "worker", name, "error", err)
			return
		}
		s.log.Info("supervisor.worker_stopped", "worker", name)
	}()

	s.log.Info("supervisor.worker_started", "worker", name)
	return nil
}

func (s *Supervisor) Stop(name string) error {
	s.mu.Lock()
	m, ok := s.workers[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownWorker, name)
	}
	if !m.running {
		s.mu.Unlock()
		return nil
	}
	cancel := m.cancel
	done := m.done
	s.mu.Unlock()

	cancel()

	select {
	case <-done:
		return nil
	case <-time.After(stopWait):
		return fmt.Errorf("worker %q did not stop within %s", name, stopWait)
	}
}

// Restart stops the worker, waits for it to exit, and starts it fresh
// on the supervisor's base context.
func (s *Supervisor) Restart(name string) error {
	if err := s.Stop(name); err != nil {
		return err
	}

	s.mu.Lock()
	if m, ok := s.workers[name]; ok {
		m.restarts++
	}
	s.mu.Unlock()

	return s.Start(name)
}

// Health reports every worker in registration order.
func (s *Supervisor) Health() []WorkerHealth {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]WorkerHealth, 0, len(s.order))
	for _, name := range s.order {
		m := s.workers[name]

		h := WorkerHealth{
			Name:     name,
			Running:  m.running,
			Restarts: m.restarts,
		}
		if m.running {
			started := m.startedAt
			h.StartedAt = &started
		}
		if m.lastErr != nil {
			h.LastError = m.lastErr.Error()
		}
		out = append(out, h)
	}
	return out
}

// AllRunning reports whether every registered worker is live; the
// readiness probe keys off it.
func (s *Supervisor) AllRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.workers {
		if !m.running {
			return false
		}
	}
	return len(s.workers) > 0
}
