package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	retrygo "github.com/avast/retry-go"
)

// Executor runs provider operations behind the circuit breaker with
// exponential backoff between attempts. One executor is shared by the
// sync and poll paths; the operation key keeps their circuits apart.
type Executor struct {
	breaker   *CircuitBreaker
	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration
	retryIf   func(error) bool
	log       *slog.Logger
}

type ExecutorConfig struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// RetryIf marks which errors are worth another attempt. nil
	// retries everything.
	RetryIf func(error) bool
}

func NewExecutor(breaker *CircuitBreaker, cfg ExecutorConfig, log *slog.Logger) *Executor {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Minute
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = func(error) bool { return true }
	}

	return &Executor{
		breaker:   breaker,
		attempts:  cfg.Attempts,
		baseDelay: cfg.BaseDelay,
		maxDelay:  cfg.MaxDelay,
		retryIf:   cfg.RetryIf,
		log:       log,
	}
}

// Execute runs op with up to the configured number of attempts. The
// breaker is consulted once up front and again between attempts, so a
// circuit tripped by this very loop stops it early.
func (e *Executor) Execute(ctx context.Context, key string, op func(context.Context) error) error {
	if !e.breaker.Allow(key, time.Now().UTC()) {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, key)
	}

	return retrygo.Do(
		func() error {
			err := op(ctx)
			e.record(key, err)
			return err
		},
		retrygo.Context(ctx),
		retrygo.Attempts(uint(e.attempts)),
		retrygo.LastErrorOnly(true),
		retrygo.RetryIf(func(err error) bool {
			if !e.retryIf(err) {
				return false
			}
			return !e.breaker.IsOpen(key, time.Now().UTC())
		}),
		retrygo.DelayType(e.delay),
		retrygo.OnRetry(func(n uint, err error) {
			e.log.DebugContext(ctx, "retrying operation",
				"key", key,
				"attempt", n+1,
				"error", err,
			)
		}),
	)
}

// ExecuteOnce runs op a single time behind the breaker. The sync path
// uses it: attempt-level retrying belongs to the routing schedule, but
// a tripped provider circuit must still short the call.
func (e *Executor) ExecuteOnce(ctx context.Context, key string, op func(context.Context) error) error {
	if !e.breaker.Allow(key, time.Now().UTC()) {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, key)
	}

	err := op(ctx)
	e.record(key, err)
	return err
}

func (e *Executor) record(key string, err error) {
	if err != nil {
		e.breaker.RecordFailure(key, time.Now().UTC())
		return
	}
	e.breaker.RecordSuccess(key)
}

// delay doubles the base per attempt, caps at maxDelay, then spreads
// the result ±25% so retries from parallel workers don't align.
func (e *Executor) delay(n uint, _ error, _ *retrygo.Config) time.Duration {
	d := e.baseDelay << n
	if d > e.maxDelay || d <= 0 {
		d = e.maxDelay
	}

	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}
