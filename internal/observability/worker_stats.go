package observability

import (
	"sync/atomic"
	"time"
)

// WorkerStats is the cheap in-process counter set behind the admin
// stats endpoint. Prometheus carries the same signals for scraping;
// this exists so an operator can hit the API and see live numbers
// without a metrics stack.
type WorkerStats struct {
	eventsProcessed atomic.Uint64
	eventsFailed    atomic.Uint64
	eventsRetried   atomic.Uint64

	syncsClaimed atomic.Uint64
	synced       atomic.Uint64
	syncFailed   atomic.Uint64
	syncSkipped  atomic.Uint64

	pollRuns          atomic.Uint64
	pollErrors        atomic.Uint64
	routingsPolled    atomic.Uint64
	routingsCompleted atomic.Uint64

	// sync duration stats (nanoseconds)
	durationCount atomic.Uint64
	durationTotal atomic.Int64
	durationMax   atomic.Int64
}

func NewWorkerStats() *WorkerStats {
	return &WorkerStats{}
}

func (s *WorkerStats) IncEventsProcessed() { s.eventsProcessed.Add(1) }
func (s *WorkerStats) IncEventsFailed()    { s.eventsFailed.Add(1) }
func (s *WorkerStats) IncEventsRetried()   { s.eventsRetried.Add(1) }

func (s *WorkerStats) IncSyncsClaimed() { s.syncsClaimed.Add(1) }
func (s *WorkerStats) IncSynced()       { s.synced.Add(1) }
func (s *WorkerStats) IncSyncFailed()   { s.syncFailed.Add(1) }
func (s *WorkerStats) IncSyncSkipped()  { s.syncSkipped.Add(1) }

func (s *WorkerStats) IncPollRuns()   { s.pollRuns.Add(1) }
func (s *WorkerStats) IncPollErrors() { s.pollErrors.Add(1) }

func (s *WorkerStats) AddRoutingsPolled(n int) {
	if n > 0 {
		s.routingsPolled.Add(uint64(n))
	}
}

func (s *WorkerStats) AddRoutingsCompleted(n int) {
	if n > 0 {
		s.routingsCompleted.Add(uint64(n))
	}
}

func (s *WorkerStats) ObserveSyncDuration(d time.Duration) {
	ns := d.Nanoseconds()
	s.durationCount.Add(1)
	s.durationTotal.Add(ns)

	for {
		curr := s.durationMax.Load()

		if ns <= curr {
			return
		}

		if s.durationMax.CompareAndSwap(curr, ns) {
			return
		}
	}
}

type WorkerStatsSnapshot struct {
	EventsProcessed   uint64        `json:"eventsProcessed"`
	EventsFailed      uint64        `json:"eventsFailed"`
	EventsRetried     uint64        `json:"eventsRetried"`
	SyncsClaimed      uint64        `json:"syncsClaimed"`
	Synced            uint64        `json:"synced"`
	SyncFailed        uint64        `json:"syncFailed"`
	SyncSkipped       uint64        `json:"syncSkipped"`
	PollRuns          uint64        `json:"pollRuns"`
	PollErrors        uint64        `json:"pollErrors"`
	RoutingsPolled    uint64        `json:"routingsPolled"`
	RoutingsCompleted uint64        `json:"routingsCompleted"`
	SyncCount         uint64        `json:"syncCount"`
	AverageSync       time.Duration `json:"averageSyncNs"`
	MaxSync           time.Duration `json:"maxSyncNs"`
}

func (s *WorkerStats) Snapshot() WorkerStatsSnapshot {
	count := s.durationCount.Load()
	total := s.durationTotal.Load()
	max := s.durationMax.Load()

	var avg time.Duration
	if count > 0 {
		avg = time.Duration(total / int64(count))
	}

	return WorkerStatsSnapshot{
		EventsProcessed:   s.eventsProcessed.Load(),
		EventsFailed:      s.eventsFailed.Load(),
		EventsRetried:     s.eventsRetried.Load(),
		SyncsClaimed:      s.syncsClaimed.Load(),
		Synced:            s.synced.Load(),
		SyncFailed:        s.syncFailed.Load(),
		SyncSkipped:       s.syncSkipped.Load(),
		PollRuns:          s.pollRuns.Load(),
		PollErrors:        s.pollErrors.Load(),
		RoutingsPolled:    s.routingsPolled.Load(),
		RoutingsCompleted: s.routingsCompleted.Load(),
		SyncCount:         count,
		AverageSync:       avg,
		MaxSync:           time.Duration(max),
	}
}
