package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// OutboxPruner deletes completed outbox events past retention.
type OutboxPruner interface {
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RoutingsPruner removes routings whose owning job row is gone.
type RoutingsPruner interface {
	DeleteOrphaned(ctx context.Context) (int64, error)
}

type MaintenanceConfig struct {
	// OutboxSweepEvery paces the completed-event sweep.
	OutboxSweepEvery time.Duration
	// RoutingsHour is the UTC hour of the daily orphaned-routing sweep.
	RoutingsHour int
	// OutboxRetention is how long completed events are kept.
	OutboxRetention time.Duration
	// SweepTimeout bounds a single sweep.
	SweepTimeout time.Duration
}

func (c MaintenanceConfig) withDefaults() MaintenanceConfig {
	if c.OutboxSweepEvery <= 0 {
		c.OutboxSweepEvery = 12 * time.Hour
	}
	if c.RoutingsHour < 0 || c.RoutingsHour > 23 {
		c.RoutingsHour = 2
	}
	if c.OutboxRetention <= 0 {
		c.OutboxRetention = 7 * 24 * time.Hour
	}
	if c.SweepTimeout <= 0 {
		c.SweepTimeout = time.Minute
	}
	return c
}

// MaintenanceWorker runs the housekeeping schedule: prune completed
// outbox events past retention and sweep orphaned routings nightly.
type MaintenanceWorker struct {
	events   OutboxPruner
	routings RoutingsPruner
	log      *slog.Logger
	cfg      MaintenanceConfig
}

func NewMaintenanceWorker(events OutboxPruner, routings RoutingsPruner, log *slog.Logger, cfg MaintenanceConfig) *MaintenanceWorker {
	if log == nil {
		log = slog.Default()
	}
	return &MaintenanceWorker{
		events:   events,
		routings: routings,
		log:      log,
		cfg:      cfg.withDefaults(),
	}
}

func (w *MaintenanceWorker) Name() string { return "maintenance" }

func (w *MaintenanceWorker) Run(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC))

	sweepEvery := fmt.Sprintf("@every %s", w.cfg.OutboxSweepEvery)
	if _, err := c.AddFunc(sweepEvery, w.sweepOutbox); err != nil {
		return fmt.Errorf("schedule outbox sweep: %w", err)
	}

	daily := fmt.Sprintf("0 %d * * *", w.cfg.RoutingsHour)
	if _, err := c.AddFunc(daily, w.sweepRoutings); err != nil {
		return fmt.Errorf("schedule routings sweep: %w", err)
	}

	c.Start()
	w.log.InfoContext(ctx, "maintenance.started",
		"outbox_sweep", sweepEvery,
		"routings_sweep", daily,
		"retention", w.cfg.OutboxRetention,
	)

	<-ctx.Done()

	// Stop returns a context that closes once running jobs finish
	<-c.Stop().Done()
	w.log.Info("maintenance.stopped")
	return nil
}

func (w *MaintenanceWorker) sweepOutbox() {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.SweepTimeout)
	defer cancel()

	cutoff := time.Now().UTC().Add(-w.cfg.OutboxRetention)
	n, err := w.events.DeleteCompletedBefore(ctx, cutoff)
	if err != nil {
		w.log.ErrorContext(ctx, "maintenance.outbox_sweep_failed", "error", err)
		return
	}
	w.log.InfoContext(ctx, "maintenance.outbox_swept", "deleted", n, "cutoff", cutoff)
}

func (w *MaintenanceWorker) sweepRoutings() {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.SweepTimeout)
	defer cancel()

	n, err := w.routings.DeleteOrphaned(ctx)
	if err != nil {
		w.log.ErrorContext(ctx, "maintenance.routings_sweep_failed", "error", err)
		return
	}
	if n > 0 {
		w.log.WarnContext(ctx, "maintenance.orphaned_routings_deleted", "count", n)
	}
}
