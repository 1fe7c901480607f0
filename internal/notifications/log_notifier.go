package notifications

import (
	"context"
	"log/slog"
)

// LogNotifier is the default channel: it writes the completion to the
// structured log and nothing else. Real channels (webhooks, email)
// plug in behind the same interface.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) SendJobCompleted(ctx context.Context, in JobCompletedInput) error {
	attrs := []any{
		slog.String("job_id", in.JobID),
		slog.String("routing_id", in.RoutingID),
		slog.String("company_id", in.CompanyID),
	}
	if in.Revenue != nil {
		attrs = append(attrs, slog.Float64("revenue", *in.Revenue))
	}
	n.log.InfoContext(ctx, "notification.job_completed", attrs...)
	return nil
}
