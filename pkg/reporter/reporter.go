// Package reporter is the outbound notification boundary. The collector
// hands each terminal task summary to a Reporter and forgets about it; no
// business logic depends on the reporter succeeding.
package reporter

import (
	"context"
	"log/slog"

	"github.com/taskfleet/taskfleet/pkg/models"
)

// Reporter consumes task completion summaries. Implementations must be safe
// for concurrent use and should not block for long; the core calls them
// fire-and-forget.
type Reporter interface {
	ReportTaskCompleted(ctx context.Context, summary *models.TaskSummary)
}

// LogReporter is the default reporter: it writes the verdict to the log.
// Deployments wanting HTML reports or email wire their own implementation.
type LogReporter struct{}

// ReportTaskCompleted logs the summary.
func (LogReporter) ReportTaskCompleted(_ context.Context, summary *models.TaskSummary) {
	attrs := []any{
		"task_id", summary.TaskID,
		"task", summary.Name,
		"verdict", summary.Verdict,
		"elapsed_seconds", summary.ElapsedSecs,
		"agents", len(summary.PerAgent),
	}
	if summary.SendEmail {
		attrs = append(attrs, "email_recipients", summary.Recipients)
	}
	if summary.Verdict == models.TaskCompleted {
		slog.Info("Task completed", attrs...)
	} else {
		slog.Warn("Task finished with failures", attrs...)
	}
}

// Multi fans a summary out to several reporters.
type Multi []Reporter

// ReportTaskCompleted forwards to every member.
func (m Multi) ReportTaskCompleted(ctx context.Context, summary *models.TaskSummary) {
	for _, r := range m {
		r.ReportTaskCompleted(ctx, summary)
	}
}
