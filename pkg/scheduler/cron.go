package scheduler

import (
	"context"
	"log/slog"

	"github.com/taskfleet/taskfleet/pkg/models"
)

// reloadCron reconciles the cron runner's entries with the template tasks in
// the store: one entry per non-cancelled template, re-registered when its
// expression changes.
func (s *Scheduler) reloadCron(ctx context.Context) {
	templates, err := s.store.CronTemplates(ctx)
	if err != nil {
		slog.Error("Failed to load cron templates", "error", err)
		return
	}

	s.cronMu.Lock()
	defer s.cronMu.Unlock()

	desired := make(map[int64]string, len(templates))
	for _, t := range templates {
		desired[t.ID] = t.CronExpression
	}

	for id, entry := range s.entries {
		if expr, ok := desired[id]; !ok || expr != entry.expr {
			s.cron.Remove(entry.id)
			delete(s.entries, id)
		}
	}

	for id, expr := range desired {
		if _, ok := s.entries[id]; ok {
			continue
		}
		templateID := id
		entryID, err := s.cron.AddFunc(expr, func() { s.fireCron(templateID) })
		if err != nil {
			// The store validated the expression at creation; a parse failure
			// here means the two parsers diverged.
			slog.Error("Failed to register cron template",
				"task_id", id, "cron_expression", expr, "error", err)
			continue
		}
		s.entries[id] = cronEntry{id: entryID, expr: expr}
		slog.Info("Registered cron template", "task_id", id, "cron_expression", expr)
	}
}

// fireCron handles one firing of a template: unless a previous instance is
// still running, clone the template into a one-shot instance scheduled now.
// An overlap skips the firing entirely, with a log line; the next firing
// starts fresh.
func (s *Scheduler) fireCron(templateID int64) {
	ctx := context.Background()

	template, err := s.store.GetTask(ctx, templateID)
	if err != nil {
		slog.Error("Cron firing: failed to load template", "task_id", templateID, "error", err)
		return
	}
	if template == nil || !template.IsCronTemplate() || template.Status == models.TaskCancelled {
		s.reloadCron(ctx)
		return
	}

	instances, err := s.store.InstancesOf(ctx, templateID)
	if err != nil {
		slog.Error("Cron firing: failed to list instances", "task_id", templateID, "error", err)
		return
	}
	for _, inst := range instances {
		if !inst.Status.Terminal() {
			slog.Warn("Cron firing skipped, previous instance still active",
				"template_id", templateID, "instance_id", inst.ID, "instance_status", inst.Status)
			return
		}
	}

	now := s.now()
	instance := &models.Task{
		Name:            template.Name,
		ParentTaskID:    &templateID,
		ScheduleTime:    &now,
		CronExpression:  template.CronExpression,
		MaxRetries:      template.MaxRetries,
		SendEmail:       template.SendEmail,
		EmailRecipients: template.EmailRecipients,
		Subtasks:        template.Subtasks,
	}
	id, err := s.store.CreateTask(ctx, instance)
	if err != nil {
		slog.Error("Cron firing: failed to create instance", "template_id", templateID, "error", err)
		return
	}
	slog.Info("Cron template fired", "template_id", templateID, "instance_id", id)
	s.Kick()
}
