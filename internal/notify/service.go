// Package notify fans collaborator messages out through the job queue so a
// slow or unreachable broker never blocks an order operation.
package notify

import (
	"context"
	"log/slog"

	"github.com/loomworks-erp/loomworks-erp/jobs"
)

// Service enqueues notification tasks for asynchronous delivery.
type Service struct {
	client *jobs.Client
	logger *slog.Logger
}

// NewService constructs a notifier backed by the Asynq client. A nil client
// yields a notifier that only logs.
func NewService(client *jobs.Client, logger *slog.Logger) *Service {
	return &Service{client: client, logger: logger}
}

// Notify queues one message for the given audience.
func (s *Service) Notify(ctx context.Context, audience, title, description, link string) error {
	if s.client == nil {
		s.logger.Info("notification (queue disabled)",
			slog.String("audience", audience),
			slog.String("title", title),
		)
		return nil
	}
	_, err := s.client.EnqueueNotification(ctx, jobs.NotificationPayload{
		Audience:    audience,
		Title:       title,
		Description: description,
		Link:        link,
	})
	if err != nil {
		return err
	}
	s.logger.Debug("notification queued",
		slog.String("audience", audience),
		slog.String("title", title),
	)
	return nil
}
