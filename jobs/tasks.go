package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskNotificationDeliver delivers a collaborator notification.
	TaskNotificationDeliver = "notify:deliver"
	// TaskRouteRecheck recomputes routing suggestions for active deliveries.
	TaskRouteRecheck = "routing:recheck"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "shared:idempotency_cleanup"
)

// NotificationPayload describes one collaborator notification.
type NotificationPayload struct {
	Audience    string `json:"audience"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Link        string `json:"link"`
}

// NewNotificationTask constructs an Asynq task for a notification.
func NewNotificationTask(payload NotificationPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskNotificationDeliver, data), nil
}

// HandleNotificationTask processes TaskNotificationDeliver tasks. Delivery
// is a stdout sink for now; SMTP/LINE integration comes with the ops phase.
func HandleNotificationTask(ctx context.Context, t *asynq.Task) error {
	var payload NotificationPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	fmt.Printf("[jobs] notify %s: %s (%s)\n", payload.Audience, payload.Title, payload.Link)
	return nil
}

// NewRouteRecheckTask constructs the periodic routing recheck task.
func NewRouteRecheckTask() (*asynq.Task, error) {
	return asynq.NewTask(TaskRouteRecheck, nil), nil
}

// NewIdempotencyCleanupTask constructs the idempotency pruning task.
func NewIdempotencyCleanupTask() (*asynq.Task, error) {
	return asynq.NewTask(TaskIdempotencyCleanup, nil), nil
}
