package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/technest/payment-core/internal/events"
)

// TaskSendEmail is the asynq task type carrying one customer email.
const TaskSendEmail = "notify:email"

// Enqueuer is the part of *asynq.Client the API needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskNotifier hands customer emails to the worker through asynq so a slow
// SMTP relay never holds up a callback. The event id is the task id, which
// makes a re-emitted event a no-op.
type TaskNotifier struct {
	Client   Enqueuer
	Filter   EmailNotifier
	Queue    string
	MaxRetry int
	// Retention keeps completed task ids around to catch late duplicates.
	Retention time.Duration
}

// Notify implements events.Notifier.
func (n TaskNotifier) Notify(ctx context.Context, ev events.Event) error {
	if n.Client == nil || !n.Filter.Wants(ev.Topic) {
		return nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode email task: %w", err)
	}
	opts := []asynq.Option{asynq.TaskID(ev.ID)}
	if n.Queue != "" {
		opts = append(opts, asynq.Queue(n.Queue))
	}
	if n.MaxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(n.MaxRetry))
	}
	if n.Retention > 0 {
		opts = append(opts, asynq.Retention(n.Retention))
	}
	_, err = n.Client.EnqueueContext(ctx, asynq.NewTask(TaskSendEmail, body), opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue email task: %w", err)
	}
	return nil
}

// EmailTaskHandler sends the email described by a TaskSendEmail task.
func EmailTaskHandler(mailer EmailNotifier, logger zerolog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var ev events.Event
		if err := json.Unmarshal(t.Payload(), &ev); err != nil {
			// A malformed payload will never succeed.
			return fmt.Errorf("decode email task: %v: %w", err, asynq.SkipRetry)
		}
		if err := mailer.Notify(ctx, ev); err != nil {
			logger.Warn().Err(err).Str("event_id", ev.ID).Str("topic", ev.Topic).Msg("email delivery failed")
			return err
		}
		logger.Debug().Str("event_id", ev.ID).Str("topic", ev.Topic).Msg("email delivered")
		return nil
	}
}
