package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/technest/payment-core/internal/common"
	"github.com/technest/payment-core/internal/events"
	"github.com/technest/payment-core/internal/notify"
)

func paidEvent(t *testing.T, email string) events.Event {
	t.Helper()
	payload, err := json.Marshal(notify.Payload{OrderID: "o-1", CustomerEmail: email, Total: "49.99", Currency: "USD"})
	require.NoError(t, err)
	return events.Event{ID: "ev-1", Topic: events.TopicOrderPaid, AggregateID: "i-1", Payload: payload, OccurredAt: time.Now()}
}

func TestEmailNotifierSendsCustomerTopics(t *testing.T) {
	outbox := &common.InMemoryEmail{}
	n := notify.EmailNotifier{Mail: outbox, Enabled: true}

	require.NoError(t, n.Notify(context.Background(), paidEvent(t, "buyer@example.com")))
	sent := outbox.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "buyer@example.com", sent[0].To)
	require.Equal(t, "Payment received", sent[0].Subject)
	require.Contains(t, sent[0].HTML, "49.99 USD")

	// Operator topics and events without a recipient are skipped.
	require.NoError(t, n.Notify(context.Background(), events.Event{Topic: events.TopicPaymentConflict, Payload: []byte(`{"customerEmail":"a@b.c"}`)}))
	require.NoError(t, n.Notify(context.Background(), paidEvent(t, "")))
	require.Len(t, outbox.Sent(), 1)
}

func TestEmailNotifierToggles(t *testing.T) {
	outbox := &common.InMemoryEmail{}
	n := notify.EmailNotifier{Mail: outbox, Enabled: true, TopicToggles: map[string]bool{events.TopicOrderPaid: false}}
	require.NoError(t, n.Notify(context.Background(), paidEvent(t, "buyer@example.com")))
	require.Empty(t, outbox.Sent())

	n = notify.EmailNotifier{Mail: outbox}
	require.False(t, n.Wants(events.TopicOrderPaid))
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks map[string]*asynq.Task
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var id string
	for _, o := range opts {
		if o.Type() == asynq.TaskIDOpt {
			id = o.Value().(string)
		}
	}
	if _, dup := f.tasks[id]; dup {
		return nil, asynq.ErrTaskIDConflict
	}
	f.tasks[id] = task
	return &asynq.TaskInfo{ID: id, Type: task.Type()}, nil
}

func TestTaskNotifierDeduplicatesByEventID(t *testing.T) {
	q := &fakeEnqueuer{tasks: map[string]*asynq.Task{}}
	n := notify.TaskNotifier{Client: q, Filter: notify.EmailNotifier{Mail: common.NopEmailSender{}, Enabled: true}}

	ev := paidEvent(t, "buyer@example.com")
	require.NoError(t, n.Notify(context.Background(), ev))
	require.NoError(t, n.Notify(context.Background(), ev))
	require.Len(t, q.tasks, 1)
	require.Equal(t, notify.TaskSendEmail, q.tasks[ev.ID].Type())

	require.NoError(t, n.Notify(context.Background(), events.Event{ID: "ev-2", Topic: events.TopicPaymentConflict}))
	require.Len(t, q.tasks, 1)
}

func TestEmailTaskHandler(t *testing.T) {
	outbox := &common.InMemoryEmail{}
	h := notify.EmailTaskHandler(notify.EmailNotifier{Mail: outbox, Enabled: true}, zerolog.Nop())

	body, err := json.Marshal(paidEvent(t, "buyer@example.com"))
	require.NoError(t, err)
	require.NoError(t, h(context.Background(), asynq.NewTask(notify.TaskSendEmail, body)))
	require.Len(t, outbox.Sent(), 1)

	err = h(context.Background(), asynq.NewTask(notify.TaskSendEmail, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	outbox.Err = errors.New("relay down")
	require.Error(t, h(context.Background(), asynq.NewTask(notify.TaskSendEmail, body)))
}
