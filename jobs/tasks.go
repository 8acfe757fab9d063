package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/inkwell-social/inkwell/internal/audit"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAuthzAuditEvent delivers authorization audit events.
	TaskAuthzAuditEvent = "authz:audit_event"
	// TaskAuthzCacheWarmup primes effective-permission caches for recently
	// active users.
	TaskAuthzCacheWarmup = "authz:cache_warmup"
)

// NewAuditEventTask wraps an audit event into an Asynq task.
func NewAuditEventTask(event audit.Event) (*asynq.Task, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuthzAuditEvent, data), nil
}

// AuditEventJob forwards queued audit events to a recorder. Persistence of
// the audit log belongs to its own subsystem; by default events land in the
// structured log.
type AuditEventJob struct {
	Recorder audit.Recorder
	Logger   *slog.Logger
}

// NewAuditEventJob wires the handler. A nil recorder falls back to logging.
func NewAuditEventJob(recorder audit.Recorder, logger *slog.Logger) *AuditEventJob {
	if recorder == nil {
		recorder = audit.LogRecorder{Logger: logger}
	}
	return &AuditEventJob{Recorder: recorder, Logger: logger}
}

// Handle processes TaskAuthzAuditEvent tasks.
func (j *AuditEventJob) Handle(ctx context.Context, t *asynq.Task) error {
	var event audit.Event
	if err := json.Unmarshal(t.Payload(), &event); err != nil {
		if j.Logger != nil {
			j.Logger.Warn("audit event decode", slog.Any("error", err))
		}
		return asynq.SkipRetry
	}
	j.Recorder.Record(ctx, event)
	return nil
}

// AuditEnqueuer implements audit.Recorder by submitting events to the queue.
// Enqueue failures are logged, never propagated: audit delivery must not fail
// the mutation that produced the event.
type AuditEnqueuer struct {
	Client *Client
	Logger *slog.Logger
}

// Record implements audit.Recorder.
func (e AuditEnqueuer) Record(ctx context.Context, event audit.Event) {
	if e.Client == nil {
		return
	}
	task, err := NewAuditEventTask(event)
	if err != nil {
		if e.Logger != nil {
			e.Logger.Warn("audit task build", slog.Any("error", err))
		}
		return
	}
	if _, err := e.Client.Enqueue(ctx, task, asynq.Queue(QueueDefault)); err != nil {
		if e.Logger != nil {
			e.Logger.Warn("audit task enqueue",
				slog.String("kind", string(event.Kind)),
				slog.Any("error", err),
			)
		}
	}
}
