// Package audit models the mutation events the authorization engine emits.
// The engine only notifies; storing events is the consumer's concern.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the mutation an event describes.
type Kind string

const (
	KindPermissionCreated Kind = "authz.permission.created"
	KindPermissionDeleted Kind = "authz.permission.deleted"
	KindDependencyAdded   Kind = "authz.dependency.added"
	KindDependencyRemoved Kind = "authz.dependency.removed"
	KindRoleGranted       Kind = "authz.role.granted"
	KindRoleRevoked       Kind = "authz.role.revoked"
	KindUserGranted       Kind = "authz.user.granted"
	KindUserRevoked       Kind = "authz.user.revoked"
)

// Event is a fire-and-forget notification about a committed mutation.
type Event struct {
	ID      uuid.UUID      `json:"id"`
	Kind    Kind           `json:"kind"`
	ActorID uuid.UUID      `json:"actor_id"`
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload,omitempty"`
}

// NewEvent stamps identity and time on an event.
func NewEvent(kind Kind, actorID uuid.UUID, payload map[string]any) Event {
	return Event{
		ID:      uuid.New(),
		Kind:    kind,
		ActorID: actorID,
		At:      time.Now().UTC(),
		Payload: payload,
	}
}

// Recorder receives events. Implementations must tolerate failure without
// surfacing it to the mutation path: delivery is best effort.
type Recorder interface {
	Record(ctx context.Context, event Event)
}

// NopRecorder discards every event.
type NopRecorder struct{}

// Record implements Recorder.
func (NopRecorder) Record(context.Context, Event) {}

// LogRecorder writes events to a structured logger.
type LogRecorder struct {
	Logger *slog.Logger
}

// Record implements Recorder.
func (r LogRecorder) Record(_ context.Context, event Event) {
	if r.Logger == nil {
		return
	}
	r.Logger.Info("audit event",
		slog.String("kind", string(event.Kind)),
		slog.String("event_id", event.ID.String()),
		slog.String("actor_id", event.ActorID.String()),
		slog.Time("at", event.At),
		slog.Any("payload", event.Payload),
	)
}
