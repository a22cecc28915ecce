// Package events appends trip events to the audit trail and mirrors them to
// the event stream.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
)

type Store interface {
	AppendEvent(ctx context.Context, e *models.TripEvent) error
}

type Publisher interface {
	PublishEvent(ctx context.Context, e models.TripEvent) error
}

// Recorder never fails the caller: audit and stream errors are logged.
type Recorder struct {
	store  Store
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time
}

func NewRecorder(store Store, pub Publisher, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, pub: pub, logger: logger, now: time.Now}
}

func (r *Recorder) Record(ctx context.Context, tripID, eventType, actorID string, meta map[string]any) {
	e := models.TripEvent{
		ID:        uuid.NewString(),
		TripID:    tripID,
		Type:      eventType,
		ActorID:   actorID,
		Metadata:  meta,
		CreatedAt: r.now().UTC(),
	}
	if err := r.store.AppendEvent(ctx, &e); err != nil {
		r.logger.Warn("append trip event", "trip_id", tripID, "event", eventType, "err", err)
	}
	if r.pub == nil {
		return
	}
	if err := r.pub.PublishEvent(ctx, e); err != nil {
		r.logger.Warn("publish trip event", "trip_id", tripID, "event", eventType, "err", err)
	}
}
