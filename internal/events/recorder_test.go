package events

import (
	"context"
	"errors"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

type fakeStore struct {
	got []models.TripEvent
	err error
}

func (f *fakeStore) AppendEvent(_ context.Context, e *models.TripEvent) error {
	f.got = append(f.got, *e)
	return f.err
}

type fakePublisher struct{ got []models.TripEvent }

func (f *fakePublisher) PublishEvent(_ context.Context, e models.TripEvent) error {
	f.got = append(f.got, e)
	return nil
}

func TestRecordAppendsAndPublishes(t *testing.T) {
	st := &fakeStore{}
	pub := &fakePublisher{}
	r := NewRecorder(st, pub, nil)
	r.Record(context.Background(), "t1", models.EventOffersSent, "", map[string]any{"count": 3})
	if len(st.got) != 1 || st.got[0].Type != models.EventOffersSent {
		t.Fatalf("event not stored: %+v", st.got)
	}
	if len(pub.got) != 1 || pub.got[0].ID != st.got[0].ID {
		t.Fatalf("event not mirrored: %+v", pub.got)
	}
}

func TestRecordSwallowsStoreErrors(t *testing.T) {
	st := &fakeStore{err: errors.New("disk full")}
	r := NewRecorder(st, nil, nil)
	r.Record(context.Background(), "t1", models.EventRideMatched, "d1", nil)
	if len(st.got) != 1 {
		t.Fatalf("expected one append attempt")
	}
}
