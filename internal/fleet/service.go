// Package fleet tracks where drivers are and whether they take work.
package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

const defaultNearbyLimit = 20

type Store interface {
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	SetDriverOnline(ctx context.Context, id string, online bool, at time.Time) error
	TouchDriver(ctx context.Context, id string, loc models.Coord, at time.Time) error
}

// Publisher streams pings to the location topic. May be nil.
type Publisher interface {
	PublishLocation(ctx context.Context, p models.LocationPing) error
}

type Service struct {
	store    Store
	geo      geo.Geo
	pub      Publisher
	settings config.Snapshotter
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, g geo.Geo, pub Publisher, settings config.Snapshotter, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{store: store, geo: g, pub: pub, settings: settings, logger: logger, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// PingLocation records a driver heartbeat. The store is the source of truth
// for dispatch; the geo index and the stream are best effort.
func (s *Service) PingLocation(ctx context.Context, driverID string, loc models.Coord) (models.LocationPing, error) {
	if loc.Lat < -90 || loc.Lat > 90 || loc.Lon < -180 || loc.Lon > 180 {
		return models.LocationPing{}, apperr.Invalid("coordinates out of range")
	}
	ping := models.LocationPing{DriverID: driverID, Loc: loc, At: s.now().UTC()}
	if err := s.store.TouchDriver(ctx, driverID, loc, ping.At); err != nil {
		return models.LocationPing{}, fmt.Errorf("touch driver %s: %w", driverID, err)
	}
	if err := s.geo.Upsert(ctx, driverID, loc); err != nil {
		s.logger.Warn("geo upsert failed", "driver_id", driverID, "err", err)
	}
	if s.pub != nil {
		if err := s.pub.PublishLocation(ctx, ping); err != nil {
			s.logger.Warn("publish location failed", "driver_id", driverID, "err", err)
		}
	}
	return ping, nil
}

// SetAvailability toggles whether dispatch considers the driver. Going
// offline also drops the driver from the geo index. Only the online flag is
// written, so a heartbeat landing meanwhile is kept.
func (s *Service) SetAvailability(ctx context.Context, driverID string, online bool) (*models.Driver, error) {
	d, err := s.store.GetDriver(ctx, driverID)
	if err != nil {
		return nil, fmt.Errorf("load driver %s: %w", driverID, err)
	}
	if online && d.ApprovalStatus != models.ApprovalApproved {
		return nil, fmt.Errorf("driver %s is %s: %w", driverID, d.ApprovalStatus, apperr.ErrInvalidState)
	}
	if err := s.store.SetDriverOnline(ctx, driverID, online, s.now().UTC()); err != nil {
		return nil, fmt.Errorf("set driver %s online=%t: %w", driverID, online, err)
	}
	if !online {
		if err := s.geo.Remove(ctx, driverID); err != nil {
			s.logger.Warn("geo remove failed", "driver_id", driverID, "err", err)
		}
	}
	s.logger.Info("driver availability changed", "driver_id", driverID, "online", online)
	if d, err = s.store.GetDriver(ctx, driverID); err != nil {
		return nil, fmt.Errorf("reload driver %s: %w", driverID, err)
	}
	return d, nil
}

// Nearby lists indexed drivers around center. A non-positive radius falls
// back to the matching radius.
func (s *Service) Nearby(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]geo.Position, error) {
	if radiusKm <= 0 {
		radiusKm = s.settings.Snapshot().MatchingRadiusKm
	}
	if limit <= 0 {
		limit = defaultNearbyLimit
	}
	return s.geo.Nearby(ctx, center, radiusKm, limit)
}
