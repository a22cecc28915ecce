package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate applies the embedded schema. Statements are idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, e := range entries {
		b, err := migrationFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// trips

const tripColumns = `id, job_type, requester_id, driver_id, market_id, shop_id, status, pricing_mode,
	selected_offer_id, pickup_address, pickup_lat, pickup_lon, dropoff_address, dropoff_lat, dropoff_lon,
	distance_km, estimated_fare_cents, final_fare_cents, platform_fee_cents, driver_earnings_cents, tip_cents,
	delivery_proof, cancellation_reason, requested_at, matched_at, started_at, completed_at, cancelled_at, version`

func scanTrip(row scanner) (*models.Trip, error) {
	var (
		t                                   models.Trip
		driverID, shopID, pricing, selected sql.NullString
		matched, started, completed, cancel sql.NullTime
	)
	err := row.Scan(&t.ID, &t.JobKind, &t.RequesterID, &driverID, &t.MarketID, &shopID, &t.Status, &pricing,
		&selected, &t.PickupAddress, &t.Pickup.Lat, &t.Pickup.Lon, &t.DropoffAddress, &t.Dropoff.Lat, &t.Dropoff.Lon,
		&t.DistanceKm, &t.EstimatedFareCents, &t.FinalFareCents, &t.PlatformFeeCents, &t.DriverEarningsCents, &t.TipCents,
		&t.DeliveryProof, &t.CancellationReason, &t.RequestedAt, &matched, &started, &completed, &cancel, &t.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.DriverID = driverID.String
	t.ShopID = shopID.String
	t.PricingMode = models.PricingMode(pricing.String)
	t.SelectedOfferID = selected.String
	t.MatchedAt = timePtr(matched)
	t.StartedAt = timePtr(started)
	t.CompletedAt = timePtr(completed)
	t.CancelledAt = timePtr(cancel)
	return &t, nil
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func (p *PostgresStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO trips(id, job_type, requester_id, market_id, shop_id, status,
		pickup_address, pickup_lat, pickup_lon, dropoff_address, dropoff_lat, dropoff_lon, distance_km,
		estimated_fare_cents, requested_at, version)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		t.ID, t.JobKind, t.RequesterID, t.MarketID, nullString(t.ShopID), t.Status,
		t.PickupAddress, t.Pickup.Lat, t.Pickup.Lon, t.DropoffAddress, t.Dropoff.Lat, t.Dropoff.Lon, t.DistanceKm,
		t.EstimatedFareCents, t.RequestedAt, t.Version)
	return err
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	return scanTrip(p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id=$1`, id))
}

func (p *PostgresStore) UpdateTrip(ctx context.Context, id string, from models.TripStatus, version int, upd TripUpdate) (*models.Trip, error) {
	to := upd.Status
	if to == "" {
		to = from
	}
	t, err := scanTrip(p.db.QueryRowContext(ctx, `UPDATE trips SET status=$4,
		started_at=COALESCE($5, started_at),
		completed_at=COALESCE($6, completed_at),
		cancelled_at=COALESCE($7, cancelled_at),
		delivery_proof=COALESCE($8, delivery_proof),
		cancellation_reason=COALESCE($9, cancellation_reason),
		tip_cents=COALESCE($10, tip_cents),
		version=version+1
		WHERE id=$1 AND status=$2 AND version=$3
		RETURNING `+tripColumns,
		id, from, version, to, upd.StartedAt, upd.CompletedAt, upd.CancelledAt,
		upd.DeliveryProof, upd.CancellationReason, upd.TipCents))
	if errors.Is(err, apperr.ErrNotFound) {
		if _, gerr := p.GetTrip(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, apperr.ErrConflict
	}
	return t, err
}

func (p *PostgresStore) ListTripsByStatus(ctx context.Context, status models.TripStatus, requestedBefore time.Time) ([]models.Trip, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+tripColumns+` FROM trips
		WHERE status=$1 AND requested_at < $2 ORDER BY requested_at, id`, status, requestedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CommitMatch(ctx context.Context, c MatchCommit) (*models.Trip, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		driverID sql.NullString
		status   models.TripStatus
	)
	err = tx.QueryRowContext(ctx, `SELECT driver_id, status FROM trips WHERE id=$1 FOR UPDATE`, c.TripID).Scan(&driverID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if driverID.Valid {
		return nil, apperr.ErrAlreadyMatched
	}
	if !status.Open() {
		return nil, apperr.ErrTripUnavailable
	}

	res, err := tx.ExecContext(ctx, `UPDATE offers SET status='accepted', responded_at=$3
		WHERE id=$1 AND trip_id=$2 AND status='pending'`, c.OfferID, c.TripID, c.MatchedAt)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperr.ErrOfferClosed
	}
	if _, err := tx.ExecContext(ctx, `UPDATE offers SET status='superseded'
		WHERE trip_id=$1 AND id<>$2 AND status='pending'`, c.TripID, c.OfferID); err != nil {
		return nil, err
	}

	t, err := scanTrip(tx.QueryRowContext(ctx, `UPDATE trips SET driver_id=$2, status='matched', pricing_mode=$3,
		selected_offer_id=$4, final_fare_cents=$5, platform_fee_cents=$6, driver_earnings_cents=$7,
		matched_at=$8, version=version+1
		WHERE id=$1 RETURNING `+tripColumns,
		c.TripID, c.DriverID, c.PricingMode, c.OfferID, c.FinalFareCents, c.PlatformFeeCents,
		c.DriverEarningsCents, c.MatchedAt))
	if err != nil {
		return nil, err
	}
	if err := insertLedgerEntry(ctx, tx, &c.Earning); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

// offers

const offerColumns = `id, trip_id, driver_id, baseline_fare_cents, quote_fare_cents, status, expires_at, responded_at, created_at`

func scanOffer(row scanner) (*models.Offer, error) {
	var (
		o         models.Offer
		quote     sql.NullInt64
		responded sql.NullTime
	)
	err := row.Scan(&o.ID, &o.TripID, &o.DriverID, &o.BaselineFareCents, &quote, &o.Status, &o.ExpiresAt, &responded, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if quote.Valid {
		q := quote.Int64
		o.QuoteFareCents = &q
	}
	o.RespondedAt = timePtr(responded)
	return &o, nil
}

func (p *PostgresStore) CreateOffers(ctx context.Context, offers []models.Offer) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, o := range offers {
		if _, err := tx.ExecContext(ctx, `INSERT INTO offers(id, trip_id, driver_id, baseline_fare_cents, status, expires_at, created_at)
			VALUES($1,$2,$3,$4,$5,$6,$7)`, o.ID, o.TripID, o.DriverID, o.BaselineFareCents, o.Status, o.ExpiresAt, o.CreatedAt); err != nil {
			return fmt.Errorf("insert offer %s: %w", o.ID, err)
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (*models.Offer, error) {
	return scanOffer(p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id=$1`, id))
}

func (p *PostgresStore) ListOffers(ctx context.Context, tripID string) ([]models.Offer, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE trip_id=$1 ORDER BY created_at, seq`, tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CloseOffer(ctx context.Context, id string, to models.OfferStatus, respondedAt *time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE offers SET status=$2, responded_at=COALESCE($3, responded_at)
		WHERE id=$1 AND status='pending'`, id, to, respondedAt)
	return affected(res, err)
}

func (p *PostgresStore) RecordQuote(ctx context.Context, id string, quoteCents int64, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE offers SET quote_fare_cents=$2, responded_at=$3
		WHERE id=$1 AND status='pending'`, id, quoteCents, at)
	return affected(res, err)
}

func (p *PostgresStore) ExpireOffers(ctx context.Context, tripID string, asOf time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE offers SET status='expired'
		WHERE trip_id=$1 AND status='pending' AND expires_at < $2`, tripID, asOf)
	return count(res, err)
}

func affected(res sql.Result, err error) (bool, error) {
	n, err := count(res, err)
	return n > 0, err
}

func count(res sql.Result, err error) (int, error) {
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// drivers and markets

const driverColumns = `id, user_id, market_id, approval_status, accepts_rides, accepts_deliveries, online,
	last_lat, last_lon, last_heartbeat, stripe_account_id, paypal_email, preferred_payout_method`

func scanDriver(row scanner) (*models.Driver, error) {
	var (
		d        models.Driver
		lat, lon sql.NullFloat64
		hb       sql.NullTime
	)
	err := row.Scan(&d.ID, &d.UserID, &d.MarketID, &d.ApprovalStatus, &d.AcceptsRides, &d.AcceptsDeliveries, &d.Online,
		&lat, &lon, &hb, &d.StripeAccountID, &d.PayPalEmail, &d.PreferredPayoutMethod)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lat.Valid && lon.Valid {
		d.LastLocation = &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
	}
	d.LastHeartbeat = timePtr(hb)
	return &d, nil
}

func (p *PostgresStore) listDrivers(ctx context.Context, query string, args ...any) ([]models.Driver, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveDriver(ctx context.Context, d *models.Driver) error {
	var lat, lon sql.NullFloat64
	if d.LastLocation != nil {
		lat = sql.NullFloat64{Float64: d.LastLocation.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: d.LastLocation.Lon, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO drivers(`+driverColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET user_id=EXCLUDED.user_id, market_id=EXCLUDED.market_id,
		approval_status=EXCLUDED.approval_status, accepts_rides=EXCLUDED.accepts_rides,
		accepts_deliveries=EXCLUDED.accepts_deliveries, online=EXCLUDED.online, last_lat=EXCLUDED.last_lat,
		last_lon=EXCLUDED.last_lon, last_heartbeat=EXCLUDED.last_heartbeat,
		stripe_account_id=EXCLUDED.stripe_account_id, paypal_email=EXCLUDED.paypal_email,
		preferred_payout_method=EXCLUDED.preferred_payout_method`,
		d.ID, d.UserID, d.MarketID, d.ApprovalStatus, d.AcceptsRides, d.AcceptsDeliveries, d.Online,
		lat, lon, d.LastHeartbeat, d.StripeAccountID, d.PayPalEmail, d.PreferredPayoutMethod)
	return err
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	return scanDriver(p.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id=$1`, id))
}

func (p *PostgresStore) ListDispatchCandidates(ctx context.Context, marketID string, heartbeatSince time.Time) ([]models.Driver, error) {
	return p.listDrivers(ctx, `SELECT `+driverColumns+` FROM drivers
		WHERE market_id=$1 AND online AND approval_status='approved' AND last_heartbeat >= $2
		ORDER BY id`, marketID, heartbeatSince)
}

func (p *PostgresStore) ListApprovedDrivers(ctx context.Context) ([]models.Driver, error) {
	return p.listDrivers(ctx, `SELECT `+driverColumns+` FROM drivers WHERE approval_status='approved' ORDER BY id`)
}

func (p *PostgresStore) TouchDriver(ctx context.Context, id string, loc models.Coord, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE drivers SET last_lat=$2, last_lon=$3, last_heartbeat=$4 WHERE id=$1`,
		id, loc.Lat, loc.Lon, at)
	ok, err := affected(res, err)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.ErrNotFound
	}
	return nil
}

func (p *PostgresStore) SetDriverOnline(ctx context.Context, id string, online bool, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE drivers SET online=$2,
		last_heartbeat=CASE WHEN $2 THEN $3 ELSE last_heartbeat END WHERE id=$1`, id, online, at)
	ok, err := affected(res, err)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.ErrNotFound
	}
	return nil
}

func (p *PostgresStore) SaveMarket(ctx context.Context, m *models.Market) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO markets(id, name, status, center_lat, center_lon, radius_km)
		VALUES($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, status=EXCLUDED.status,
		center_lat=EXCLUDED.center_lat, center_lon=EXCLUDED.center_lon, radius_km=EXCLUDED.radius_km`,
		m.ID, m.Name, m.Status, m.Center.Lat, m.Center.Lon, m.RadiusKm)
	return err
}

func (p *PostgresStore) ListActiveMarkets(ctx context.Context) ([]models.Market, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, name, status, center_lat, center_lon, radius_km
		FROM markets WHERE status='active' ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Market
	for rows.Next() {
		var m models.Market
		if err := rows.Scan(&m.ID, &m.Name, &m.Status, &m.Center.Lat, &m.Center.Lon, &m.RadiusKm); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ledger

const ledgerColumns = `id, driver_id, trip_id, payout_id, entry_type, amount_cents, status, description, created_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertLedgerEntry(ctx context.Context, db execer, e *models.LedgerEntry) error {
	_, err := db.ExecContext(ctx, `INSERT INTO ledger_entries(`+ledgerColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.DriverID, nullString(e.TripID), nullString(e.PayoutID), e.Type, e.AmountCents, e.Status, e.Description, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (p *PostgresStore) CreateLedgerEntry(ctx context.Context, e *models.LedgerEntry) error {
	return insertLedgerEntry(ctx, p.db, e)
}

func (p *PostgresStore) listEntries(ctx context.Context, where string, args ...any) ([]models.LedgerEntry, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+ledgerColumns+` FROM ledger_entries WHERE `+where+` ORDER BY created_at, seq`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.LedgerEntry
	for rows.Next() {
		var (
			e              models.LedgerEntry
			trip, payoutID sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.DriverID, &trip, &payoutID, &e.Type, &e.AmountCents, &e.Status, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.TripID = trip.String
		e.PayoutID = payoutID.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListLedgerEntries(ctx context.Context, driverID string, status models.LedgerStatus) ([]models.LedgerEntry, error) {
	return p.listEntries(ctx, `driver_id=$1 AND status=$2`, driverID, status)
}

func (p *PostgresStore) ListPayoutEntries(ctx context.Context, payoutID string) ([]models.LedgerEntry, error) {
	return p.listEntries(ctx, `payout_id=$1`, payoutID)
}

func (p *PostgresStore) TransitionEntries(ctx context.Context, ids []string, from, to models.LedgerStatus, payoutID string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := p.db.ExecContext(ctx, `UPDATE ledger_entries SET status=$3, payout_id=COALESCE($4, payout_id)
		WHERE id = ANY($1) AND status=$2`, pq.Array(ids), from, to, nullString(payoutID))
	return count(res, err)
}

func (p *PostgresStore) ReleasePayoutEntries(ctx context.Context, payoutID string) (int, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE ledger_entries SET status='available', payout_id=NULL
		WHERE payout_id=$1 AND status='paid_out' AND entry_type <> 'payout_fee'`, payoutID)
	return count(res, err)
}

func (p *PostgresStore) TransitionTripEntries(ctx context.Context, tripID string, from, to models.LedgerStatus) (int, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE ledger_entries SET status=$3 WHERE trip_id=$1 AND status=$2`, tripID, from, to)
	return count(res, err)
}

// payouts

func (p *PostgresStore) CreatePayout(ctx context.Context, po *models.Payout) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO payouts(id, driver_id, gross_cents, fee_cents, net_cents, method, status,
		expedited, transfer_id, failure_reason, created_at, completed_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		po.ID, po.DriverID, po.GrossCents, po.FeeCents, po.NetCents, po.Method, po.Status,
		po.Expedited, po.TransferID, po.FailureReason, po.CreatedAt, po.CompletedAt)
	return err
}

func (p *PostgresStore) GetPayout(ctx context.Context, id string) (*models.Payout, error) {
	var (
		po        models.Payout
		completed sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `SELECT id, driver_id, gross_cents, fee_cents, net_cents, method, status, expedited,
		transfer_id, failure_reason, created_at, completed_at FROM payouts WHERE id=$1`, id).
		Scan(&po.ID, &po.DriverID, &po.GrossCents, &po.FeeCents, &po.NetCents, &po.Method, &po.Status, &po.Expedited,
			&po.TransferID, &po.FailureReason, &po.CreatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	po.CompletedAt = timePtr(completed)
	return &po, nil
}

func (p *PostgresStore) FinishPayout(ctx context.Context, id string, from models.PayoutStatus, upd PayoutUpdate) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE payouts SET status=$3,
		transfer_id=COALESCE(NULLIF($4, ''), transfer_id),
		failure_reason=COALESCE(NULLIF($5, ''), failure_reason),
		completed_at=COALESCE($6, completed_at)
		WHERE id=$1 AND status=$2`, id, from, upd.Status, upd.TransferID, upd.FailureReason, upd.CompletedAt)
	return affected(res, err)
}

// events

func (p *PostgresStore) AppendEvent(ctx context.Context, e *models.TripEvent) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}
	if e.Metadata == nil {
		meta = []byte("{}")
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO trip_events(id, trip_id, event_type, actor_id, metadata, created_at)
		VALUES($1,$2,$3,$4,$5,$6)`, e.ID, e.TripID, e.Type, nullString(e.ActorID), string(meta), e.CreatedAt)
	return err
}

func (p *PostgresStore) ListEvents(ctx context.Context, tripID string) ([]models.TripEvent, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, trip_id, event_type, actor_id, metadata, created_at
		FROM trip_events WHERE trip_id=$1 ORDER BY created_at, id`, tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.TripEvent
	for rows.Next() {
		var (
			e     models.TripEvent
			actor sql.NullString
			meta  []byte
		)
		if err := rows.Scan(&e.ID, &e.TripID, &e.Type, &actor, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ActorID = actor.String
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode event metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// payments

const paymentColumns = `id, trip_id, requester_id, amount_cents, tip_cents, intent_id, status, failure_reason, created_at, updated_at`

func scanPayment(row scanner) (*models.Payment, error) {
	var pm models.Payment
	err := row.Scan(&pm.ID, &pm.TripID, &pm.RequesterID, &pm.AmountCents, &pm.TipCents, &pm.IntentID, &pm.Status,
		&pm.FailureReason, &pm.CreatedAt, &pm.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pm, nil
}

func (p *PostgresStore) CreatePayment(ctx context.Context, pm *models.Payment) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO payments(`+paymentColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		pm.ID, pm.TripID, pm.RequesterID, pm.AmountCents, pm.TipCents, pm.IntentID, pm.Status, pm.FailureReason, pm.CreatedAt, pm.UpdatedAt)
	return err
}

func (p *PostgresStore) GetPaymentByTrip(ctx context.Context, tripID string) (*models.Payment, error) {
	return scanPayment(p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE trip_id=$1 ORDER BY created_at DESC LIMIT 1`, tripID))
}

func (p *PostgresStore) GetPaymentByIntent(ctx context.Context, intentID string) (*models.Payment, error) {
	return scanPayment(p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE intent_id=$1`, intentID))
}

func (p *PostgresStore) SetPaymentStatus(ctx context.Context, id string, to models.PaymentStatus, reason string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE payments SET status=$2, failure_reason=$3, updated_at=$4
		WHERE id=$1 AND status <> 'succeeded' AND status <> $2`, id, to, reason, at)
	return affected(res, err)
}

// config

func (p *PostgresStore) LoadConfig(ctx context.Context) (map[string]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT key, value FROM config`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (p *PostgresStore) SetConfig(ctx context.Context, key, value string) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO config(key, value) VALUES($1,$2)
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value`, key, value)
	return err
}

var _ Store = (*PostgresStore)(nil)
