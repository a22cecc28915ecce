package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore implements Store in process. Its single mutex stands in for
// the row atomicity a database gives each conditional statement.
type MemoryStore struct {
	mu       sync.RWMutex
	trips    map[string]*models.Trip
	offers   map[string]*models.Offer
	offerSeq []string
	drivers  map[string]*models.Driver
	markets  map[string]*models.Market
	entries  map[string]*models.LedgerEntry
	entrySeq []string
	payouts  map[string]*models.Payout
	events   []models.TripEvent
	payments map[string]*models.Payment
	config   map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:    make(map[string]*models.Trip),
		offers:   make(map[string]*models.Offer),
		drivers:  make(map[string]*models.Driver),
		markets:  make(map[string]*models.Market),
		entries:  make(map[string]*models.LedgerEntry),
		payouts:  make(map[string]*models.Payout),
		payments: make(map[string]*models.Payment),
		config:   make(map[string]string),
	}
}

// trips

func (m *MemoryStore) CreateTrip(_ context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[t.ID]; ok {
		return apperr.ErrConflict
	}
	cp := *t
	m.trips[t.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTrip(_ context.Context, id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) UpdateTrip(_ context.Context, id string, from models.TripStatus, version int, upd TripUpdate) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	if t.Status != from || t.Version != version {
		return nil, apperr.ErrConflict
	}
	if upd.Status != "" {
		t.Status = upd.Status
	}
	if upd.StartedAt != nil {
		t.StartedAt = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		t.CompletedAt = upd.CompletedAt
	}
	if upd.CancelledAt != nil {
		t.CancelledAt = upd.CancelledAt
	}
	if upd.DeliveryProof != nil {
		t.DeliveryProof = *upd.DeliveryProof
	}
	if upd.CancellationReason != nil {
		t.CancellationReason = *upd.CancellationReason
	}
	if upd.TipCents != nil {
		t.TipCents = *upd.TipCents
	}
	t.Version++
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListTripsByStatus(_ context.Context, status models.TripStatus, requestedBefore time.Time) ([]models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Trip
	for _, t := range m.trips {
		if t.Status == status && t.RequestedAt.Before(requestedBefore) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) CommitMatch(_ context.Context, c MatchCommit) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[c.TripID]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	if t.DriverID != "" {
		return nil, apperr.ErrAlreadyMatched
	}
	if !t.Status.Open() {
		return nil, apperr.ErrTripUnavailable
	}
	o, ok := m.offers[c.OfferID]
	if !ok || o.TripID != c.TripID {
		return nil, apperr.ErrNotFound
	}
	if o.Status != models.OfferPending {
		return nil, apperr.ErrOfferClosed
	}

	for _, id := range m.offerSeq {
		sib := m.offers[id]
		if sib.TripID == c.TripID && sib.ID != c.OfferID && sib.Status == models.OfferPending {
			sib.Status = models.OfferSuperseded
		}
	}
	at := c.MatchedAt
	o.Status = models.OfferAccepted
	o.RespondedAt = &at

	t.DriverID = c.DriverID
	t.Status = models.TripMatched
	t.PricingMode = c.PricingMode
	t.SelectedOfferID = c.OfferID
	t.FinalFareCents = c.FinalFareCents
	t.PlatformFeeCents = c.PlatformFeeCents
	t.DriverEarningsCents = c.DriverEarningsCents
	t.MatchedAt = &at
	t.Version++

	e := c.Earning
	m.entries[e.ID] = &e
	m.entrySeq = append(m.entrySeq, e.ID)

	cp := *t
	return &cp, nil
}

// offers

func (m *MemoryStore) CreateOffers(_ context.Context, offers []models.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range offers {
		if _, ok := m.offers[offers[i].ID]; ok {
			return apperr.ErrConflict
		}
	}
	for i := range offers {
		o := offers[i]
		m.offers[o.ID] = &o
		m.offerSeq = append(m.offerSeq, o.ID)
	}
	return nil
}

func (m *MemoryStore) GetOffer(_ context.Context, id string) (*models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) ListOffers(_ context.Context, tripID string) ([]models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Offer
	for _, id := range m.offerSeq {
		if o := m.offers[id]; o.TripID == tripID {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *MemoryStore) CloseOffer(_ context.Context, id string, to models.OfferStatus, respondedAt *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return false, apperr.ErrNotFound
	}
	if o.Status != models.OfferPending {
		return false, nil
	}
	o.Status = to
	if respondedAt != nil {
		o.RespondedAt = respondedAt
	}
	return true, nil
}

func (m *MemoryStore) RecordQuote(_ context.Context, id string, quoteCents int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return false, apperr.ErrNotFound
	}
	if o.Status != models.OfferPending {
		return false, nil
	}
	q := quoteCents
	o.QuoteFareCents = &q
	o.RespondedAt = &at
	return true, nil
}

func (m *MemoryStore) ExpireOffers(_ context.Context, tripID string, asOf time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range m.offerSeq {
		o := m.offers[id]
		if o.TripID == tripID && o.Status == models.OfferPending && o.ExpiresAt.Before(asOf) {
			o.Status = models.OfferExpired
			n++
		}
	}
	return n, nil
}

// drivers and markets

func (m *MemoryStore) SaveDriver(_ context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.drivers[d.ID] = &cp
	return nil
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) ListDispatchCandidates(_ context.Context, marketID string, heartbeatSince time.Time) ([]models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Driver
	for _, d := range m.drivers {
		if d.MarketID != marketID || !d.Online || d.ApprovalStatus != models.ApprovalApproved {
			continue
		}
		if d.LastHeartbeat == nil || d.LastHeartbeat.Before(heartbeatSince) {
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListApprovedDrivers(_ context.Context) ([]models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Driver
	for _, d := range m.drivers {
		if d.ApprovalStatus == models.ApprovalApproved {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) TouchDriver(_ context.Context, id string, loc models.Coord, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return apperr.ErrNotFound
	}
	l := loc
	ts := at
	d.LastLocation = &l
	d.LastHeartbeat = &ts
	return nil
}

func (m *MemoryStore) SetDriverOnline(_ context.Context, id string, online bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return apperr.ErrNotFound
	}
	d.Online = online
	if online {
		ts := at
		d.LastHeartbeat = &ts
	}
	return nil
}

func (m *MemoryStore) SaveMarket(_ context.Context, mk *models.Market) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *mk
	m.markets[mk.ID] = &cp
	return nil
}

func (m *MemoryStore) ListActiveMarkets(_ context.Context) ([]models.Market, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Market
	for _, mk := range m.markets {
		if mk.Status == models.MarketActive {
			out = append(out, *mk)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ledger

func (m *MemoryStore) CreateLedgerEntry(_ context.Context, e *models.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[e.ID]; ok {
		return apperr.ErrConflict
	}
	cp := *e
	m.entries[e.ID] = &cp
	m.entrySeq = append(m.entrySeq, e.ID)
	return nil
}

func (m *MemoryStore) ListLedgerEntries(_ context.Context, driverID string, status models.LedgerStatus) ([]models.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collectEntries(func(e *models.LedgerEntry) bool {
		return e.DriverID == driverID && e.Status == status
	}), nil
}

func (m *MemoryStore) ListPayoutEntries(_ context.Context, payoutID string) ([]models.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collectEntries(func(e *models.LedgerEntry) bool { return e.PayoutID == payoutID }), nil
}

// collectEntries keeps insertion order among entries sharing a timestamp.
func (m *MemoryStore) collectEntries(keep func(*models.LedgerEntry) bool) []models.LedgerEntry {
	var out []models.LedgerEntry
	for _, id := range m.entrySeq {
		if e := m.entries[id]; keep(e) {
			out = append(out, *e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *MemoryStore) TransitionEntries(_ context.Context, ids []string, from, to models.LedgerStatus, payoutID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range ids {
		e, ok := m.entries[id]
		if !ok || e.Status != from {
			continue
		}
		e.Status = to
		if payoutID != "" {
			e.PayoutID = payoutID
		}
		n++
	}
	return n, nil
}

func (m *MemoryStore) ReleasePayoutEntries(_ context.Context, payoutID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range m.entrySeq {
		e := m.entries[id]
		if e.PayoutID != payoutID || e.Status != models.LedgerPaidOut || e.Type == models.EntryPayoutFee {
			continue
		}
		e.Status = models.LedgerAvailable
		e.PayoutID = ""
		n++
	}
	return n, nil
}

func (m *MemoryStore) TransitionTripEntries(_ context.Context, tripID string, from, to models.LedgerStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range m.entrySeq {
		e := m.entries[id]
		if e.TripID == tripID && e.Status == from {
			e.Status = to
			n++
		}
	}
	return n, nil
}

// payouts

func (m *MemoryStore) CreatePayout(_ context.Context, p *models.Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payouts[p.ID]; ok {
		return apperr.ErrConflict
	}
	cp := *p
	m.payouts[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetPayout(_ context.Context, id string) (*models.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payouts[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) FinishPayout(_ context.Context, id string, from models.PayoutStatus, upd PayoutUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payouts[id]
	if !ok {
		return false, apperr.ErrNotFound
	}
	if p.Status != from {
		return false, nil
	}
	p.Status = upd.Status
	if upd.TransferID != "" {
		p.TransferID = upd.TransferID
	}
	if upd.FailureReason != "" {
		p.FailureReason = upd.FailureReason
	}
	if upd.CompletedAt != nil {
		p.CompletedAt = upd.CompletedAt
	}
	return true, nil
}

// events

func (m *MemoryStore) AppendEvent(_ context.Context, e *models.TripEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *e)
	return nil
}

func (m *MemoryStore) ListEvents(_ context.Context, tripID string) ([]models.TripEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.TripEvent
	for _, e := range m.events {
		if e.TripID == tripID {
			out = append(out, e)
		}
	}
	return out, nil
}

// payments

func (m *MemoryStore) CreatePayment(_ context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.ID]; ok {
		return apperr.ErrConflict
	}
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetPaymentByTrip(_ context.Context, tripID string) (*models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *models.Payment
	for _, p := range m.payments {
		if p.TripID != tripID {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return nil, apperr.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) GetPaymentByIntent(_ context.Context, intentID string) (*models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.payments {
		if p.IntentID == intentID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func (m *MemoryStore) SetPaymentStatus(_ context.Context, id string, to models.PaymentStatus, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return false, apperr.ErrNotFound
	}
	if p.Status == models.PaymentSucceeded || p.Status == to {
		return false, nil
	}
	p.Status = to
	p.FailureReason = reason
	p.UpdatedAt = at
	return true, nil
}

// config

func (m *MemoryStore) LoadConfig(_ context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.config))
	for k, v := range m.config {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) SetConfig(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config[key] = value
	return nil
}

var _ Store = (*MemoryStore)(nil)
