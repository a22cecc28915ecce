// Package ledger keeps driver balances and moves earnings out through
// expedited and scheduled payouts.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

type Store interface {
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	ListApprovedDrivers(ctx context.Context) ([]models.Driver, error)
	CreateLedgerEntry(ctx context.Context, e *models.LedgerEntry) error
	ListLedgerEntries(ctx context.Context, driverID string, status models.LedgerStatus) ([]models.LedgerEntry, error)
	ListPayoutEntries(ctx context.Context, payoutID string) ([]models.LedgerEntry, error)
	TransitionEntries(ctx context.Context, ids []string, from, to models.LedgerStatus, payoutID string) (int, error)
	TransitionTripEntries(ctx context.Context, tripID string, from, to models.LedgerStatus) (int, error)
	CreatePayout(ctx context.Context, p *models.Payout) error
	GetPayout(ctx context.Context, id string) (*models.Payout, error)
	FinishPayout(ctx context.Context, id string, from models.PayoutStatus, upd storage.PayoutUpdate) (bool, error)
	ReleasePayoutEntries(ctx context.Context, payoutID string) (int, error)
}

// Transferer sends funds to a driver's connected account and returns the
// provider's transfer id. Repeating a call with the same idempotency key
// returns the original transfer instead of sending a second one.
type Transferer interface {
	Transfer(ctx context.Context, amountCents int64, destination, idempotencyKey string, metadata map[string]string) (string, error)
}

type Engine struct {
	store       Store
	transfers   Transferer
	settings    config.Snapshotter
	notifier    notify.Sink
	logger      *slog.Logger
	now         func() time.Time
	parallelism int
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithParallelism bounds how many drivers a batch run pays concurrently.
func WithParallelism(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

func NewEngine(store Store, transfers Transferer, settings config.Snapshotter, notifier notify.Sink, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{store: store, transfers: transfers, settings: settings, notifier: notifier, logger: logger, now: time.Now, parallelism: 1}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Balance sums a driver's available entries.
func (e *Engine) Balance(ctx context.Context, driverID string) (int64, error) {
	entries, err := e.store.ListLedgerEntries(ctx, driverID, models.LedgerAvailable)
	if err != nil {
		return 0, fmt.Errorf("list available entries: %w", err)
	}
	return sum(entries), nil
}

// ConfirmPayment releases a trip's pending entries once the requester's
// payment succeeded. Re-running it moves nothing.
func (e *Engine) ConfirmPayment(ctx context.Context, tripID string) (int, error) {
	n, err := e.store.TransitionTripEntries(ctx, tripID, models.LedgerPending, models.LedgerAvailable)
	if err != nil {
		return 0, fmt.Errorf("release trip %s entries: %w", tripID, err)
	}
	if n > 0 {
		e.logger.Info("earnings available", "trip_id", tripID, "entries", n)
	}
	return n, nil
}

// RequestExpeditedPayout pays amountCents (the whole balance when nil) out
// immediately, less the expedited fee.
//
// The earnings covering the payout are claimed before any money moves, so
// two requests racing for the same balance cannot both transfer it: the
// loser's claim comes up short and it is rejected with ErrConflict.
func (e *Engine) RequestExpeditedPayout(ctx context.Context, driverID string, amountCents *int64) (*models.Payout, error) {
	d, err := e.store.GetDriver(ctx, driverID)
	if err != nil {
		return nil, fmt.Errorf("load driver %s: %w", driverID, err)
	}
	entries, err := e.store.ListLedgerEntries(ctx, driverID, models.LedgerAvailable)
	if err != nil {
		return nil, fmt.Errorf("list available entries: %w", err)
	}
	balance := sum(entries)
	if balance <= 0 {
		return nil, apperr.ErrBalanceZero
	}
	gross := balance
	if amountCents != nil {
		if *amountCents <= 0 {
			return nil, apperr.Invalid("amount_cents must be positive")
		}
		if *amountCents > balance {
			return nil, fmt.Errorf("requested %d of %d: %w", *amountCents, balance, apperr.ErrInsufficientBalance)
		}
		gross = *amountCents
	}
	t := e.settings.Snapshot()
	fee := fare.PayoutFee(gross, t.ExpeditedFeePercent, t.ExpeditedFlatFeeCents)
	net := gross - fee
	if net <= 0 {
		return nil, fmt.Errorf("net %d after fee %d: %w", net, fee, apperr.ErrPayoutTooSmall)
	}
	method := d.PayoutMethod()
	dest := d.PayoutDestination()
	if dest == "" {
		return nil, fmt.Errorf("%s: %w", method, apperr.ErrPayoutMethodNotConfigured)
	}
	ids := entryIDs(cover(entries, gross))
	if len(ids) == 0 {
		return nil, fmt.Errorf("no whole entry fits within %d: %w", gross, apperr.ErrInsufficientBalance)
	}

	now := e.now().UTC()
	p := &models.Payout{
		ID:         uuid.NewString(),
		DriverID:   driverID,
		GrossCents: gross,
		FeeCents:   fee,
		NetCents:   net,
		Method:     method,
		Status:     models.PayoutProcessing,
		Expedited:  true,
		CreatedAt:  now,
	}
	if method == models.PayoutPayPal {
		p.Status = models.PayoutPending
	}
	if err := e.store.CreatePayout(ctx, p); err != nil {
		return nil, fmt.Errorf("create payout: %w", err)
	}
	if err := e.claim(ctx, p, ids); err != nil {
		return nil, err
	}
	if err := e.store.CreateLedgerEntry(ctx, &models.LedgerEntry{
		ID:          "fee-" + p.ID,
		DriverID:    driverID,
		PayoutID:    p.ID,
		Type:        models.EntryPayoutFee,
		AmountCents: -fee,
		Status:      models.LedgerPaidOut,
		Description: "Expedited payout fee",
		CreatedAt:   now,
	}); err != nil {
		return nil, fmt.Errorf("record payout fee: %w", err)
	}
	if method == models.PayoutPayPal {
		observability.PayoutsTotal.WithLabelValues("expedited", string(models.PayoutPending)).Inc()
		e.logger.Info("paypal payout recorded", "payout_id", p.ID, "driver_id", driverID, "net_cents", net)
		return p, nil
	}

	transferID, err := e.transfers.Transfer(ctx, net, dest, idempotencyKey(p), transferMetadata(p))
	if err != nil {
		e.fail(ctx, p, err)
		return nil, &apperr.ExternalError{Op: "transfer", Err: err}
	}
	if err := e.complete(ctx, p, transferID); err != nil {
		return nil, err
	}
	e.logger.Info("expedited payout completed", "payout_id", p.ID, "driver_id", driverID,
		"gross_cents", gross, "fee_cents", fee, "transfer_id", transferID)
	e.notify(ctx, d.UserID, notify.Notification{
		Type:  notify.TypePayout,
		Title: "Expedited payout processed",
		Body:  fmt.Sprintf("%s sent (fee: %s)", dollars(net), dollars(fee)),
		Data:  map[string]any{"payout_id": p.ID, "amount_cents": net, "fee_cents": fee},
	})
	return p, nil
}

// cover picks available entries, oldest first, until amount is covered.
// Entries are taken whole; one larger than what is left is skipped.
func cover(entries []models.LedgerEntry, amount int64) []models.LedgerEntry {
	var picked []models.LedgerEntry
	remaining := amount
	for _, en := range entries {
		if remaining <= 0 {
			break
		}
		if en.AmountCents > remaining {
			continue
		}
		picked = append(picked, en)
		remaining -= en.AmountCents
	}
	return picked
}

func entryIDs(entries []models.LedgerEntry) []string {
	ids := make([]string, len(entries))
	for i, en := range entries {
		ids[i] = en.ID
	}
	return ids
}

// claim moves ids from available to paid_out under the payout in a single
// conditional write. Anything short of all of them means another payout got
// there first: whatever was taken is handed back and the payout fails.
func (e *Engine) claim(ctx context.Context, p *models.Payout, ids []string) error {
	n, err := e.store.TransitionEntries(ctx, ids, models.LedgerAvailable, models.LedgerPaidOut, p.ID)
	if err == nil && n == len(ids) {
		return nil
	}
	if err == nil {
		err = fmt.Errorf("claimed %d of %d entries: %w", n, len(ids), apperr.ErrConflict)
	}
	e.fail(ctx, p, err)
	return fmt.Errorf("claim earnings for payout %s: %w", p.ID, err)
}

// consume marks available entries created no later than before paid out
// under the payout until amount is covered. Returns the sum consumed.
func (e *Engine) consume(ctx context.Context, driverID, payoutID string, amount int64, before time.Time) (int64, error) {
	entries, err := e.store.ListLedgerEntries(ctx, driverID, models.LedgerAvailable)
	if err != nil {
		return 0, fmt.Errorf("list available entries: %w", err)
	}
	var eligible []models.LedgerEntry
	for _, en := range entries {
		if !en.CreatedAt.After(before) {
			eligible = append(eligible, en)
		}
	}
	var consumed int64
	for _, en := range cover(eligible, amount) {
		n, err := e.store.TransitionEntries(ctx, []string{en.ID}, models.LedgerAvailable, models.LedgerPaidOut, payoutID)
		if err != nil {
			return consumed, fmt.Errorf("consume entry %s: %w", en.ID, err)
		}
		if n > 0 {
			consumed += en.AmountCents
		}
	}
	return consumed, nil
}

func (e *Engine) complete(ctx context.Context, p *models.Payout, transferID string) error {
	done := e.now().UTC()
	ok, err := e.store.FinishPayout(ctx, p.ID, models.PayoutProcessing, storage.PayoutUpdate{
		Status:      models.PayoutCompleted,
		TransferID:  transferID,
		CompletedAt: &done,
	})
	if err == nil && !ok {
		err = apperr.ErrConflict
	}
	if err != nil {
		// The money has moved; ReconcilePayout replays the transfer under the
		// same idempotency key to recover this id.
		e.logger.Error("record completed payout", "payout_id", p.ID, "driver_id", p.DriverID,
			"transfer_id", transferID, "err", err)
		return fmt.Errorf("complete payout %s: %w", p.ID, err)
	}
	p.Status = models.PayoutCompleted
	p.TransferID = transferID
	p.CompletedAt = &done
	observability.PayoutsTotal.WithLabelValues(kind(p), string(models.PayoutCompleted)).Inc()
	return nil
}

// fail marks the payout failed and returns its claimed earnings to the
// available balance. A fee entry, if any, stays with the payout.
func (e *Engine) fail(ctx context.Context, p *models.Payout, cause error) {
	from := p.Status
	p.Status = models.PayoutFailed
	p.FailureReason = cause.Error()
	if _, err := e.store.FinishPayout(ctx, p.ID, from, storage.PayoutUpdate{
		Status:        models.PayoutFailed,
		FailureReason: cause.Error(),
	}); err != nil {
		e.logger.Error("mark payout failed", "payout_id", p.ID, "err", err)
	}
	if _, err := e.store.ReleasePayoutEntries(ctx, p.ID); err != nil {
		e.logger.Error("release payout entries", "payout_id", p.ID, "err", err)
	}
	observability.PayoutsTotal.WithLabelValues(kind(p), string(models.PayoutFailed)).Inc()
	e.logger.Warn("payout failed", "payout_id", p.ID, "driver_id", p.DriverID, "err", cause)
}

// Batch result statuses.
const (
	BatchCompleted = "completed"
	BatchFailed    = "failed"
	BatchPending   = "pending"
	BatchSkipped   = "skipped"
)

type BatchResult struct {
	DriverID    string              `json:"driver_id"`
	Status      string              `json:"status"`
	PayoutID    string              `json:"payout_id,omitempty"`
	AmountCents int64               `json:"amount_cents,omitempty"`
	Method      models.PayoutMethod `json:"method,omitempty"`
	Reason      string              `json:"reason,omitempty"`
}

type BatchReport struct {
	Processed int           `json:"processed"`
	Results   []BatchResult `json:"results"`
}

// RunBatchPayout pays every approved driver's full available balance with no
// fee. A failing driver is reported and never stops the run.
func (e *Engine) RunBatchPayout(ctx context.Context) (BatchReport, error) {
	drivers, err := e.store.ListApprovedDrivers(ctx)
	if err != nil {
		return BatchReport{}, fmt.Errorf("list approved drivers: %w", err)
	}
	results := make([]BatchResult, len(drivers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i := range drivers {
		i := i
		d := drivers[i]
		g.Go(func() error {
			results[i] = e.payDriver(gctx, d)
			return nil
		})
	}
	_ = g.Wait()

	report := BatchReport{Results: results}
	for _, r := range results {
		if r.Status != BatchSkipped {
			report.Processed++
		}
	}
	e.logger.Info("batch payout finished", "drivers", len(drivers), "processed", report.Processed)
	return report, nil
}

func (e *Engine) payDriver(ctx context.Context, d models.Driver) BatchResult {
	res := BatchResult{DriverID: d.ID, Method: d.PayoutMethod()}
	entries, err := e.store.ListLedgerEntries(ctx, d.ID, models.LedgerAvailable)
	if err != nil {
		res.Status, res.Reason = BatchFailed, err.Error()
		return res
	}
	balance := sum(entries)
	if balance <= 0 {
		res.Status, res.Reason = BatchSkipped, "no available balance"
		return res
	}
	dest := d.PayoutDestination()
	if dest == "" {
		e.logger.Info("skipping driver without payout method", "driver_id", d.ID)
		res.Status, res.Reason = BatchSkipped, "payout method not configured"
		return res
	}
	res.AmountCents = balance

	p := &models.Payout{
		ID:         uuid.NewString(),
		DriverID:   d.ID,
		GrossCents: balance,
		NetCents:   balance,
		Method:     res.Method,
		Status:     models.PayoutProcessing,
		CreatedAt:  e.now().UTC(),
	}
	if res.Method == models.PayoutPayPal {
		p.Status = models.PayoutPending
	}
	if err := e.store.CreatePayout(ctx, p); err != nil {
		res.Status, res.Reason = BatchFailed, err.Error()
		return res
	}
	res.PayoutID = p.ID
	if err := e.claim(ctx, p, entryIDs(entries)); err != nil {
		res.Status, res.Reason = BatchFailed, err.Error()
		return res
	}
	if res.Method == models.PayoutPayPal {
		observability.PayoutsTotal.WithLabelValues("batch", string(models.PayoutPending)).Inc()
		res.Status = BatchPending
		return res
	}

	transferID, err := e.transfers.Transfer(ctx, balance, dest, idempotencyKey(p), transferMetadata(p))
	if err != nil {
		e.fail(ctx, p, err)
		res.Status, res.Reason = BatchFailed, err.Error()
		return res
	}
	if err := e.complete(ctx, p, transferID); err != nil {
		res.Status, res.Reason = BatchFailed, err.Error()
		return res
	}
	e.notify(ctx, d.UserID, notify.Notification{
		Type:  notify.TypePayout,
		Title: "Payout processed",
		Body:  fmt.Sprintf("%s has been sent to your account", dollars(balance)),
		Data:  map[string]any{"payout_id": p.ID, "amount_cents": balance},
	})
	res.Status = BatchCompleted
	return res
}

// ReconcilePayout repairs a payout whose settlement was interrupted.
//
// A payout still processing has its transfer replayed under the original
// idempotency key, so the provider returns the transfer it already made
// rather than sending money twice, and is then marked completed. A completed
// payout whose linked earnings fall short of its gross has the difference
// consumed from entries that existed when it was created. Re-running it
// changes nothing.
func (e *Engine) ReconcilePayout(ctx context.Context, payoutID string) (int64, error) {
	p, err := e.store.GetPayout(ctx, payoutID)
	if err != nil {
		return 0, fmt.Errorf("load payout %s: %w", payoutID, err)
	}
	switch p.Status {
	case models.PayoutCompleted:
	case models.PayoutProcessing:
		if err := e.settle(ctx, p); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("payout %s is %s: %w", payoutID, p.Status, apperr.ErrInvalidState)
	}

	linked, err := e.store.ListPayoutEntries(ctx, payoutID)
	if err != nil {
		return 0, fmt.Errorf("list payout entries: %w", err)
	}
	remaining := p.GrossCents
	for _, en := range linked {
		if en.Type != models.EntryPayoutFee {
			remaining -= en.AmountCents
		}
	}
	if remaining <= 0 {
		return 0, nil
	}
	consumed, err := e.consume(ctx, p.DriverID, payoutID, remaining, p.CreatedAt)
	if err != nil {
		return consumed, err
	}
	e.logger.Info("payout reconciled", "payout_id", payoutID, "consumed_cents", consumed)
	return consumed, nil
}

// settle finishes a payout left processing after its transfer call.
func (e *Engine) settle(ctx context.Context, p *models.Payout) error {
	transferID := p.TransferID
	if transferID == "" {
		d, err := e.store.GetDriver(ctx, p.DriverID)
		if err != nil {
			return fmt.Errorf("load driver %s: %w", p.DriverID, err)
		}
		dest := d.PayoutDestination()
		if dest == "" {
			return fmt.Errorf("%s: %w", d.PayoutMethod(), apperr.ErrPayoutMethodNotConfigured)
		}
		transferID, err = e.transfers.Transfer(ctx, p.NetCents, dest, idempotencyKey(p), transferMetadata(p))
		if err != nil {
			e.fail(ctx, p, err)
			return &apperr.ExternalError{Op: "transfer", Err: err}
		}
	}
	if err := e.complete(ctx, p, transferID); err != nil {
		return err
	}
	e.logger.Info("processing payout settled", "payout_id", p.ID, "transfer_id", transferID)
	return nil
}

func idempotencyKey(p *models.Payout) string {
	return "payout-" + p.ID
}

func transferMetadata(p *models.Payout) map[string]string {
	return map[string]string{
		"payout_id":    p.ID,
		"driver_id":    p.DriverID,
		"is_expedited": strconv.FormatBool(p.Expedited),
	}
}

func (e *Engine) notify(ctx context.Context, userID string, n notify.Notification) {
	n.UserID = userID
	if err := e.notifier.Notify(ctx, n); err != nil {
		observability.NotificationFailures.Inc()
		e.logger.Warn("notification failed", "user_id", userID, "type", n.Type, "err", err)
	}
}

func sum(entries []models.LedgerEntry) int64 {
	var total int64
	for _, en := range entries {
		total += en.AmountCents
	}
	return total
}

func kind(p *models.Payout) string {
	if p.Expedited {
		return "expedited"
	}
	return "batch"
}

func dollars(cents int64) string {
	sign := ""
	if cents < 0 {
		sign, cents = "-", -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}
