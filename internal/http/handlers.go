package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/checkout"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fleet"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/offers"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/trips"
)

const (
	actorHeader     = "X-Actor-ID"
	signatureHeader = "Stripe-Signature"
	maxBodyBytes    = 1 << 20
)

// WebhookParser verifies and decodes a payment provider callback.
type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (payments.WebhookEvent, error)
}

type EventLister interface {
	ListEvents(ctx context.Context, tripID string) ([]models.TripEvent, error)
}

// Services are the domain handlers the API exposes.
type Services struct {
	Trips    *trips.Service
	Dispatch *dispatch.Engine
	Offers   *offers.Manager
	Ledger   *ledger.Engine
	Checkout *checkout.Service
	Fleet    *fleet.Service
	Webhooks WebhookParser
	Events   EventLister
	WS       *notify.WSRegistry
}

type Server struct {
	svc    Services
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(svc Services, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{svc: svc, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/trips", s.handleCreateTrip).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}", s.handleGetTrip).Methods(http.MethodGet)
	api.HandleFunc("/trips/{id}/status", s.handleTripStatus).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/cancel", s.handleCancelTrip).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/payment-intent", s.handlePaymentIntent).Methods(http.MethodPost)
	api.HandleFunc("/offers/{id}/respond", s.handleRespond).Methods(http.MethodPost)
	api.HandleFunc("/offers/{id}/select", s.handleSelectQuote).Methods(http.MethodPost)
	api.HandleFunc("/drivers/nearby", s.handleNearby).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/location", s.handleDriverLocation).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/availability", s.handleAvailability).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/balance", s.handleBalance).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/payouts/expedited", s.handleExpeditedPayout).Methods(http.MethodPost)

	internal := s.mux.PathPrefix("/internal").Subrouter()
	internal.HandleFunc("/payouts/batch", s.handleBatchPayout).Methods(http.MethodPost)
	internal.HandleFunc("/payouts/{id}/reconcile", s.handleReconcile).Methods(http.MethodPost)
	internal.HandleFunc("/trips/{id}/events", s.handleTripEvents).Methods(http.MethodGet)
	internal.HandleFunc("/trips/{id}/dispatch", s.handleDispatch).Methods(http.MethodPost)

	s.mux.HandleFunc("/webhooks/stripe", s.handleStripeWebhook).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// actor returns the authenticated caller, writing 401 when it is missing.
func actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(actorHeader)
	if id == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing " + actorHeader, Code: "unauthenticated"})
		return "", false
	}
	return id, true
}

// sameDriver guards driver-scoped routes to the driver themself.
func sameDriver(w http.ResponseWriter, r *http.Request) (string, bool) {
	who, ok := actor(w, r)
	if !ok {
		return "", false
	}
	id := mux.Vars(r)["id"]
	if who != id {
		writeJSON(w, http.StatusForbidden, errorBody{Error: apperr.ErrUnauthorized.Error(), Code: "unauthorized"})
		return "", false
	}
	return id, true
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return apperr.Invalid("malformed body: %v", err)
	}
	return nil
}

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	who, ok := actor(w, r)
	if !ok {
		return
	}
	var req trips.CreateRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.RequesterID = who
	trip, err := s.svc.Trips.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := map[string]any{"trip": trip}
	// the sweep retries trips left in requested
	if res, err := s.svc.Dispatch.Dispatch(r.Context(), trip.ID); err != nil {
		s.logger.Warn("dispatch after create failed", "trip_id", trip.ID, "err", err)
	} else {
		resp["dispatch"] = res
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	who, ok := actor(w, r)
	if !ok {
		return
	}
	trip, err := s.svc.Trips.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if who != trip.RequesterID && who != trip.DriverID {
		s.writeError(w, r, apperr.ErrUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Dispatch.Dispatch(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTripStatus(w http.ResponseWriter, r *http.Request) {
	who, ok := actor(w, r)
	if !ok {
		return
	}
	var body struct {
		Status        models.TripStatus `json:"status"`
		DeliveryProof string            `json:"delivery_proof"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	trip, err := s.svc.Trips.AdvanceStatus(r.Context(), mux.Vars(r)["id"], who, body.Status, body.DeliveryProof)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleCancelTrip(w http.ResponseWriter, r *http.Request) {
	who, ok := actor(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	trip, err := s.svc.Trips.Cancel(r.Context(), mux.Vars(r)["id"], who, body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handlePaymentIntent(w http.ResponseWriter, r *http.Request) {
	who, ok := actor(w, r)
	if !ok {
		return
	}
	var body struct {
		TipCents int64 `json:"tip_cents"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Checkout.CreatePaymentIntent(r.Context(), mux.Vars(r)["id"], who, body.TipCents)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	who, ok := actor(w, r)
	if !ok {
		return
	}
	var body struct {
		Action         offers.Action `json:"action"`
		QuoteFareCents *int64        `json:"quote_fare_cents"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Offers.Respond(r.Context(), mux.Vars(r)["id"], who, body.Action, body.QuoteFareCents)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSelectQuote(w http.ResponseWriter, r *http.Request) {
	who, ok := actor(w, r)
	if !ok {
		return
	}
	res, err := s.svc.Offers.SelectQuote(r.Context(), mux.Vars(r)["id"], who)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	id, ok := sameDriver(w, r)
	if !ok {
		return
	}
	var loc models.Coord
	if err := decode(r, &loc); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.svc.Fleet.PingLocation(r.Context(), id, loc); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	id, ok := sameDriver(w, r)
	if !ok {
		return
	}
	var body struct {
		Online bool `json:"online"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.svc.Fleet.SetAvailability(r.Context(), id, body.Online)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
	if err1 != nil || err2 != nil {
		s.writeError(w, r, apperr.Invalid("lat and lon are required"))
		return
	}
	radius, _ := strconv.ParseFloat(q.Get("radius_km"), 64)
	limit, _ := strconv.Atoi(q.Get("limit"))
	out, err := s.svc.Fleet.Nearby(r.Context(), models.Coord{Lat: lat, Lon: lon}, radius, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": out})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := sameDriver(w, r)
	if !ok {
		return
	}
	bal, err := s.svc.Ledger.Balance(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"driver_id": id, "available_cents": bal})
}

func (s *Server) handleExpeditedPayout(w http.ResponseWriter, r *http.Request) {
	id, ok := sameDriver(w, r)
	if !ok {
		return
	}
	var body struct {
		AmountCents *int64 `json:"amount_cents"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.svc.Ledger.RequestExpeditedPayout(r.Context(), id, body.AmountCents)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleBatchPayout(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.Ledger.RunBatchPayout(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	consumed, err := s.svc.Ledger.ReconcilePayout(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payout_id": id, "consumed_cents": consumed})
}

func (s *Server) handleTripEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := s.svc.Events.ListEvents(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	sig := r.Header.Get(signatureHeader)
	if sig == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing " + signatureHeader, Code: "invalid_signature"})
		return
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, r, apperr.Invalid("read body: %v", err))
		return
	}
	ev, err := s.svc.Webhooks.ParseWebhook(payload, sig)
	if err != nil {
		s.logger.Warn("webhook rejected", "err", err)
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "invalid_signature"})
		return
	}
	if err := s.svc.Checkout.HandleWebhook(r.Context(), ev); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

var upgrader = websocket.Upgrader{}

// handleWS subscribes the caller to their own notifications only.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	who, ok := actor(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["user_id"]
	if who != id {
		writeJSON(w, http.StatusForbidden, errorBody{Error: apperr.ErrUnauthorized.Error(), Code: "unauthorized"})
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.svc.WS.Add(id, conn)
	observability.WSSessions.Set(float64(s.svc.WS.Len()))
	go s.readWS(id, conn)
}

// readWS discards client frames until the connection drops.
func (s *Server) readWS(id string, conn *websocket.Conn) {
	defer func() {
		s.svc.WS.Remove(id, conn)
		_ = conn.Close()
		observability.WSSessions.Set(float64(s.svc.WS.Len()))
	}()
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
