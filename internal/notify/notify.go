// Package notify delivers fire-and-forget notifications to riders and drivers.
package notify

import (
	"context"
	"log/slog"
)

// Notification types.
const (
	TypeOffer   = "offer"
	TypeQuote   = "quote"
	TypeMatch   = "match"
	TypeStatus  = "status"
	TypePayment = "payment"
	TypePayout  = "payout"
)

type Notification struct {
	UserID string         `json:"user_id"`
	Type   string         `json:"type"`
	Title  string         `json:"title"`
	Body   string         `json:"body"`
	Data   map[string]any `json:"data,omitempty"`
}

type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// LogSink only logs; it is the fallback when no push endpoint is configured.
type LogSink struct {
	Logger *slog.Logger
}

func (l LogSink) Notify(_ context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "user_id", n.UserID, "type", n.Type, "title", n.Title)
	return nil
}

// Fanout tries the live websocket session first and falls back to push.
type Fanout struct {
	WS   *WSRegistry
	Push Sink
}

func (f *Fanout) Notify(ctx context.Context, n Notification) error {
	if f.WS != nil {
		if err := f.WS.Notify(ctx, n); err == nil {
			return nil
		}
	}
	if f.Push == nil {
		return ErrNoSession
	}
	return f.Push.Notify(ctx, n)
}
