package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Snapshotter hands out the configuration in force for one operation.
type Snapshotter interface {
	Snapshot() Tunables
}

// Static is a fixed snapshot, handy for tests and single-shot tools.
type Static Tunables

func (s Static) Snapshot() Tunables { return Tunables(s) }

// Source loads the raw key/value configuration rows.
type Source interface {
	LoadConfig(ctx context.Context) (map[string]string, error)
}

// Provider serves the latest loaded Tunables. Refresh swaps the snapshot
// atomically so in-flight operations keep the values they started with.
type Provider struct {
	src    Source
	logger *slog.Logger
	cur    atomic.Pointer[Tunables]
}

func NewProvider(src Source, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{src: src, logger: logger}
	d := Defaults()
	p.cur.Store(&d)
	return p
}

func (p *Provider) Snapshot() Tunables {
	return *p.cur.Load()
}

// Refresh reloads from the source. A load failure keeps the previous snapshot;
// invalid individual values fall back to defaults and are logged.
func (p *Provider) Refresh(ctx context.Context) error {
	values, err := p.src.LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	t, err := FromValues(values)
	if err != nil {
		p.logger.Warn("config values rejected", "err", err)
	}
	p.cur.Store(&t)
	return nil
}
