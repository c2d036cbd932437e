// Package maintenance runs the proxy's startup and periodic housekeeping:
// retention cleanup of old request/payload rows and storage compaction
// (spec.md §4.6). Unlike every other component, maintenance is allowed to
// issue direct SQL against the store, since it never runs on the request
// hot path (spec.md §5: "direct SQL from the hot path is forbidden" — this
// is the one collaborator that isn't the hot path).
package maintenance

import (
	"context"
	"log/slog"
	"time"
)

// Backend is the storage surface maintenance operates on.
type Backend interface {
	DeleteRequestsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	DeletePayloadsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Vacuum(ctx context.Context) error
}

// Runner owns the one-shot startup sweep and the periodic sweep.
type Runner struct {
	backend              Backend
	interval             time.Duration
	requestRetentionDays int
	dataRetentionDays    int
}

func New(backend Backend, interval time.Duration, requestRetentionDays, dataRetentionDays int) *Runner {
	return &Runner{
		backend:              backend,
		interval:             interval,
		requestRetentionDays: requestRetentionDays,
		dataRetentionDays:    dataRetentionDays,
	}
}

// RunStartup performs the one-shot sweep expected at boot: retention
// cleanup followed by a vacuum/compact pass.
func (r *Runner) RunStartup(ctx context.Context) {
	r.sweep(ctx)
	if err := r.backend.Vacuum(ctx); err != nil {
		slog.Error("maintenance: vacuum failed", "error", err)
	}
}

// Run performs RunStartup once, then repeats the retention sweep every
// r.interval until ctx is canceled. Vacuum only runs at startup; it's
// comparatively expensive and doesn't need to repeat hourly.
func (r *Runner) Run(ctx context.Context) {
	r.RunStartup(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Runner) sweep(ctx context.Context) {
	now := time.Now()

	reqCutoff := now.AddDate(0, 0, -r.requestRetentionDays)
	if n, err := r.backend.DeleteRequestsOlderThan(ctx, reqCutoff); err != nil {
		slog.Error("maintenance: delete old requests failed", "error", err)
	} else if n > 0 {
		slog.Info("maintenance: pruned old requests", "count", n)
	}

	payloadCutoff := now.AddDate(0, 0, -r.dataRetentionDays)
	if n, err := r.backend.DeletePayloadsOlderThan(ctx, payloadCutoff); err != nil {
		slog.Error("maintenance: delete old payloads failed", "error", err)
	} else if n > 0 {
		slog.Info("maintenance: pruned old payloads", "count", n)
	}
}
