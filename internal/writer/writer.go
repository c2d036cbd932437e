package writer

import (
	"context"
	"log/slog"
	"time"
)

// Backend applies a batch of jobs inside a single transaction. Callers
// outside this package never open a transaction for account or request
// mutations themselves (spec.md §5: "direct SQL from the hot path is
// forbidden").
type Backend interface {
	ApplyBatch(ctx context.Context, jobs []Job) error
}

// Writer is the single-consumer async DB writer: Enqueue never blocks the
// hot path, and the consumer goroutine batches up to BatchSize jobs or
// BatchInterval, whichever comes first, into one Backend.ApplyBatch call.
type Writer struct {
	ch            chan Job
	backend       Backend
	batchSize     int
	batchInterval time.Duration
	drainTimeout  time.Duration

	done chan struct{}
}

func New(backend Backend, queueCapacity, batchSize int, batchInterval time.Duration) *Writer {
	if queueCapacity <= 0 {
		queueCapacity = 4096
	}
	if batchSize <= 0 {
		batchSize = 32
	}
	return &Writer{
		ch:            make(chan Job, queueCapacity),
		backend:       backend,
		batchSize:     batchSize,
		batchInterval: batchInterval,
		drainTimeout:  30 * time.Second,
		done:          make(chan struct{}),
	}
}

// Enqueue submits a job for eventual persistence. It never blocks: if the
// queue is full the job is dropped and logged, matching spec.md §4.5's
// "write failures never surface to the proxy hot path" contract extended
// to backpressure.
func (w *Writer) Enqueue(job Job) {
	select {
	case w.ch <- job:
	default:
		slog.Warn("writer queue full, dropping job", "type", jobType(job))
	}
}

// Run processes jobs until ctx is canceled, then drains the remaining
// queue with a bounded timeout before returning. Run is meant to be the
// only goroutine calling Backend.ApplyBatch.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.batchInterval)
	defer ticker.Stop()

	buf := make([]Job, 0, w.batchSize)
	for {
		select {
		case job := <-w.ch:
			buf = append(buf, job)
			if len(buf) >= w.batchSize {
				buf = w.flush(ctx, buf)
			}

		case <-ticker.C:
			if len(buf) > 0 {
				buf = w.flush(ctx, buf)
			}

		case <-ctx.Done():
			w.drain(buf)
			return
		}
	}
}

// Done is closed once Run has returned (queue drained).
func (w *Writer) Done() <-chan struct{} { return w.done }

func (w *Writer) drain(buf []Job) {
	ctx, cancel := context.WithTimeout(context.Background(), w.drainTimeout)
	defer cancel()

	for {
		select {
		case job := <-w.ch:
			buf = append(buf, job)
			if len(buf) >= w.batchSize {
				buf = w.flush(ctx, buf)
			}
		default:
			if len(buf) > 0 {
				w.flush(ctx, buf)
			}
			return
		}
	}
}

func (w *Writer) flush(ctx context.Context, buf []Job) []Job {
	batch := make([]Job, len(buf))
	copy(batch, buf)

	if err := w.backend.ApplyBatch(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "writer batch failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
	return buf[:0]
}

func jobType(job Job) string {
	switch job.(type) {
	case InsertRequestJob:
		return "insert_request"
	case UpsertPayloadJob:
		return "upsert_payload"
	case UpdateAccountTokensJob:
		return "update_account_tokens"
	case UpdateAccountUsageJob:
		return "update_account_usage"
	case SetRateLimitJob:
		return "set_rate_limit"
	case ClearRateLimitJob:
		return "clear_rate_limit"
	case PauseAccountJob:
		return "pause_account"
	case ResumeAccountJob:
		return "resume_account"
	default:
		return "unknown"
	}
}
