package writer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeBackend struct {
	mu     sync.Mutex
	calls  int
	jobs   []Job
	failOn int // if >0, ApplyBatch call number that returns an error
}

func (f *fakeBackend) ApplyBatch(ctx context.Context, jobs []Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.jobs = append(f.jobs, jobs...)
	if f.failOn != 0 && f.calls == f.failOn {
		return errors.New("boom")
	}
	return nil
}

func (f *fakeBackend) snapshot() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, len(f.jobs)
}

func TestWriterFlushesOnBatchSize(t *testing.T) {
	backend := &fakeBackend{}
	w := New(backend, 100, 4, time.Hour) // interval long enough to never fire on its own

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	for i := 0; i < 4; i++ {
		w.Enqueue(ResumeAccountJob{AccountID: "a"})
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if calls, n := backend.snapshot(); calls >= 1 && n >= 4 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	calls, n := backend.snapshot()
	if calls < 1 || n < 4 {
		t.Fatalf("expected a batch flush of 4 jobs, got calls=%d jobs=%d", calls, n)
	}

	cancel()
	<-w.Done()
}

func TestWriterFlushesOnInterval(t *testing.T) {
	backend := &fakeBackend{}
	w := New(backend, 100, 1000, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	w.Enqueue(ClearRateLimitJob{AccountID: "a"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if calls, _ := backend.snapshot(); calls >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if calls, _ := backend.snapshot(); calls < 1 {
		t.Fatal("expected the ticker to flush a partial batch")
	}

	cancel()
	<-w.Done()
}

func TestWriterDrainsOnShutdown(t *testing.T) {
	backend := &fakeBackend{}
	w := New(backend, 100, 1000, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	for i := 0; i < 10; i++ {
		w.Enqueue(ResumeAccountJob{AccountID: "a"})
	}

	cancel()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not shut down in time")
	}

	if _, n := backend.snapshot(); n != 10 {
		t.Errorf("expected all 10 queued jobs drained, got %d", n)
	}
}

func TestEnqueueDropsWhenQueueFull(t *testing.T) {
	backend := &fakeBackend{}
	w := New(backend, 2, 1000, time.Hour) // tiny queue, consumer never drains

	// Fill the channel buffer directly without starting Run, so Enqueue
	// hits the full-queue path deterministically.
	w.Enqueue(ResumeAccountJob{AccountID: "1"})
	w.Enqueue(ResumeAccountJob{AccountID: "2"})
	w.Enqueue(ResumeAccountJob{AccountID: "3"}) // dropped, queue full

	if len(w.ch) != 2 {
		t.Errorf("expected queue to stay at capacity 2, got %d", len(w.ch))
	}
}
