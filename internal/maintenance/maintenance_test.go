package maintenance

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeBackend struct {
	deleteRequestsCalls atomic.Int32
	deletePayloadsCalls atomic.Int32
	vacuumCalls         atomic.Int32
	lastRequestCutoff   atomic.Value
	lastPayloadCutoff   atomic.Value
}

func (f *fakeBackend) DeleteRequestsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	f.deleteRequestsCalls.Add(1)
	f.lastRequestCutoff.Store(cutoff)
	return 3, nil
}

func (f *fakeBackend) DeletePayloadsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	f.deletePayloadsCalls.Add(1)
	f.lastPayloadCutoff.Store(cutoff)
	return 1, nil
}

func (f *fakeBackend) Vacuum(ctx context.Context) error {
	f.vacuumCalls.Add(1)
	return nil
}

func TestRunStartupSweepsAndVacuums(t *testing.T) {
	backend := &fakeBackend{}
	r := New(backend, time.Hour, 90, 30)

	r.RunStartup(context.Background())

	if backend.deleteRequestsCalls.Load() != 1 {
		t.Error("expected one request-retention sweep")
	}
	if backend.deletePayloadsCalls.Load() != 1 {
		t.Error("expected one payload-retention sweep")
	}
	if backend.vacuumCalls.Load() != 1 {
		t.Error("expected vacuum to run once at startup")
	}
}

func TestRunStartupUsesRetentionWindows(t *testing.T) {
	backend := &fakeBackend{}
	r := New(backend, time.Hour, 90, 30)
	before := time.Now()

	r.RunStartup(context.Background())

	reqCutoff := backend.lastRequestCutoff.Load().(time.Time)
	wantReq := before.AddDate(0, 0, -90)
	if reqCutoff.Sub(wantReq).Abs() > time.Minute {
		t.Errorf("request cutoff = %v, want ~%v", reqCutoff, wantReq)
	}

	payloadCutoff := backend.lastPayloadCutoff.Load().(time.Time)
	wantPayload := before.AddDate(0, 0, -30)
	if payloadCutoff.Sub(wantPayload).Abs() > time.Minute {
		t.Errorf("payload cutoff = %v, want ~%v", payloadCutoff, wantPayload)
	}
}

func TestRunRepeatsSweepWithoutRepeatingVacuum(t *testing.T) {
	backend := &fakeBackend{}
	r := New(backend, 20*time.Millisecond, 90, 30)

	ctx, cancel := context.WithTimeout(context.Background(), 70*time.Millisecond)
	defer cancel()

	r.Run(ctx)

	if backend.vacuumCalls.Load() != 1 {
		t.Errorf("expected vacuum to run exactly once, got %d", backend.vacuumCalls.Load())
	}
	if backend.deleteRequestsCalls.Load() < 2 {
		t.Errorf("expected the retention sweep to repeat, got %d calls", backend.deleteRequestsCalls.Load())
	}
}
