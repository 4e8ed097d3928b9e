package metadata

import (
	"context"
	"sync"
	"testing"
)

type recordedOp struct {
	op      string
	success bool
}

type fakeRecorder struct {
	mu  sync.Mutex
	ops []recordedOp
}

func (r *fakeRecorder) RecordOperation(operation string, _ float64, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, recordedOp{op: operation, success: success})
}

func TestInstrumentedStoreRecords(t *testing.T) {
	ctx := context.Background()
	rec := &fakeRecorder{}
	s := NewInstrumentedStore(NewMockStore(), rec)

	if _, err := s.Put(ctx, "/a", []byte("1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := s.Get(ctx, "/a"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, err := s.List(ctx, "/", "", 0); err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if _, err := s.Put(ctx, "/e", nil, Ephemeral()); err != nil {
		t.Fatalf("ephemeral Put failed: %v", err)
	}
	w, err := s.Watch(ctx, "/")
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	w.Close()
	if err := s.Delete(ctx, "/a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Put(ctx, "/e", nil, IfAbsent()); err == nil {
		t.Fatal("expected version mismatch")
	}

	want := []recordedOp{
		{opPut, true},
		{opGet, true},
		{opList, true},
		{opPutEphemeral, true},
		{opWatch, true},
		{opDelete, true},
		{opPut, false},
	}
	if len(rec.ops) != len(want) {
		t.Fatalf("recorded %d ops, want %d: %v", len(rec.ops), len(want), rec.ops)
	}
	for i := range want {
		if rec.ops[i] != want[i] {
			t.Errorf("op %d = %+v, want %+v", i, rec.ops[i], want[i])
		}
	}
}

func TestInstrumentedStoreNilMetrics(t *testing.T) {
	s := NewInstrumentedStore(NewMockStore(), nil)
	if _, err := s.Put(context.Background(), "/a", nil); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}
