package registry

import (
	"testing"
	"time"
)

func TestUpsertAndGet(t *testing.T) {
	r := New(0)

	isNew := r.Upsert(Record{
		ID:     "Lab@Snapmaker 2 Model A350",
		Name:   "Lab",
		Model:  "Snapmaker 2 Model A350",
		Addr:   "192.168.1.44:8080",
		Status: StatusIdle,
	})
	if !isNew {
		t.Error("first Upsert should report a new record")
	}

	isNew = r.Upsert(Record{
		ID:     "Lab@Snapmaker 2 Model A350",
		Name:   "Lab",
		Model:  "Snapmaker 2 Model A350",
		Addr:   "192.168.1.99:8080",
		Status: StatusPrinting,
	})
	if isNew {
		t.Error("second Upsert should report an update")
	}

	rec, ok := r.Get("Lab@Snapmaker 2 Model A350")
	if !ok {
		t.Fatal("Get() should find the record")
	}
	if rec.Addr != "192.168.1.99:8080" {
		t.Errorf("Addr = %q, want refreshed address", rec.Addr)
	}
	if rec.Status != StatusPrinting {
		t.Errorf("Status = %q, want PRINTING", rec.Status)
	}
}

func TestSnapshotSortedAndCopied(t *testing.T) {
	r := New(0)
	r.Upsert(Record{ID: "b@m", Name: "beta", Status: StatusIdle})
	r.Upsert(Record{ID: "a@m", Name: "alpha", Status: StatusIdle})

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot() len = %d, want 2", len(snap))
	}
	if snap[0].Name != "alpha" || snap[1].Name != "beta" {
		t.Errorf("Snapshot() not sorted by name: %v, %v", snap[0].Name, snap[1].Name)
	}

	// Mutating the snapshot must not touch the registry.
	snap[0].Status = StatusBusy
	rec, _ := r.Get("a@m")
	if rec.Status != StatusIdle {
		t.Error("registry record changed through a snapshot copy")
	}
}

func TestEvictStale(t *testing.T) {
	r := New(0)
	r.Upsert(Record{ID: "old@m", Name: "old", LastSeen: time.Now().Add(-time.Minute)})
	r.Upsert(Record{ID: "new@m", Name: "new", LastSeen: time.Now()})

	evicted := r.EvictStale(30 * time.Second)
	if len(evicted) != 1 || evicted[0].ID != "old@m" {
		t.Fatalf("EvictStale() = %v, want just old@m", evicted)
	}
	if _, ok := r.Get("old@m"); ok {
		t.Error("evicted record should be removed, not flagged")
	}
	if _, ok := r.Get("new@m"); !ok {
		t.Error("fresh record should survive the sweep")
	}
}

func TestUnreachableDerivedFromAge(t *testing.T) {
	r := New(15 * time.Second)
	r.Upsert(Record{ID: "d@m", Name: "d", Status: StatusIdle, LastSeen: time.Now().Add(-20 * time.Second)})

	rec, ok := r.Get("d@m")
	if !ok {
		t.Fatal("record should still be present before eviction")
	}
	if rec.Status != StatusUnreachable {
		t.Errorf("Status = %q, want UNREACHABLE for an aged record", rec.Status)
	}

	// A fresh announcement restores the announced status.
	r.Upsert(Record{ID: "d@m", Name: "d", Status: StatusIdle, LastSeen: time.Now()})
	rec, _ = r.Get("d@m")
	if rec.Status != StatusIdle {
		t.Errorf("Status = %q, want IDLE after refresh", rec.Status)
	}
}
