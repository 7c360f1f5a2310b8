package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/tronlabs/tron/internal/eventstore"
	"github.com/tronlabs/tron/internal/storage"
)

func newSweepStore(t *testing.T) *eventstore.Store {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	m, err := storage.NewMigrator(db.DB)
	if err != nil {
		t.Fatalf("NewMigrator: %v", err)
	}
	if _, err := m.Up(context.Background()); err != nil {
		t.Fatalf("Up: %v", err)
	}
	return eventstore.NewStore(db, eventstore.Options{})
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.LogDays != DefaultLogDays {
		t.Fatalf("LogDays = %d, want %d", cfg.LogDays, DefaultLogDays)
	}
	if cfg.SweepSchedule != DefaultSweepSchedule {
		t.Fatalf("SweepSchedule = %q", cfg.SweepSchedule)
	}
	if cfg.CheckpointSchedule != DefaultCheckpointSchedule {
		t.Fatalf("CheckpointSchedule = %q", cfg.CheckpointSchedule)
	}

	cfg = Config{LogDays: 7, SweepSchedule: "0 4 * * *"}.withDefaults()
	if cfg.LogDays != 7 || cfg.SweepSchedule != "0 4 * * *" {
		t.Fatalf("explicit values overridden: %+v", cfg)
	}
}

func TestRetentionSweep(t *testing.T) {
	store := newSweepStore(t)
	ctx := context.Background()

	// Two old rows past the cutoff, one fresh row that must survive.
	old := time.Now().UTC().AddDate(0, 0, -40)
	for _, row := range []*eventstore.LogRow{
		{Timestamp: old, Level: "info", Component: "agent", Message: "stale one"},
		{Timestamp: old.Add(time.Hour), Level: "warn", Component: "agent", Message: "stale two"},
		{Timestamp: time.Now().UTC(), Level: "info", Component: "agent", Message: "fresh"},
	} {
		if err := store.AppendLog(ctx, row); err != nil {
			t.Fatalf("AppendLog() error = %v", err)
		}
	}

	// One unreferenced blob that GC must remove, one referenced that stays.
	loose, _, err := store.BlobStore().Store(ctx, []byte("loose payload"), "text/plain")
	if err != nil {
		t.Fatalf("Store(loose) error = %v", err)
	}
	if err := store.BlobStore().DecrementRefCount(ctx, loose.ID); err != nil {
		t.Fatalf("DecrementRefCount() error = %v", err)
	}
	kept, _, err := store.BlobStore().Store(ctx, []byte("kept payload"), "text/plain")
	if err != nil {
		t.Fatalf("Store(kept) error = %v", err)
	}

	svc := NewService(store, Config{LogDays: 30}, nil, nil)
	if err := svc.RunRetentionSweep(ctx); err != nil {
		t.Fatalf("RunRetentionSweep() error = %v", err)
	}

	rows, err := store.QueryLogs(ctx, eventstore.LogQuery{})
	if err != nil {
		t.Fatalf("QueryLogs() error = %v", err)
	}
	if len(rows) != 1 || rows[0].Message != "fresh" {
		t.Fatalf("surviving rows = %+v, want only the fresh one", rows)
	}

	if _, err := store.BlobStore().GetByID(ctx, loose.ID); err == nil {
		t.Fatalf("unreferenced blob survived the sweep")
	}
	if _, err := store.BlobStore().GetByID(ctx, kept.ID); err != nil {
		t.Fatalf("referenced blob was collected: %v", err)
	}
}

func TestStartAndClose(t *testing.T) {
	store := newSweepStore(t)

	svc := NewService(store, Config{}, nil, nil)
	if err := svc.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	store := newSweepStore(t)
	svc := NewService(store, Config{SweepSchedule: "not a schedule"}, nil, nil)
	if err := svc.Start(); err == nil {
		t.Fatalf("expected error for invalid cron expression")
	}
}
