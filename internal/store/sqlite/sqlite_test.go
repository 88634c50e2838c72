package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/store"
)

func TestSQLiteSidecar(t *testing.T) {
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	if err := db.SavePID(ctx, "alpha", 1111, 8888); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := db.Get(ctx, "alpha")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PID != 1111 || got.Port != 8888 {
		t.Fatalf("unexpected record: %+v", got)
	}
	if time.Since(got.StartedAt) > time.Minute {
		t.Fatalf("started_at not recent: %v", got.StartedAt)
	}

	// Upsert replaces pid and port.
	if err := db.SavePID(ctx, "alpha", 2222, 8889); err != nil {
		t.Fatalf("save again: %v", err)
	}
	list, err := db.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].PID != 2222 || list[0].Port != 8889 {
		t.Fatalf("unexpected list: %+v", list)
	}

	if err := db.RemovePID(ctx, "alpha"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := db.RemovePID(ctx, "alpha"); err != nil {
		t.Fatalf("remove missing: %v", err)
	}
	if _, err := db.Get(ctx, "alpha"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
}

func TestSQLiteSidecar_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sidecar.db")
	ctx := context.Background()

	db, err := New(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	if err := db.SavePID(ctx, "beta", 3333, 8890); err != nil {
		t.Fatalf("save: %v", err)
	}
	_ = db.Close()

	db2, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = db2.Close() })
	if err := db2.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema again: %v", err)
	}
	got, err := db2.Get(ctx, "beta")
	if err != nil || got.PID != 3333 {
		t.Fatalf("record lost across reopen: %+v %v", got, err)
	}
}
