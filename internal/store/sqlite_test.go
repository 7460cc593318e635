package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stafflink/rosterhub/internal/database"
	"github.com/stafflink/rosterhub/internal/entity"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "store.db")
	db, err := database.OpenSQLite(databasePath, nil)
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqliteStore, err := NewSQLiteStore(db, nil)
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return sqliteStore
}

func testRecord(key string, version int64) entity.Entity {
	return entity.Entity{
		Key:              key,
		Topic:            "roster",
		Version:          version,
		PayloadJSON:      `{"name":"Alice"}`,
		Lifecycle:        entity.LifecycleActive,
		LastWriter:       "client-a",
		UpdatedAtSeconds: 1700000000,
		CreatedAtSeconds: 1700000000,
	}
}

func TestPutCreatesAndGets(t *testing.T) {
	sqliteStore := newTestStore(t)
	ctx := context.Background()

	if err := sqliteStore.Put(ctx, testRecord("shift-1", 1), 0); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	stored, err := sqliteStore.Get(ctx, "shift-1")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if stored.Version != 1 || stored.Topic != "roster" {
		t.Fatalf("unexpected record %+v", stored)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	sqliteStore := newTestStore(t)
	if _, err := sqliteStore.Get(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPutEnforcesExpectedVersion(t *testing.T) {
	sqliteStore := newTestStore(t)
	ctx := context.Background()

	if err := sqliteStore.Put(ctx, testRecord("shift-1", 1), 0); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	update := testRecord("shift-1", 2)
	update.PayloadJSON = `{"name":"Bob"}`
	if err := sqliteStore.Put(ctx, update, 1); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}

	stale := testRecord("shift-1", 2)
	if err := sqliteStore.Put(ctx, stale, 1); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}

	stored, err := sqliteStore.Get(ctx, "shift-1")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if stored.Version != 2 || stored.PayloadJSON != `{"name":"Bob"}` {
		t.Fatalf("stale write must not alter the record, got %+v", stored)
	}
}

func TestPutRejectsCreateOfExistingKey(t *testing.T) {
	sqliteStore := newTestStore(t)
	ctx := context.Background()

	if err := sqliteStore.Put(ctx, testRecord("shift-1", 1), 0); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if err := sqliteStore.Put(ctx, testRecord("shift-1", 1), 0); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch for duplicate create, got %v", err)
	}
}

func TestSoftDeleteBumpsVersionAndHidesFromList(t *testing.T) {
	sqliteStore := newTestStore(t)
	ctx := context.Background()

	if err := sqliteStore.Put(ctx, testRecord("shift-1", 1), 0); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if err := sqliteStore.Delete(ctx, "shift-1", false, 1); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	stored, err := sqliteStore.Get(ctx, "shift-1")
	if err != nil {
		t.Fatalf("soft-deleted records must remain readable: %v", err)
	}
	if stored.Lifecycle != entity.LifecycleSoftDeleted {
		t.Fatalf("expected soft_deleted lifecycle, got %s", stored.Lifecycle)
	}
	if stored.Version != 2 {
		t.Fatalf("expected deletion to bump the version, got %d", stored.Version)
	}

	visible, err := sqliteStore.List(ctx, Filter{Topic: "roster"})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(visible) != 0 {
		t.Fatalf("expected soft-deleted record to be hidden, got %d", len(visible))
	}

	all, err := sqliteStore.List(ctx, Filter{Topic: "roster", IncludeDeleted: true})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected deleted record with IncludeDeleted, got %d", len(all))
	}
}

func TestHardDeleteRequiresSoftDeletedState(t *testing.T) {
	sqliteStore := newTestStore(t)
	ctx := context.Background()

	if err := sqliteStore.Put(ctx, testRecord("shift-1", 1), 0); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if err := sqliteStore.Delete(ctx, "shift-1", true, 1); !errors.Is(err, ErrIllegalDelete) {
		t.Fatalf("expected illegal delete from active, got %v", err)
	}

	if err := sqliteStore.Delete(ctx, "shift-1", false, 1); err != nil {
		t.Fatalf("unexpected soft delete error: %v", err)
	}
	if err := sqliteStore.Delete(ctx, "shift-1", true, 2); err != nil {
		t.Fatalf("unexpected hard delete error: %v", err)
	}
	if _, err := sqliteStore.Get(ctx, "shift-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected hard-deleted record to be gone, got %v", err)
	}
}

func TestDeleteEnforcesExpectedVersion(t *testing.T) {
	sqliteStore := newTestStore(t)
	ctx := context.Background()

	if err := sqliteStore.Put(ctx, testRecord("shift-1", 1), 0); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if err := sqliteStore.Delete(ctx, "shift-1", false, 7); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
	if err := sqliteStore.Delete(ctx, "ghost", false, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListFiltersByTopicAndVersion(t *testing.T) {
	sqliteStore := newTestStore(t)
	ctx := context.Background()

	first := testRecord("shift-1", 1)
	second := testRecord("shift-2", 2)
	second.Topic = "swaps"
	if err := sqliteStore.Put(ctx, first, 0); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if err := sqliteStore.Put(ctx, second, 0); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	roster, err := sqliteStore.List(ctx, Filter{Topic: "roster"})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(roster) != 1 || roster[0].Key != "shift-1" {
		t.Fatalf("unexpected roster listing %+v", roster)
	}

	everything, err := sqliteStore.List(ctx, Filter{Topic: entity.TopicAll.String()})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(everything) != 2 {
		t.Fatalf("expected wildcard listing of 2, got %d", len(everything))
	}

	recent, err := sqliteStore.List(ctx, Filter{MinVersion: 2})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(recent) != 1 || recent[0].Key != "shift-2" {
		t.Fatalf("unexpected delta listing %+v", recent)
	}
}

func TestMaxVersionSurveysCommittedState(t *testing.T) {
	sqliteStore := newTestStore(t)
	ctx := context.Background()

	max, err := sqliteStore.MaxVersion(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if max != 0 {
		t.Fatalf("expected 0 for an empty store, got %d", max)
	}

	if err := sqliteStore.Put(ctx, testRecord("shift-1", 3), 0); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if err := sqliteStore.Put(ctx, testRecord("shift-2", 7), 0); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	max, err = sqliteStore.MaxVersion(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if max != 7 {
		t.Fatalf("expected max version 7, got %d", max)
	}
}

func TestAppendAuditPersistsRecord(t *testing.T) {
	sqliteStore := newTestStore(t)
	ctx := context.Background()

	newVersion := int64(1)
	record := entity.AuditRecord{
		RecordID:         "audit-1",
		EntityKey:        "shift-1",
		AppliedAtSeconds: 1700000000,
		ClientID:         "client-a",
		Operation:        entity.OperationCreate,
		NewVersion:       &newVersion,
		Strategy:         "last_writer_wins",
		Confidence:       1,
		PayloadJSON:      `{"name":"Alice"}`,
	}
	if err := sqliteStore.AppendAudit(ctx, record); err != nil {
		t.Fatalf("unexpected audit error: %v", err)
	}

	var stored entity.AuditRecord
	if err := sqliteStore.db.Where("record_id = ?", "audit-1").Take(&stored).Error; err != nil {
		t.Fatalf("failed to read audit row: %v", err)
	}
	if stored.EntityKey != "shift-1" || stored.Strategy != "last_writer_wins" {
		t.Fatalf("unexpected audit row %+v", stored)
	}
}
