// Package store defines the durable-store contract the synchronization core
// depends on. The core only ever needs four operations: fetch by key, fetch a
// filtered collection, conditional update by key, and soft/hard delete.
package store

import (
	"context"
	"errors"

	"github.com/stafflink/rosterhub/internal/entity"
)

var (
	// ErrNotFound indicates the key has no entity.
	ErrNotFound = errors.New("store: entity not found")
	// ErrVersionMismatch indicates the conditional update lost to a
	// concurrent writer.
	ErrVersionMismatch = errors.New("store: version mismatch")
	// ErrUnavailable indicates a transient store failure; callers may retry.
	ErrUnavailable = errors.New("store: unavailable")
	// ErrIllegalDelete indicates a hard delete against an entity that is not
	// soft-deleted.
	ErrIllegalDelete = errors.New("store: hard delete requires soft-deleted entity")
)

// Filter narrows a collection fetch.
type Filter struct {
	Topic          string
	IncludeDeleted bool
	// MinVersion returns only entities at or above this version; zero means
	// no bound.
	MinVersion int64
}

// EntityStore is the durable-store contract.
type EntityStore interface {
	// Get fetches one entity by key, ErrNotFound when absent.
	Get(ctx context.Context, key string) (*entity.Entity, error)
	// List fetches a filtered collection ordered by version.
	List(ctx context.Context, filter Filter) ([]entity.Entity, error)
	// Put writes the record conditionally: it succeeds only when the stored
	// version still equals expectedVersion (zero for a create).
	Put(ctx context.Context, record entity.Entity, expectedVersion int64) error
	// Delete soft-deletes by default; hard removal is only legal against an
	// already soft-deleted entity.
	Delete(ctx context.Context, key string, hard bool, expectedVersion int64) error
	// AppendAudit records one accepted change in the audit trail.
	AppendAudit(ctx context.Context, record entity.AuditRecord) error
	// MaxVersion reports the highest committed version, zero when empty.
	// Used to seed the version controller at startup.
	MaxVersion(ctx context.Context) (int64, error)
}
