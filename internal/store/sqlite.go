package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stafflink/rosterhub/internal/entity"
)

// SQLiteStore implements EntityStore on a local SQLite database through GORM.
// It backs development deployments and store-dependent tests.
type SQLiteStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewSQLiteStore wraps an opened database handle.
func NewSQLiteStore(db *gorm.DB, logger *zap.Logger) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Get fetches one entity by key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*entity.Entity, error) {
	var record entity.Entity
	err := s.db.WithContext(ctx).
		Where("entity_key = ?", key).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &record, nil
}

// List fetches a filtered collection ordered by version.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]entity.Entity, error) {
	query := s.db.WithContext(ctx).Model(&entity.Entity{})
	if filter.Topic != "" && filter.Topic != entity.TopicAll.String() {
		query = query.Where("topic = ?", filter.Topic)
	}
	if !filter.IncludeDeleted {
		query = query.Where("lifecycle = ?", entity.LifecycleActive)
	}
	if filter.MinVersion > 0 {
		query = query.Where("version >= ?", filter.MinVersion)
	}

	var records []entity.Entity
	if err := query.Order("version ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return records, nil
}

// Put performs a conditional write: it succeeds only while the stored version
// still equals expectedVersion. Zero expectedVersion creates the row.
func (s *SQLiteStore) Put(ctx context.Context, record entity.Entity, expectedVersion int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stored entity.Entity
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("entity_key = ?", record.Key).
			Take(&stored).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if expectedVersion != 0 {
				return ErrVersionMismatch
			}
			if err := tx.Create(&record).Error; err != nil {
				return fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		if stored.Version != expectedVersion {
			return ErrVersionMismatch
		}
		if err := tx.Model(&entity.Entity{}).
			Where("entity_key = ? AND version = ?", record.Key, expectedVersion).
			Updates(map[string]any{
				"topic":        record.Topic,
				"version":      record.Version,
				"payload_json": record.PayloadJSON,
				"lifecycle":    record.Lifecycle,
				"last_writer":  record.LastWriter,
				"updated_at_s": record.UpdatedAtSeconds,
			}).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil
	})
}

// Delete soft-deletes by default. Hard removal is only legal as a transition
// out of the soft-deleted state.
func (s *SQLiteStore) Delete(ctx context.Context, key string, hard bool, expectedVersion int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stored entity.Entity
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("entity_key = ?", key).
			Take(&stored).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if stored.Version != expectedVersion {
			return ErrVersionMismatch
		}

		if hard {
			if !stored.Lifecycle.CanHardDelete() {
				return ErrIllegalDelete
			}
			if err := tx.Where("entity_key = ?", key).Delete(&entity.Entity{}).Error; err != nil {
				return fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			return nil
		}

		next, err := entity.Transition(stored.Lifecycle, entity.LifecycleSoftDeleted)
		if err != nil {
			return err
		}
		// Soft deletion is an accepted write, so the version bumps with it.
		if err := tx.Model(&entity.Entity{}).
			Where("entity_key = ?", key).
			Updates(map[string]any{
				"lifecycle": next,
				"version":   stored.Version + 1,
			}).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil
	})
}

// AppendAudit records one accepted change.
func (s *SQLiteStore) AppendAudit(ctx context.Context, record entity.AuditRecord) error {
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// MaxVersion reports the highest committed version.
func (s *SQLiteStore) MaxVersion(ctx context.Context) (int64, error) {
	var max int64
	err := s.db.WithContext(ctx).Model(&entity.Entity{}).
		Select("COALESCE(MAX(version), 0)").
		Scan(&max).Error
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return max, nil
}

var _ EntityStore = (*SQLiteStore)(nil)
