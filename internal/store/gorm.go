package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/vyrodovalexey/todo-api/internal/model"
)

// slowQueryThreshold is the duration above which GORM logs a query as slow.
const slowQueryThreshold = 200 * time.Millisecond

// advanceSequenceSQL moves the postgres id sequence past an explicitly
// inserted id, never backwards.
const advanceSequenceSQL = `SELECT setval(pg_get_serial_sequence('todo_items', 'id'),
	GREATEST(nextval(pg_get_serial_sequence('todo_items', 'id')) - 1, ?))`

// GormStore implements Store on top of a GORM-managed relational database.
// Every call runs on its own session bound to the caller's context, so no
// tracked state is shared between requests.
type GormStore struct {
	db *gorm.DB
	// syncSequence is set for databases whose id sequence ignores
	// explicitly inserted keys.
	syncSequence bool
}

// NewGormStore opens a GORM connection with the given dialector and makes
// sure the todo_items table exists.
func NewGormStore(ctx context.Context, dialector gorm.Dialector, logger *zap.Logger) (*GormStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         newGormLogger(logger),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &GormStore{
		db:           db,
		syncSequence: dialector.Name() == DriverPostgres,
	}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// newGormLogger routes GORM's warnings and slow query reports into zap.
func newGormLogger(logger *zap.Logger) gormlogger.Interface {
	return gormlogger.New(
		zap.NewStdLog(logger.Named("gorm")),
		gormlogger.Config{
			SlowThreshold:             slowQueryThreshold,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

// EnsureSchema creates the todo_items table when it does not exist yet.
func (s *GormStore) EnsureSchema(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&model.TodoItem{}); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}
	return nil
}

// List returns all items ordered by ID.
func (s *GormStore) List(ctx context.Context) ([]model.TodoItem, error) {
	var items []model.TodoItem
	if err := s.db.WithContext(ctx).Order("id").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}

	if items == nil {
		items = []model.TodoItem{}
	}

	return items, nil
}

// Get retrieves an item by its primary key.
func (s *GormStore) Get(ctx context.Context, id int64) (*model.TodoItem, error) {
	var item model.TodoItem
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item %d: %w", id, err)
	}

	return &item, nil
}

// Create inserts a new row. A zero ID is left to the database to assign;
// an explicit ID also advances the id sequence where the database keeps one.
func (s *GormStore) Create(ctx context.Context, item *model.TodoItem) (*model.TodoItem, error) {
	if item == nil {
		return nil, fmt.Errorf("create item: %w", ErrNilItem)
	}

	if item.ID < 0 {
		return nil, ErrInvalidID
	}

	newItem := *item
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&newItem).Error; err != nil {
			return err
		}
		if item.ID == 0 || !s.syncSequence {
			return nil
		}
		return tx.Exec(advanceSequenceSQL, newItem.ID).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, ErrAlreadyExists
	}
	if err != nil {
		return nil, fmt.Errorf("create item: %w", err)
	}

	return &newItem, nil
}

// Replace overwrites title and description of the row with the given ID.
// A write that touches no row is reported as ErrConcurrencyConflict: the
// row vanished or changed between the caller's read and this write.
func (s *GormStore) Replace(ctx context.Context, id int64, item *model.TodoItem) error {
	if item == nil {
		return fmt.Errorf("replace item: %w", ErrNilItem)
	}

	result := s.db.WithContext(ctx).
		Model(&model.TodoItem{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"title":       item.Title,
			"description": item.Description,
		})
	if result.Error != nil {
		return fmt.Errorf("replace item %d: %w", id, result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("replace item %d: %w", id, ErrConcurrencyConflict)
	}

	return nil
}

// Delete removes the row with the given ID.
func (s *GormStore) Delete(ctx context.Context, id int64) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&model.TodoItem{})
	if result.Error != nil {
		return fmt.Errorf("delete item %d: %w", id, result.Error)
	}

	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// Exists counts rows with the given ID without loading them.
func (s *GormStore) Exists(ctx context.Context, id int64) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&model.TodoItem{}).
		Where("id = ?", id).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check item %d: %w", id, err)
	}

	return count > 0, nil
}

// Ping verifies the database connection.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	return nil
}

// Close closes the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return sqlDB.Close()
}
