// Package store provides data storage interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/vyrodovalexey/todo-api/internal/model"
)

// Store errors.
var (
	ErrNotFound            = errors.New("item not found")
	ErrAlreadyExists       = errors.New("item already exists")
	ErrInvalidID           = errors.New("invalid item ID")
	ErrNilItem             = errors.New("item cannot be nil")
	ErrConcurrencyConflict = errors.New("item was modified or deleted concurrently")
)

// Store defines the interface for todo item storage operations.
type Store interface {
	// List returns all items ordered by ID.
	List(ctx context.Context) ([]model.TodoItem, error)

	// Get retrieves an item by its ID. Returns ErrNotFound when absent.
	Get(ctx context.Context, id int64) (*model.TodoItem, error)

	// Create persists a new item. A zero ID lets the store assign one;
	// a colliding ID returns ErrAlreadyExists.
	Create(ctx context.Context, item *model.TodoItem) (*model.TodoItem, error)

	// Replace overwrites every field of the item stored under id.
	// Returns ErrNotFound or ErrConcurrencyConflict when no row was written.
	Replace(ctx context.Context, id int64, item *model.TodoItem) error

	// Delete removes an item by its ID. Returns ErrNotFound when absent.
	Delete(ctx context.Context, id int64) error

	// Exists reports whether an item with the given ID is stored.
	Exists(ctx context.Context, id int64) (bool, error)

	// Ping checks that the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying storage resources.
	Close() error
}
