package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/vyrodovalexey/todo-api/internal/model"
)

// MemoryStore implements Store interface with in-memory storage.
type MemoryStore struct {
	mu     sync.RWMutex
	items  map[int64]model.TodoItem
	lastID int64
}

// NewMemoryStore creates a new MemoryStore instance.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[int64]model.TodoItem),
	}
}

// List returns all items from the store ordered by ID.
func (s *MemoryStore) List(ctx context.Context) ([]model.TodoItem, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("list items: %w", ctx.Err())
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]model.TodoItem, 0, len(s.items))
	for _, item := range s.items {
		items = append(items, item)
	}
	slices.SortFunc(items, func(a, b model.TodoItem) int {
		return cmp.Compare(a.ID, b.ID)
	})

	return items, nil
}

// Get retrieves an item by its ID.
func (s *MemoryStore) Get(ctx context.Context, id int64) (*model.TodoItem, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("get item: %w", ctx.Err())
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	item, exists := s.items[id]
	if !exists {
		return nil, ErrNotFound
	}

	return &item, nil
}

// Create adds a new item to the store. A zero ID is replaced with the next free one.
func (s *MemoryStore) Create(ctx context.Context, item *model.TodoItem) (*model.TodoItem, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("create item: %w", ctx.Err())
	default:
	}

	if item == nil {
		return nil, fmt.Errorf("create item: %w", ErrNilItem)
	}

	if item.ID < 0 {
		return nil, ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	newItem := *item
	if newItem.ID == 0 {
		newItem.ID = s.nextID()
	}

	if _, exists := s.items[newItem.ID]; exists {
		return nil, ErrAlreadyExists
	}

	s.items[newItem.ID] = newItem
	if newItem.ID > s.lastID {
		s.lastID = newItem.ID
	}

	return &newItem, nil
}

// nextID returns the ID following the highest one handed out so far.
// Callers must hold the write lock.
func (s *MemoryStore) nextID() int64 {
	for {
		s.lastID++
		if _, taken := s.items[s.lastID]; !taken {
			return s.lastID
		}
	}
}

// Replace overwrites an existing item in the store.
func (s *MemoryStore) Replace(ctx context.Context, id int64, item *model.TodoItem) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("replace item: %w", ctx.Err())
	default:
	}

	if item == nil {
		return fmt.Errorf("replace item: %w", ErrNilItem)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[id]; !exists {
		return ErrNotFound
	}

	s.items[id] = model.TodoItem{
		ID:          id,
		Title:       item.Title,
		Description: item.Description,
	}

	return nil
}

// Delete removes an item from the store by its ID.
func (s *MemoryStore) Delete(ctx context.Context, id int64) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("delete item: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[id]; !exists {
		return ErrNotFound
	}

	delete(s.items, id)

	return nil
}

// Exists reports whether an item with the given ID is stored.
func (s *MemoryStore) Exists(ctx context.Context, id int64) (bool, error) {
	select {
	case <-ctx.Done():
		return false, fmt.Errorf("check item: %w", ctx.Err())
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.items[id]
	return exists, nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
