// Package model defines data structures used throughout the application.
package model

import "time"

// TodoItem is the only resource managed by the service.
// The ID is the sole identity and lookup key.
type TodoItem struct {
	ID          int64  `json:"id" gorm:"primaryKey"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// ErrorResponse represents an error response structure.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// EventType names the kind of change an ItemEvent describes.
type EventType string

// Item event types.
const (
	EventItemCreated EventType = "item.created"
	EventItemUpdated EventType = "item.updated"
	EventItemDeleted EventType = "item.deleted"
)

// ItemEvent is pushed to event feed subscribers after a successful write.
type ItemEvent struct {
	Type      EventType `json:"type"`
	Item      TodoItem  `json:"item"`
	Timestamp time.Time `json:"timestamp"`
}

// NewItemEvent creates an event for the given item stamped with the current time.
func NewItemEvent(eventType EventType, item TodoItem) ItemEvent {
	return ItemEvent{
		Type:      eventType,
		Item:      item,
		Timestamp: time.Now().UTC(),
	}
}
