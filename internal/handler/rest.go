package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/todo-api/internal/events"
	"github.com/vyrodovalexey/todo-api/internal/middleware"
	"github.com/vyrodovalexey/todo-api/internal/model"
	"github.com/vyrodovalexey/todo-api/internal/store"
)

// ItemsPath is the collection path of the todo item resource.
const ItemsPath = "/items"

// maxBodyBytes bounds the size of an item payload.
const maxBodyBytes = 1 << 20

var (
	// errIDMismatch is reported when the route id and the payload id differ.
	errIDMismatch = errors.New("route id does not match item id")
	// errTrailingData is reported when a body holds more than one JSON value.
	errTrailingData = errors.New("unexpected data after item")
)

// RESTHandler handles REST API requests for todo items.
type RESTHandler struct {
	store     store.Store
	publisher events.Publisher
	logger    *zap.Logger
}

// NewRESTHandler creates a new RESTHandler instance. A nil publisher
// disables item events.
func NewRESTHandler(s store.Store, publisher events.Publisher, logger *zap.Logger) *RESTHandler {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}

	return &RESTHandler{
		store:     s,
		publisher: publisher,
		logger:    logger,
	}
}

// RegisterRoutes registers the item routes with the router.
func (h *RESTHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc(ItemsPath, h.ListItems).Methods(http.MethodGet)
	router.HandleFunc(ItemsPath, h.CreateItem).Methods(http.MethodPost)
	router.HandleFunc(ItemsPath+"/{id}", h.GetItem).Methods(http.MethodGet)
	router.HandleFunc(ItemsPath+"/{id}", h.UpdateItem).Methods(http.MethodPut)
	router.HandleFunc(ItemsPath+"/{id}", h.DeleteItem).Methods(http.MethodDelete)
}

// ListItems handles GET /items requests.
func (h *RESTHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.store.List(r.Context())
	if err != nil {
		h.handleStoreError(w, r, err, "list items")
		return
	}

	if items == nil {
		items = []model.TodoItem{}
	}

	h.writeJSON(w, http.StatusOK, items)
}

// GetItem handles GET /items/{id} requests.
func (h *RESTHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid item ID")
		return
	}

	item, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.handleStoreError(w, r, err, "get item")
		return
	}

	h.writeJSON(w, http.StatusOK, item)
}

// CreateItem handles POST /items requests. A non-zero id in the payload is
// kept; otherwise the store assigns one.
func (h *RESTHandler) CreateItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	input, err := h.decodeItem(w, r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	item, err := h.store.Create(ctx, input)
	if err != nil {
		h.handleStoreError(w, r, err, "create item")
		return
	}

	h.publish(ctx, model.EventItemCreated, *item)

	w.Header().Set("Location", itemLocation(item.ID))
	h.writeJSON(w, http.StatusCreated, item)
}

// UpdateItem handles PUT /items/{id} requests with full-record replace semantics.
func (h *RESTHandler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := parseID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid item ID")
		return
	}

	input, err := h.decodeItem(w, r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if input.ID != id {
		h.logger.Debug("rejecting update", zap.Error(errIDMismatch),
			zap.Int64("route_id", id),
			zap.Int64("item_id", input.ID),
		)
		h.writeError(w, http.StatusBadRequest, errIDMismatch.Error())
		return
	}

	err = h.store.Replace(ctx, id, input)
	if errors.Is(err, store.ErrConcurrencyConflict) {
		h.resolveConflict(w, r, id, err)
		return
	}
	if err != nil {
		h.handleStoreError(w, r, err, "update item")
		return
	}

	h.publish(ctx, model.EventItemUpdated, *input)

	w.WriteHeader(http.StatusNoContent)
}

// resolveConflict decides the outcome of a concurrency conflict on update.
// A record that no longer exists is a benign race and answers 404; a
// conflict on a record that still exists is unexplained and fatal.
func (h *RESTHandler) resolveConflict(w http.ResponseWriter, r *http.Request, id int64, conflict error) {
	exists, err := h.store.Exists(r.Context(), id)
	if err != nil {
		h.handleStoreError(w, r, err, "update item")
		return
	}

	if !exists {
		h.writeError(w, http.StatusNotFound, "item not found")
		return
	}

	h.logger.Error("unresolved concurrency conflict",
		zap.Int64("item_id", id),
		zap.String("request_id", middleware.RequestIDFromContext(r.Context())),
		zap.Error(conflict),
	)
	h.writeError(w, http.StatusInternalServerError, "internal server error")
}

// DeleteItem handles DELETE /items/{id} requests.
func (h *RESTHandler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := parseID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid item ID")
		return
	}

	if err := h.store.Delete(ctx, id); err != nil {
		h.handleStoreError(w, r, err, "delete item")
		return
	}

	h.publish(ctx, model.EventItemDeleted, model.TodoItem{ID: id})

	w.WriteHeader(http.StatusNoContent)
}

// decodeItem decodes exactly one item from the request body. Anything but
// whitespace after the item is rejected.
func (h *RESTHandler) decodeItem(w http.ResponseWriter, r *http.Request) (*model.TodoItem, error) {
	var input model.TodoItem

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(&input); err != nil {
		h.logger.Warn("invalid request body", zap.Error(err))
		return nil, fmt.Errorf("decoding item: %w", err)
	}

	if err := decoder.Decode(&json.RawMessage{}); !errors.Is(err, io.EOF) {
		h.logger.Warn("invalid request body", zap.Error(errTrailingData))
		return nil, fmt.Errorf("decoding item: %w", errTrailingData)
	}

	return &input, nil
}

// publish emits an item event; failures are logged and never change the response.
func (h *RESTHandler) publish(ctx context.Context, eventType model.EventType, item model.TodoItem) {
	if err := h.publisher.Publish(ctx, model.NewItemEvent(eventType, item)); err != nil {
		h.logger.Warn("failed to publish item event",
			zap.String("type", string(eventType)),
			zap.Int64("item_id", item.ID),
			zap.Error(err),
		)
	}
}

// handleStoreError handles store errors and writes appropriate HTTP responses.
func (h *RESTHandler) handleStoreError(w http.ResponseWriter, r *http.Request, err error, operation string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "item not found")
	case errors.Is(err, store.ErrInvalidID):
		h.writeError(w, http.StatusBadRequest, "invalid item ID")
	case errors.Is(err, store.ErrAlreadyExists):
		h.writeError(w, http.StatusConflict, "item already exists")
	default:
		h.logger.Error("store operation failed",
			zap.String("operation", operation),
			zap.String("request_id", middleware.RequestIDFromContext(r.Context())),
			zap.Error(err),
		)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// writeJSON writes a JSON response with the given status code.
func (h *RESTHandler) writeJSON(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, data, h.logger)
}

// writeError writes an error response with the given status code and message.
func (h *RESTHandler) writeError(w http.ResponseWriter, status int, message string) {
	response := model.ErrorResponse{
		Code:    status,
		Message: message,
	}
	h.writeJSON(w, status, response)
}

// parseID reads the {id} route variable as an integer. Zero and negative
// ids are valid lookups that simply match no item.
func parseID(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["id"]

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing item id %q: %w", raw, err)
	}

	return id, nil
}

// itemLocation returns the path at which the item can be fetched.
func itemLocation(id int64) string {
	return ItemsPath + "/" + strconv.FormatInt(id, 10)
}
