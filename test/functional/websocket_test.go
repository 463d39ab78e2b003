//go:build functional

package functional

import (
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vyrodovalexey/todo-api/internal/model"
)

// WebSocketClient wraps an event feed connection for testing.
type WebSocketClient struct {
	conn *websocket.Conn
}

// NewWebSocketClient connects to the event feed of the test server.
func NewWebSocketClient(t *testing.T, ts *TestServer) *WebSocketClient {
	t.Helper()

	dialer := websocket.Dialer{HandshakeTimeout: DefaultWebSocketTimeout}
	conn, resp, err := dialer.Dial(ts.WSURL+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect to event feed: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("Expected 101, got %d", resp.StatusCode)
	}

	c := &WebSocketClient{conn: conn}
	t.Cleanup(func() { _ = c.conn.Close() })
	return c
}

// ReadEvent reads a single item event.
func (c *WebSocketClient) ReadEvent(timeout time.Duration) (model.ItemEvent, error) {
	var event model.ItemEvent
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	err := c.conn.ReadJSON(&event)
	return event, err
}

// CloseGracefully sends a close frame and closes the connection.
func (c *WebSocketClient) CloseGracefully() error {
	err := c.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	if err != nil {
		return err
	}
	return c.conn.Close()
}

// FT-WS-001: Write operations are pushed to feed clients in order
func TestFunctional_WS_001_ItemLifecycleEvents(t *testing.T) {
	LogTestStart(t, "FT-WS-001", "Item lifecycle events")
	defer LogTestEnd(t, "FT-WS-001")

	ts, client := startServer(t)
	feed := NewWebSocketClient(t, ts)

	// Act
	AssertStatusCode(t, client.MustDo(t, http.MethodPost, "/items", model.TodoItem{ID: 3, Title: "Watched"}), http.StatusCreated)
	AssertStatusCode(t, client.MustDo(t, http.MethodPut, "/items/3", model.TodoItem{ID: 3, Title: "Renamed"}), http.StatusNoContent)
	AssertStatusCode(t, client.MustDo(t, http.MethodDelete, "/items/3", nil), http.StatusNoContent)

	// Assert
	want := []struct {
		eventType model.EventType
		title     string
	}{
		{model.EventItemCreated, "Watched"},
		{model.EventItemUpdated, "Renamed"},
		{model.EventItemDeleted, ""},
	}
	for i, w := range want {
		event, err := feed.ReadEvent(DefaultWebSocketTimeout)
		if err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		if event.Type != w.eventType || event.Item.ID != 3 || event.Item.Title != w.title {
			t.Errorf("event %d = %+v, want %s for item 3 titled %q", i, event, w.eventType, w.title)
		}
		if event.Timestamp.IsZero() {
			t.Errorf("event %d has no timestamp", i)
		}
	}
}

// FT-WS-002: Rejected writes publish nothing
func TestFunctional_WS_002_NoEventsForRejectedWrites(t *testing.T) {
	LogTestStart(t, "FT-WS-002", "No events for rejected writes")
	defer LogTestEnd(t, "FT-WS-002")

	ts, client := startServer(t)
	feed := NewWebSocketClient(t, ts)

	// Act
	AssertStatusCode(t, client.MustDo(t, http.MethodPut, "/items/999", model.TodoItem{ID: 1}), http.StatusBadRequest)
	AssertStatusCode(t, client.MustDo(t, http.MethodDelete, "/items/7", nil), http.StatusNotFound)
	AssertStatusCode(t, client.MustDo(t, http.MethodPost, "/items", model.TodoItem{ID: 8, Title: "Marker"}), http.StatusCreated)

	// Assert
	event, err := feed.ReadEvent(DefaultWebSocketTimeout)
	if err != nil {
		t.Fatalf("ReadEvent() error = %v", err)
	}
	if event.Type != model.EventItemCreated || event.Item.ID != 8 {
		t.Errorf("First event = %+v, want the marker create", event)
	}
}

// FT-WS-003: Every connected client receives each event
func TestFunctional_WS_003_MultipleClients(t *testing.T) {
	LogTestStart(t, "FT-WS-003", "Multiple clients")
	defer LogTestEnd(t, "FT-WS-003")

	ts, client := startServer(t)
	feeds := []*WebSocketClient{
		NewWebSocketClient(t, ts),
		NewWebSocketClient(t, ts),
		NewWebSocketClient(t, ts),
	}

	// Act
	AssertStatusCode(t, client.MustDo(t, http.MethodPost, "/items", model.TodoItem{ID: 1, Title: "Broadcast"}), http.StatusCreated)

	// Assert
	for i, feed := range feeds {
		event, err := feed.ReadEvent(DefaultWebSocketTimeout)
		if err != nil {
			t.Fatalf("client %d: %v", i, err)
		}
		if event.Item.Title != "Broadcast" {
			t.Errorf("client %d event = %+v", i, event)
		}
	}
}

// FT-WS-004: A client that disconnects does not affect the others
func TestFunctional_WS_004_ClientDisconnect(t *testing.T) {
	LogTestStart(t, "FT-WS-004", "Client disconnect")
	defer LogTestEnd(t, "FT-WS-004")

	ts, client := startServer(t)
	leaving := NewWebSocketClient(t, ts)
	staying := NewWebSocketClient(t, ts)

	// Act
	if err := leaving.CloseGracefully(); err != nil {
		t.Fatalf("CloseGracefully() error = %v", err)
	}
	AssertStatusCode(t, client.MustDo(t, http.MethodPost, "/items", model.TodoItem{ID: 2, Title: "After"}), http.StatusCreated)

	// Assert
	event, err := staying.ReadEvent(DefaultWebSocketTimeout)
	if err != nil {
		t.Fatalf("ReadEvent() error = %v", err)
	}
	if event.Item.ID != 2 {
		t.Errorf("event = %+v, want item 2", event)
	}
}

// FT-WS-005: Shutdown closes feed connections
func TestFunctional_WS_005_ShutdownClosesFeed(t *testing.T) {
	LogTestStart(t, "FT-WS-005", "Shutdown closes feed")
	defer LogTestEnd(t, "FT-WS-005")

	ts, _ := startServer(t)
	feed := NewWebSocketClient(t, ts)

	// Act
	ts.Stop()

	// Assert
	if _, err := feed.ReadEvent(DefaultWebSocketTimeout); err == nil {
		t.Error("Expected the feed to be closed after shutdown")
	}
}
