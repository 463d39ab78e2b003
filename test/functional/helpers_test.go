//go:build functional

// Package functional provides functional tests for the todo API and its event feed.
package functional

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vyrodovalexey/todo-api/internal/config"
	"github.com/vyrodovalexey/todo-api/internal/model"
	"github.com/vyrodovalexey/todo-api/internal/server"
	"github.com/vyrodovalexey/todo-api/internal/store"
)

// Environment variable names for test configuration.
const (
	EnvTestServerHost  = "TEST_SERVER_HOST"
	EnvTestStoreDriver = "TEST_STORE_DRIVER"
	EnvTestDatabaseDSN = "TEST_DATABASE_DSN"
)

// Default test configuration values.
const (
	DefaultTestHost         = "localhost"
	DefaultTestTimeout      = 30 * time.Second
	DefaultRequestTimeout   = 5 * time.Second
	DefaultWebSocketTimeout = 10 * time.Second
	DefaultShutdownTimeout  = 5 * time.Second
)

// TestServer runs the full server on a free local port.
type TestServer struct {
	Server  *server.Server
	Store   store.Store
	BaseURL string
	WSURL   string
	Port    int
	t       *testing.T
	mu      sync.Mutex
	started bool
}

// NewTestServer creates a server backed by the store selected through
// TEST_STORE_DRIVER (sqlite in a temp dir by default).
func NewTestServer(t *testing.T) *TestServer {
	t.Helper()

	host := DefaultTestHost
	if v := os.Getenv(EnvTestServerHost); v != "" {
		host = v
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		t.Fatalf("Failed to find available port: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	_ = listener.Close()

	cfg := config.Default()
	cfg.ServerPort = port
	cfg.ProbePort = 0
	cfg.MetricsEnabled = false
	cfg.ShutdownTimeout = DefaultShutdownTimeout
	cfg.StoreDriver = store.DriverSQLite
	cfg.DatabaseDSN = filepath.Join(t.TempDir(), "todo.db")
	if v := os.Getenv(EnvTestStoreDriver); v != "" {
		cfg.StoreDriver = v
		cfg.DatabaseDSN = os.Getenv(EnvTestDatabaseDSN)
	}

	logger := zap.NewNop()

	itemStore, err := store.Open(context.Background(), cfg.StoreDriver, cfg.DatabaseDSN, logger)
	if err != nil {
		t.Fatalf("Failed to open %s store: %v", cfg.StoreDriver, err)
	}
	t.Cleanup(func() { _ = itemStore.Close() })

	return &TestServer{
		Server:  server.New(cfg, logger, itemStore, nil),
		Store:   itemStore,
		BaseURL: "http://" + net.JoinHostPort(host, strconv.Itoa(port)),
		WSURL:   "ws://" + net.JoinHostPort(host, strconv.Itoa(port)),
		Port:    port,
		t:       t,
	}
}

// Start starts the test server and waits until it answers /health.
func (ts *TestServer) Start() {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.started {
		return
	}

	go func() {
		if err := ts.Server.Start(); err != nil {
			ts.t.Logf("Server error: %v", err)
		}
	}()

	ts.waitForReady()
	ts.started = true
}

func (ts *TestServer) waitForReady() {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTestTimeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ts.t.Fatalf("Server did not become ready within timeout")
		case <-ticker.C:
			resp, err := http.Get(ts.BaseURL + "/health")
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return
				}
			}
		}
	}
}

// Stop stops the test server.
func (ts *TestServer) Stop() {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if !ts.started {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()

	if err := ts.Server.Shutdown(ctx); err != nil {
		ts.t.Logf("Server shutdown error: %v", err)
	}

	ts.started = false
}

// Seed inserts items directly through the store.
func (ts *TestServer) Seed(items ...model.TodoItem) {
	ts.t.Helper()
	for i := range items {
		if _, err := ts.Store.Create(context.Background(), &items[i]); err != nil {
			ts.t.Fatalf("Failed to seed item %d: %v", items[i].ID, err)
		}
	}
}

// HTTPClient provides a configured HTTP client for tests.
type HTTPClient struct {
	client  *http.Client
	baseURL string
}

// NewHTTPClient creates a new HTTP client for testing.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		client:  &http.Client{Timeout: DefaultRequestTimeout},
		baseURL: baseURL,
	}
}

// Response represents an HTTP response.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Do executes an HTTP request. A string body is sent as is; anything else
// is JSON encoded.
func (c *HTTPClient) Do(ctx context.Context, method, path string, body any, headers map[string]string) (*Response, error) {
	var bodyReader io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		bodyReader = bytes.NewBufferString(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{StatusCode: resp.StatusCode, Headers: resp.Header, Body: data}, nil
}

// MustDo executes a request and fails the test on transport errors.
func (c *HTTPClient) MustDo(t *testing.T, method, path string, body any) *Response {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultRequestTimeout)
	defer cancel()

	resp, err := c.Do(ctx, method, path, body, nil)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseItem decodes a single item body.
func ParseItem(t *testing.T, resp *Response) model.TodoItem {
	t.Helper()
	var item model.TodoItem
	if err := json.Unmarshal(resp.Body, &item); err != nil {
		t.Fatalf("failed to parse item %q: %v", resp.Body, err)
	}
	return item
}

// ParseItems decodes a list body.
func ParseItems(t *testing.T, resp *Response) []model.TodoItem {
	t.Helper()
	var items []model.TodoItem
	if err := json.Unmarshal(resp.Body, &items); err != nil {
		t.Fatalf("failed to parse items %q: %v", resp.Body, err)
	}
	return items
}

// ParseErrorResponse decodes an error body.
func ParseErrorResponse(t *testing.T, resp *Response) model.ErrorResponse {
	t.Helper()
	var body model.ErrorResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		t.Fatalf("failed to parse error response %q: %v", resp.Body, err)
	}
	return body
}

// AssertStatusCode asserts that the response has the expected status code.
func AssertStatusCode(t *testing.T, resp *Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d. Body: %s", expected, resp.StatusCode, string(resp.Body))
	}
}

// AssertHeader asserts that the response has the expected header value.
func AssertHeader(t *testing.T, resp *Response, key, expected string) {
	t.Helper()
	if actual := resp.Headers.Get(key); actual != expected {
		t.Errorf("Expected header %s to be %q, got %q", key, expected, actual)
	}
}

// LogTestStart logs the start of a test.
func LogTestStart(t *testing.T, testID, testName string) {
	t.Helper()
	t.Logf("Starting test %s: %s", testID, testName)
}

// LogTestEnd logs the end of a test.
func LogTestEnd(t *testing.T, testID string) {
	t.Helper()
	t.Logf("Completed test %s", testID)
}
