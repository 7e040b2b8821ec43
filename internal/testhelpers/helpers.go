// Package testhelpers provides utilities shared by the transport tests:
// HTTP requests against test servers, websocket dialing with a token and an
// origin, and reading protocol frames with deadlines.
package testhelpers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultOrigin is the origin the transport tests configure as allowed.
const DefaultOrigin = "http://localhost:3000"

// Frame is a server frame as read off the wire.
type Frame struct {
	Event string          `json:"event"`
	AckID *int64          `json:"ackId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Ack is the data of an ack frame.
type Ack struct {
	Success    bool            `json:"success"`
	Error      string          `json:"error"`
	Code       string          `json:"code"`
	RetryAfter int             `json:"retryAfter"`
	Message    json.RawMessage `json:"message"`
}

// CreateTestServer creates a test HTTP server with the given handler.
// It returns a running httptest.Server that should be closed after use.
func CreateTestServer(handler http.Handler) *httptest.Server {
	return httptest.NewServer(handler)
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, expected) {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// MakeRequest creates and executes an HTTP request, returning the response.
// It includes a 5-second timeout and fails the test if the request cannot be
// created or executed successfully.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}

	return resp
}

// WebSocketURL converts an http test server URL into its /ws endpoint,
// carrying token in the query string when it is not empty.
func WebSocketURL(serverURL, token string) string {
	u := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}

// ConnectWebSocket dials url with the given Origin header. The handshake
// response is returned so callers can inspect refusals.
func ConnectWebSocket(url, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// MustConnect dials with DefaultOrigin and fails the test on error.
func MustConnect(t *testing.T, serverURL, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := ConnectWebSocket(WebSocketURL(serverURL, token), DefaultOrigin)
	if err != nil {
		t.Fatalf("Failed to connect websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// Emit writes a client frame. A zero ackID sends no ackId.
func Emit(conn *websocket.Conn, event string, ackID int64, data any) error {
	frame := map[string]any{"event": event}
	if ackID != 0 {
		frame["ackId"] = ackID
	}
	if data != nil {
		frame["data"] = data
	}
	return conn.WriteJSON(frame)
}

// ReadFrame reads the next frame, waiting at most timeout.
func ReadFrame(conn *websocket.Conn, timeout time.Duration) (Frame, error) {
	var f Frame
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return f, err
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return f, err
	}
	err = json.Unmarshal(raw, &f)
	return f, err
}

// WaitForEvent reads frames until one named event arrives, skipping the rest.
func WaitForEvent(t *testing.T, conn *websocket.Conn, event string, timeout time.Duration) Frame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("Timed out waiting for %s", event)
		}
		f, err := ReadFrame(conn, remaining)
		if err != nil {
			t.Fatalf("Error waiting for %s: %v", event, err)
		}
		if f.Event == event {
			return f
		}
	}
}

// WaitForAck reads frames until the ack for ackID arrives.
func WaitForAck(t *testing.T, conn *websocket.Conn, ackID int64, timeout time.Duration) Ack {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("Timed out waiting for ack %d", ackID)
		}
		f, err := ReadFrame(conn, remaining)
		if err != nil {
			t.Fatalf("Error waiting for ack %d: %v", ackID, err)
		}
		if f.Event != "ack" || f.AckID == nil || *f.AckID != ackID {
			continue
		}
		var ack Ack
		if err := json.Unmarshal(f.Data, &ack); err != nil {
			t.Fatalf("Invalid ack payload %s: %v", f.Data, err)
		}
		return ack
	}
}

// CountEvents reads frames for the whole window and counts those named event.
// The window ends on a read timeout, after which gorilla refuses further
// reads, so call it last on a connection.
func CountEvents(conn *websocket.Conn, event string, window time.Duration) int {
	deadline := time.Now().Add(window)
	n := 0
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return n
		}
		f, err := ReadFrame(conn, remaining)
		if err != nil {
			return n
		}
		if f.Event == event {
			n++
		}
	}
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}
