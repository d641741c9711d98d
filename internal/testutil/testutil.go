// Package testutil provides common test utilities and helpers for AssistBot tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rentline/assistbot/internal/api"
	"github.com/rentline/assistbot/internal/flow"
	"github.com/rentline/assistbot/internal/models"
	"github.com/rentline/assistbot/internal/notify"
	"github.com/rentline/assistbot/internal/store"
)

// TestingT is the subset of testing.T used by the assertion helpers. Taking
// an interface lets the helpers themselves be tested with a mock.
type TestingT interface {
	Helper()
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	Error(args ...interface{})
}

// FakeNotifier records notifications instead of delivering them.
type FakeNotifier struct {
	mu    sync.Mutex
	Sent  []notify.Notification
	Fail  bool
	Calls int
}

// Notify records the notification, failing when Fail is set.
func (f *FakeNotifier) Notify(ctx context.Context, n notify.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if f.Fail {
		return errFakeNotify
	}
	f.Sent = append(f.Sent, n)
	return nil
}

// Notifications returns a copy of the recorded notifications.
func (f *FakeNotifier) Notifications() []notify.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]notify.Notification, len(f.Sent))
	copy(out, f.Sent)
	return out
}

var errFakeNotify = fakeNotifyError{}

type fakeNotifyError struct{}

func (fakeNotifyError) Error() string { return "fake notifier failure" }

// NewTestServer creates a test API server with in-memory dependencies.
// This centralizes the test server creation logic used across multiple test files.
func NewTestServer() (*api.Server, *store.InMemoryStore) {
	st := store.NewInMemoryStore()
	engine := flow.NewEngine(st, flow.NewCatalog(), flow.NewOutboxDispatcher(st))
	return api.NewServer(engine, st), st
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TestingT, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t TestingT, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}

// AssertMessageCount validates the number of logged messages for a conversation.
func AssertMessageCount(t *testing.T, st store.Store, conversationID string, expected int, context string) {
	t.Helper()
	messages, err := st.ListMessages(conversationID, 0, 0)
	if err != nil {
		t.Fatalf("%s: failed to list messages: %v", context, err)
	}
	if len(messages) != expected {
		t.Errorf("%s: expected %d messages, got %d", context, expected, len(messages))
	}
}

// StartConversation creates a conversation directly in the store for tests
// that need one without going through the engine.
func StartConversation(t *testing.T, st store.Store, flowType models.FlowType) *models.Conversation {
	t.Helper()
	conv, err := st.CreateConversation(flowType)
	if err != nil {
		t.Fatalf("failed to create conversation: %v", err)
	}
	return conv
}
