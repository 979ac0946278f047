// Package testutil provides common test utilities and helpers for LeadPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/BTreeMap/LeadPipe/internal/calendar"
	"github.com/BTreeMap/LeadPipe/internal/genai"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/openai/openai-go"
)

// MockLLM is a scripted genai.ClientInterface.
type MockLLM struct {
	mu       sync.Mutex
	Response *genai.ToolCallResponse
	Err      error
	Calls    [][]openai.ChatCompletionMessageParamUnion
	Tools    [][]openai.ChatCompletionToolParam
}

// NewTextLLM returns a MockLLM answering with free text.
func NewTextLLM(content string) *MockLLM {
	return &MockLLM{Response: &genai.ToolCallResponse{Content: content}}
}

// NewToolLLM returns a MockLLM answering with a single tool call.
func NewToolLLM(name, arguments string) *MockLLM {
	return &MockLLM{Response: &genai.ToolCallResponse{
		ToolCalls: []models.ToolCall{{
			ID:   "call_test",
			Type: "function",
			Function: models.FunctionCall{
				Name:      name,
				Arguments: json.RawMessage(arguments),
			},
		}},
	}}
}

func (m *MockLLM) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*genai.ToolCallResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, messages)
	m.Tools = append(m.Tools, tools)
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Response, nil
}

// CallCount returns how many times the model was called.
func (m *MockLLM) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// MockCalendar is a recording calendar.Creator.
type MockCalendar struct {
	mu       sync.Mutex
	Requests []calendar.EventRequest
	Err      error
}

func (m *MockCalendar) CreateEvent(ctx context.Context, req calendar.EventRequest) (*calendar.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	if m.Err != nil {
		return nil, m.Err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &calendar.Event{ID: "ev_test", CalendarID: req.CalendarID, Title: req.Title}, nil
}

// RequestCount returns how many events were requested.
func (m *MockCalendar) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

// SeedTenant creates a tenant or fails the test.
func SeedTenant(t *testing.T, st store.Store, name string) models.Tenant {
	t.Helper()
	tenant, err := st.CreateTenant(context.Background(), name)
	if err != nil {
		t.Fatalf("failed to seed tenant: %v", err)
	}
	return tenant
}

// SeedContact creates a contact in tenant or fails the test.
func SeedContact(t *testing.T, st store.Store, tenantID, address string) models.Contact {
	t.Helper()
	c, err := st.CreateContact(context.Background(), models.Contact{
		TenantID:    tenantID,
		Address:     address,
		DisplayName: models.DisplayNameFromAddress(address),
	})
	if err != nil {
		t.Fatalf("failed to seed contact: %v", err)
	}
	return c
}

// SeedCalendarGrant connects a calendar for the tenant or fails the test.
func SeedCalendarGrant(t *testing.T, st store.Store, tenantID, userID string) models.Profile {
	t.Helper()
	p, err := st.UpsertProfile(context.Background(), models.Profile{
		UserID:            userID,
		TenantID:          tenantID,
		CalendarGrantID:   "grant_" + userID,
		DefaultCalendarID: "cal_" + userID,
		CalendarConnected: true,
	})
	if err != nil {
		t.Fatalf("failed to seed calendar grant: %v", err)
	}
	return p
}

// Messages returns the stored conversation of a contact or fails the test.
func Messages(t *testing.T, st store.Store, c models.Contact) []models.Message {
	t.Helper()
	msgs, err := st.ListMessages(context.Background(), c.TenantID, c.ID)
	if err != nil {
		t.Fatalf("failed to list messages: %v", err)
	}
	return msgs
}

// Reporter is the part of testing.TB the assertion helpers report through.
type Reporter interface {
	Helper()
	Errorf(format string, args ...interface{})
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t Reporter, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// DecodeJSON decodes a JSON response body into a generic map.
func DecodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
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
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// CreateFormRequest creates a form-encoded POST request, as the messaging gateway sends.
func CreateFormRequest(t *testing.T, target string, form url.Values) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("failed to create form request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}
