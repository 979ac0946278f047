package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // zone data for minimal container images
)

// DefaultAPIURI is the Nylas v3 API base for the US region.
const DefaultAPIURI = "https://api.us.nylas.com"

// DefaultHTTPTimeout bounds a single call to the provider.
const DefaultHTTPTimeout = 15 * time.Second

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 4096

// Opts holds configuration for the Nylas client.
type Opts struct {
	APIKey     string
	APIURI     string
	Timezone   string
	HTTPClient *http.Client
}

// Option defines a configuration option for the Nylas client.
type Option func(*Opts)

// WithAPIKey sets the Nylas API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithAPIURI overrides the Nylas API base URL.
func WithAPIURI(uri string) Option {
	return func(o *Opts) { o.APIURI = uri }
}

// WithTimezone sets the IANA zone appointment times are interpreted in.
func WithTimezone(tz string) Option {
	return func(o *Opts) { o.Timezone = tz }
}

// WithHTTPClient replaces the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// NylasClient creates events through the Nylas v3 events API.
type NylasClient struct {
	apiKey     string
	apiURI     string
	timezone   string
	loc        *time.Location
	httpClient *http.Client
}

// NewNylasClient creates a client. The API key falls back to NYLAS_API_KEY.
func NewNylasClient(opts ...Option) (*NylasClient, error) {
	cfg := Opts{APIURI: DefaultAPIURI, Timezone: DefaultTimezone}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("NYLAS_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	if cfg.APIURI == "" {
		cfg.APIURI = DefaultAPIURI
	}
	if cfg.Timezone == "" {
		cfg.Timezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid calendar timezone %q: %w", cfg.Timezone, err)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	slog.Debug("calendar.NewNylasClient: client configured", "apiURI", cfg.APIURI, "timezone", cfg.Timezone)
	return &NylasClient{
		apiKey:     cfg.APIKey,
		apiURI:     strings.TrimRight(cfg.APIURI, "/"),
		timezone:   cfg.Timezone,
		loc:        loc,
		httpClient: cfg.HTTPClient,
	}, nil
}

type nylasWhen struct {
	StartTime     int64  `json:"start_time"`
	EndTime       int64  `json:"end_time"`
	StartTimezone string `json:"start_timezone"`
	EndTimezone   string `json:"end_timezone"`
}

type nylasEventRequest struct {
	Title string    `json:"title"`
	When  nylasWhen `json:"when"`
}

type nylasEventResponse struct {
	Data struct {
		ID         string `json:"id"`
		CalendarID string `json:"calendar_id"`
		Title      string `json:"title"`
	} `json:"data"`
}

// CreateEvent validates req and posts it to the grant's calendar.
func (c *NylasClient) CreateEvent(ctx context.Context, req EventRequest) (*Event, error) {
	if err := req.Validate(); err != nil {
		slog.Warn("NylasClient.CreateEvent: rejected request", "error", err)
		return nil, err
	}
	start, end, err := req.Span(c.loc)
	if err != nil {
		slog.Warn("NylasClient.CreateEvent: invalid times", "error", err, "date", req.Date)
		return nil, err
	}

	body, err := json.Marshal(nylasEventRequest{
		Title: req.Title,
		When: nylasWhen{
			StartTime:     start.Unix(),
			EndTime:       end.Unix(),
			StartTimezone: c.timezone,
			EndTimezone:   c.timezone,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v3/grants/%s/events?calendar_id=%s",
		c.apiURI, url.PathEscape(req.GrantID), url.QueryEscape(req.CalendarID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	slog.Debug("NylasClient.CreateEvent: posting event", "calendarID", req.CalendarID, "start", start, "end", end)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		slog.Error("NylasClient.CreateEvent: request failed", "error", err)
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		slog.Error("NylasClient.CreateEvent: provider rejected event", "status", resp.StatusCode, "body", string(data))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	var out nylasEventResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode event response: %w", err)
	}
	ev := &Event{
		ID:         out.Data.ID,
		CalendarID: req.CalendarID,
		Title:      req.Title,
		Start:      start,
		End:        end,
	}
	if out.Data.CalendarID != "" {
		ev.CalendarID = out.Data.CalendarID
	}
	slog.Info("NylasClient.CreateEvent: event created", "eventID", ev.ID, "calendarID", ev.CalendarID)
	return ev, nil
}
