// Package calendar creates appointments in a tenant's connected calendar.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMissingField is returned when an EventRequest lacks a required field.
	ErrMissingField = errors.New("missing required field")
	// ErrInvalidTime is returned when the date or times cannot be parsed.
	ErrInvalidTime = errors.New("invalid event time")
	// ErrNotConfigured is returned when no calendar API key is available.
	ErrNotConfigured = errors.New("NYLAS_API_KEY not set")
)

// DefaultTimezone is the IANA zone appointments are booked in when none is configured.
const DefaultTimezone = "Europe/Amsterdam"

// Date and time layouts of EventRequest.
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// EventRequest describes an event to create. All fields are required.
type EventRequest struct {
	GrantID    string `json:"grant_id"`
	CalendarID string `json:"calendar_id"`
	Title      string `json:"title"`
	Date       string `json:"date"`
	StartTime  string `json:"start_time"`
	EndTime    string `json:"end_time"`
}

// Validate reports the first missing field as ErrMissingField.
func (r EventRequest) Validate() error {
	fields := []struct{ name, value string }{
		{"grant_id", r.GrantID},
		{"calendar_id", r.CalendarID},
		{"title", r.Title},
		{"date", r.Date},
		{"start_time", r.StartTime},
		{"end_time", r.EndTime},
	}
	for _, f := range fields {
		if f.value == "" {
			return fmt.Errorf("%w: %s", ErrMissingField, f.name)
		}
	}
	return nil
}

// Span resolves the request's date and times into absolute instants in loc.
func (r EventRequest) Span(loc *time.Location) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation(DateLayout+" "+TimeLayout, r.Date+" "+r.StartTime, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start: %v", ErrInvalidTime, err)
	}
	end, err := time.ParseInLocation(DateLayout+" "+TimeLayout, r.Date+" "+r.EndTime, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end: %v", ErrInvalidTime, err)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end must be after start", ErrInvalidTime)
	}
	return start, end, nil
}

// Event is a created calendar event.
type Event struct {
	ID         string    `json:"id"`
	CalendarID string    `json:"calendar_id"`
	Title      string    `json:"title"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

// Creator creates calendar events.
type Creator interface {
	CreateEvent(ctx context.Context, req EventRequest) (*Event, error)
}

// APIError is a non-2xx answer from the calendar provider.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("calendar api error: status %d: %s", e.StatusCode, e.Body)
}
