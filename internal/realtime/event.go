// Package realtime pushes data changes to connected operator consoles.
package realtime

import (
	"context"
	"fmt"
	"strings"
)

// Tables a subscriber may listen to.
const (
	TableMessages      = "messages"
	TableContacts      = "contacts"
	TableOrganizations = "organizations"
)

// Change types carried by an Event.
const (
	ActionInsert = "INSERT"
	ActionUpdate = "UPDATE"
	ActionDelete = "DELETE"
)

// Event is one row change in a tenant's data.
type Event struct {
	Table    string `json:"table"`
	Action   string `json:"action"`
	TenantID string `json:"-"`
	// Columns holds the filterable column values of the changed row.
	Columns map[string]string `json:"-"`
	Record  interface{}       `json:"record"`
}

// Publisher delivers events to interested subscribers. Publishing never fails the caller.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) {}

// Filter restricts a subscription to rows whose column equals a value.
type Filter struct {
	Column string
	Value  string
}

// ParseFilter parses "column=value" or "column=eq.value". An empty string yields a nil filter.
func ParseFilter(raw string) (*Filter, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	col, val, ok := strings.Cut(raw, "=")
	if !ok || col == "" {
		return nil, fmt.Errorf("invalid filter %q", raw)
	}
	val = strings.TrimPrefix(val, "eq.")
	if val == "" {
		return nil, fmt.Errorf("invalid filter %q: empty value", raw)
	}
	return &Filter{Column: col, Value: val}, nil
}

// IsKnownTable reports whether table can be subscribed to.
func IsKnownTable(table string) bool {
	switch table {
	case TableMessages, TableContacts, TableOrganizations:
		return true
	default:
		return false
	}
}

// Subscription selects the events a connection receives.
type Subscription struct {
	TenantID string
	Table    string
	Filter   *Filter
}

// Matches reports whether ev belongs to the subscription.
func (s Subscription) Matches(ev Event) bool {
	if ev.TenantID != s.TenantID || ev.Table != s.Table {
		return false
	}
	if s.Filter == nil {
		return true
	}
	v, ok := ev.Columns[s.Filter.Column]
	return ok && v == s.Filter.Value
}
