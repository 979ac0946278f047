package flow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/testutil"
)

const validAppointmentArgs = `{"date":"2025-03-14","start_time":"09:00","end_time":"10:00"}`

func appointmentCall(args string) models.FunctionCall {
	return models.FunctionCall{Name: string(models.ToolTypeCreateAppointment), Arguments: json.RawMessage(args)}
}

func TestAppointmentTool_Execute(t *testing.T) {
	tests := []struct {
		name      string
		args      string
		connect   bool
		calErr    error
		want      string
		wantCalls int
	}{
		{"booked", validAppointmentArgs, true, nil, "Perfect! Je afspraak is ingepland voor 2025-03-14 van 09:00 tot 10:00. We zien je dan graag!", 1},
		{"no calendar connected", validAppointmentArgs, false, nil, ReplyNoCalendar, 0},
		{"missing end time", `{"date":"2025-03-14","start_time":"09:00"}`, true, nil, ReplyMissingFields, 0},
		{"malformed date", `{"date":"14-03-2025","start_time":"09:00","end_time":"10:00"}`, true, nil, ReplyInvalidArguments, 0},
		{"end before start", `{"date":"2025-03-14","start_time":"11:00","end_time":"10:00"}`, true, nil, ReplyInvalidArguments, 0},
		{"unparseable arguments", `{"date":`, true, nil, ReplyInvalidArguments, 0},
		{"unparseable arguments without calendar", `{"date":`, false, nil, ReplyInvalidArguments, 0},
		{"missing fields without calendar", `{"date":"2025-03-14"}`, false, nil, ReplyNoCalendar, 0},
		{"calendar rejects", validAppointmentArgs, true, errors.New("provider down"), ReplyEventFailed, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewInMemoryStore()
			tenant := testutil.SeedTenant(t, st, "Acme")
			contact := testutil.SeedContact(t, st, tenant.ID, "whatsapp:+31612345678")
			if tt.connect {
				testutil.SeedCalendarGrant(t, st, tenant.ID, "user-1")
			}
			cal := &testutil.MockCalendar{Err: tt.calErr}

			got := NewAppointmentTool(st, cal).Execute(context.Background(), contact, appointmentCall(tt.args))
			if got != tt.want {
				t.Errorf("reply = %q, want %q", got, tt.want)
			}
			if n := cal.RequestCount(); n != tt.wantCalls {
				t.Fatalf("calendar called %d times, want %d", n, tt.wantCalls)
			}
			if tt.wantCalls == 0 {
				return
			}
			req := cal.Requests[0]
			if req.GrantID != "grant_user-1" || req.CalendarID != "cal_user-1" {
				t.Errorf("event not booked in the tenant's calendar: %+v", req)
			}
			if req.Title != "Afspraak: +31612345678" {
				t.Errorf("unexpected title %q", req.Title)
			}
			if req.Date != "2025-03-14" || req.StartTime != "09:00" || req.EndTime != "10:00" {
				t.Errorf("arguments not passed through: %+v", req)
			}
		})
	}
}

func TestAppointmentTool_IgnoresOtherTenantsCalendar(t *testing.T) {
	st := store.NewInMemoryStore()
	a := testutil.SeedTenant(t, st, "A")
	b := testutil.SeedTenant(t, st, "B")
	testutil.SeedCalendarGrant(t, st, b.ID, "user-b")
	contact := testutil.SeedContact(t, st, a.ID, "whatsapp:+31600000010")
	cal := &testutil.MockCalendar{}

	got := NewAppointmentTool(st, cal).Execute(context.Background(), contact, appointmentCall(validAppointmentArgs))
	if got != ReplyNoCalendar {
		t.Errorf("reply = %q, want %q", got, ReplyNoCalendar)
	}
	if cal.RequestCount() != 0 {
		t.Error("another tenant's calendar must not be used")
	}
}

func TestAppointmentTool_RejectsOtherFunction(t *testing.T) {
	st := store.NewInMemoryStore()
	tenant := testutil.SeedTenant(t, st, "Acme")
	testutil.SeedCalendarGrant(t, st, tenant.ID, "user-1")
	contact := testutil.SeedContact(t, st, tenant.ID, "whatsapp:+31612345678")
	cal := &testutil.MockCalendar{}

	call := models.FunctionCall{Name: "cancel_appointment", Arguments: json.RawMessage(validAppointmentArgs)}
	if got := NewAppointmentTool(st, cal).Execute(context.Background(), contact, call); got != ReplyInvalidArguments {
		t.Errorf("reply = %q, want %q", got, ReplyInvalidArguments)
	}
	if cal.RequestCount() != 0 {
		t.Error("another function's arguments must not book an event")
	}
}

func TestAppointmentTool_Definition(t *testing.T) {
	def := NewAppointmentTool(nil, nil).Definition()
	if def.Function.Name != string(models.ToolTypeCreateAppointment) {
		t.Errorf("unexpected tool name %q", def.Function.Name)
	}
	required, ok := def.Function.Parameters["required"].([]string)
	if !ok || len(required) != 3 {
		t.Errorf("all three arguments should be required, got %v", def.Function.Parameters["required"])
	}
}
