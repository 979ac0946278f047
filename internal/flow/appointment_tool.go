package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/LeadPipe/internal/calendar"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"
)

// Replies the appointment tool sends back to the contact.
const (
	ReplyNoCalendar       = "Sorry, er is geen kalender gekoppeld of geen standaard agenda ingesteld. Koppel eerst je agenda om afspraken te kunnen maken."
	ReplyMissingFields    = "Sorry, er ontbreken gegevens om de afspraak in te plannen. Probeer het opnieuw."
	ReplyEventFailed      = "Sorry, er ging iets mis bij het inplannen van je afspraak. Probeer het later opnieuw."
	ReplyInvalidArguments = "Sorry, er ging iets mis bij het verwerken van je afspraak."
)

// AppointmentConfirmation is the reply after a successful booking.
func AppointmentConfirmation(p models.AppointmentToolParams) string {
	return fmt.Sprintf("Perfect! Je afspraak is ingepland voor %s van %s tot %s. We zien je dan graag!", p.Date, p.StartTime, p.EndTime)
}

// AppointmentTitle is the calendar event title for a contact.
func AppointmentTitle(contact models.Contact) string {
	return "Afspraak: " + contact.DisplayName
}

// GrantFinder looks up a tenant's calendar connection.
type GrantFinder interface {
	FindCalendarGrant(ctx context.Context, tenantID string) (models.CalendarGrant, error)
}

// AppointmentTool books appointments requested by the model in the tenant's calendar.
type AppointmentTool struct {
	grants   GrantFinder
	calendar calendar.Creator
}

// NewAppointmentTool creates the create_appointment tool.
func NewAppointmentTool(grants GrantFinder, creator calendar.Creator) *AppointmentTool {
	return &AppointmentTool{grants: grants, calendar: creator}
}

// Definition returns the OpenAI tool definition for create_appointment.
func (t *AppointmentTool) Definition() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        string(models.ToolTypeCreateAppointment),
			Description: openai.String("Maak een nieuwe kalenderafspraak aan wanneer de klant een afspraak wil inplannen"),
			Parameters: shared.FunctionParameters{
				"type": "object",
				"properties": map[string]interface{}{
					"date": map[string]interface{}{
						"type":        "string",
						"description": "Datum van de afspraak in YYYY-MM-DD formaat",
					},
					"start_time": map[string]interface{}{
						"type":        "string",
						"description": "Starttijd in HH:MM formaat (24-uurs)",
					},
					"end_time": map[string]interface{}{
						"type":        "string",
						"description": "Eindtijd in HH:MM formaat (24-uurs)",
					},
				},
				"required": []string{"date", "start_time", "end_time"},
			},
		},
	}
}

// Execute books the appointment described by args and returns the text to send to the contact.
// Every failure is turned into an apology or guidance reply; it never returns an error.
func (t *AppointmentTool) Execute(ctx context.Context, contact models.Contact, call models.FunctionCall) string {
	slog.Debug("AppointmentTool.Execute: called", "contactID", contact.ID, "args", formatToolArgumentsForLog(call.Arguments))

	params, err := call.ParseAppointmentParams()
	if err != nil {
		slog.Warn("AppointmentTool.Execute: unparseable arguments", "error", err, "contactID", contact.ID)
		return ReplyInvalidArguments
	}

	grant, err := t.grants.FindCalendarGrant(ctx, contact.TenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("AppointmentTool.Execute: tenant has no connected calendar", "tenantID", contact.TenantID)
		} else {
			slog.Error("AppointmentTool.Execute: calendar grant lookup failed", "error", err, "tenantID", contact.TenantID)
		}
		return ReplyNoCalendar
	}

	if err := params.Validate(); err != nil {
		if errors.Is(err, models.ErrMissingAppointmentField) {
			slog.Warn("AppointmentTool.Execute: missing appointment fields", "error", err, "contactID", contact.ID)
			return ReplyMissingFields
		}
		slog.Warn("AppointmentTool.Execute: malformed appointment fields", "error", err, "contactID", contact.ID)
		return ReplyInvalidArguments
	}

	req := calendar.EventRequest{
		GrantID:    grant.GrantID,
		CalendarID: grant.CalendarID,
		Title:      AppointmentTitle(contact),
		Date:       params.Date,
		StartTime:  params.StartTime,
		EndTime:    params.EndTime,
	}
	if err := req.Validate(); err != nil {
		slog.Warn("AppointmentTool.Execute: incomplete event request", "error", err, "contactID", contact.ID)
		return ReplyMissingFields
	}

	ev, err := t.calendar.CreateEvent(ctx, req)
	if err != nil {
		slog.Error("AppointmentTool.Execute: event creation failed", "error", err, "contactID", contact.ID)
		return ReplyEventFailed
	}
	slog.Info("AppointmentTool.Execute: appointment booked", "contactID", contact.ID, "eventID", ev.ID, "date", params.Date)
	return AppointmentConfirmation(*params)
}
