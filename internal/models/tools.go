// Package models defines tool structures for LLM function calling.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// ToolType defines the type of tool available to the LLM.
type ToolType string

const (
	// ToolTypeCreateAppointment lets the LLM book an appointment in the tenant's calendar.
	ToolTypeCreateAppointment ToolType = "create_appointment"
)

const (
	// AppointmentDateLayout is the YYYY-MM-DD layout of the date argument.
	AppointmentDateLayout = "2006-01-02"
	// AppointmentTimeLayout is the 24-hour HH:MM layout of the time arguments.
	AppointmentTimeLayout = "15:04"
)

var timeRegex = regexp.MustCompile(`^([0-1]?[0-9]|2[0-3]):[0-5][0-9]$`)

var (
	// ErrNotAppointmentCall is returned when arguments of another function are parsed as an appointment.
	ErrNotAppointmentCall = errors.New("function is not create_appointment")
	// ErrMissingAppointmentField is returned when a required appointment argument is empty.
	ErrMissingAppointmentField = errors.New("missing appointment field")
)

// AppointmentToolParams defines the parameters for the create_appointment tool call.
type AppointmentToolParams struct {
	Date      string `json:"date"`       // YYYY-MM-DD
	StartTime string `json:"start_time"` // HH:MM, 24-hour
	EndTime   string `json:"end_time"`   // HH:MM, 24-hour
}

// Validate ensures the appointment parameters are present and well formed.
func (p *AppointmentToolParams) Validate() error {
	if p.Date == "" {
		return fmt.Errorf("%w: date", ErrMissingAppointmentField)
	}
	if p.StartTime == "" {
		return fmt.Errorf("%w: start_time", ErrMissingAppointmentField)
	}
	if p.EndTime == "" {
		return fmt.Errorf("%w: end_time", ErrMissingAppointmentField)
	}
	if _, err := time.Parse(AppointmentDateLayout, p.Date); err != nil {
		return fmt.Errorf("date must be in YYYY-MM-DD format: %w", err)
	}
	if err := validateTimeFormat(p.StartTime); err != nil {
		return fmt.Errorf("invalid start_time format: %w", err)
	}
	if err := validateTimeFormat(p.EndTime); err != nil {
		return fmt.Errorf("invalid end_time format: %w", err)
	}

	startTime, _ := time.Parse(AppointmentTimeLayout, p.StartTime)
	endTime, _ := time.Parse(AppointmentTimeLayout, p.EndTime)
	if !endTime.After(startTime) {
		return fmt.Errorf("end_time must be after start_time")
	}
	return nil
}

// validateTimeFormat validates that a time string is in HH:MM format (24-hour).
func validateTimeFormat(timeStr string) error {
	if !timeRegex.MatchString(timeStr) {
		return fmt.Errorf("time must be in HH:MM format (24-hour)")
	}
	if _, err := time.Parse(AppointmentTimeLayout, timeStr); err != nil {
		return fmt.Errorf("invalid time: %w", err)
	}
	return nil
}

// ToolCall represents an LLM tool function call.
type ToolCall struct {
	ID       string       `json:"id"`       // Tool call ID from OpenAI
	Type     string       `json:"type"`     // Always "function" for OpenAI
	Function FunctionCall `json:"function"` // Function details
}

// FunctionCall represents the function details within a tool call.
type FunctionCall struct {
	Name      string          `json:"name"`      // Function name (e.g., "create_appointment")
	Arguments json.RawMessage `json:"arguments"` // JSON arguments as raw message
}

// ParseAppointmentParams decodes the arguments of a create_appointment call.
// The fields are not checked; call Validate on the result.
func (fc *FunctionCall) ParseAppointmentParams() (*AppointmentToolParams, error) {
	if fc.Name != string(ToolTypeCreateAppointment) {
		return nil, fmt.Errorf("%w: %s", ErrNotAppointmentCall, fc.Name)
	}

	var params AppointmentToolParams
	if err := json.Unmarshal(fc.Arguments, &params); err != nil {
		return nil, fmt.Errorf("failed to parse appointment parameters: %w", err)
	}
	return &params, nil
}
