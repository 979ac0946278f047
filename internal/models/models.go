// Package models defines the core data structures for LeadPipe.
//
// It includes tenants, contacts, the conversation log and the API response envelope,
// which are shared across modules.
package models

import (
	"errors"
	"strings"
	"time"
)

// Role identifies who authored a message in the conversation log.
type Role string

const (
	// RoleUser is an inbound message from the contact.
	RoleUser Role = "user"
	// RoleAgent is an automated reply generated by the AI agent.
	RoleAgent Role = "agent"
	// RoleHuman is a reply typed by an operator in the console.
	RoleHuman Role = "human"
	// RoleSystem is an informational entry added by the system.
	RoleSystem Role = "system"
)

// WhatsAppScheme is the address prefix the messaging gateway uses for WhatsApp numbers.
const WhatsAppScheme = "whatsapp:"

// DefaultTenantName is the name given to the bootstrap tenant when none exists.
const DefaultTenantName = "Demo Organization"

// Validation constants for input validation
const (
	// MaxMessageBodyLength defines the maximum allowed length for operator-authored messages
	MaxMessageBodyLength = 4096
)

var (
	ErrEmptyAddress     = errors.New("address cannot be empty")
	ErrEmptyBody        = errors.New("message body cannot be empty")
	ErrBodyTooLong      = errors.New("message body exceeds maximum length")
	ErrInvalidRole      = errors.New("invalid message role")
	ErrMissingTenant    = errors.New("tenant id is required")
	ErrMissingContact   = errors.New("contact id is required")
	ErrMissingMessageID = errors.New("provider message id is required")
	ErrMissingStatus    = errors.New("provider message status is required")
)

// IsValidRole checks if the given role is one of the known conversation roles.
func IsValidRole(r Role) bool {
	switch r {
	case RoleUser, RoleAgent, RoleHuman, RoleSystem:
		return true
	default:
		return false
	}
}

// Tenant is an organization: the isolation boundary for contacts, messages and the AI-pause flag.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	AIPaused  bool      `json:"ai_paused"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Contact is a conversation partner identified by messaging address, scoped to one tenant.
type Contact struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"organization_id"`
	Address       string    `json:"whatsapp_number"`
	DisplayName   string    `json:"full_name,omitempty"`
	LastMessageAt time.Time `json:"last_message_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// DisplayNameFromAddress derives a contact name from its address by stripping the scheme prefix.
func DisplayNameFromAddress(address string) string {
	return strings.TrimPrefix(address, WhatsAppScheme)
}

// Message is one entry of the append-only conversation log.
// Only ProviderStatus may change after creation.
type Message struct {
	ID                int64     `json:"id"`
	TenantID          string    `json:"organization_id"`
	ContactID         string    `json:"contact_id"`
	Role              Role      `json:"role"`
	Body              string    `json:"body"`
	ProviderMessageID string    `json:"twilio_sid,omitempty"`
	ProviderStatus    string    `json:"twilio_status,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Validate checks the fields required to append a message.
func (m *Message) Validate() error {
	if m.TenantID == "" {
		return ErrMissingTenant
	}
	if m.ContactID == "" {
		return ErrMissingContact
	}
	if !IsValidRole(m.Role) {
		return ErrInvalidRole
	}
	return nil
}

// Profile links an authenticated operator to a tenant and optionally to a calendar grant.
type Profile struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	TenantID          string    `json:"organization_id"`
	DisplayName       string    `json:"display_name,omitempty"`
	CalendarGrantID   string    `json:"nylas_grant_id,omitempty"`
	DefaultCalendarID string    `json:"default_calendar_id,omitempty"`
	CalendarConnected bool      `json:"nylas_connected"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// CalendarGrant is the read-only calendar connection of a tenant.
type CalendarGrant struct {
	GrantID    string
	CalendarID string
}

// InboundMessage is a message received from the messaging gateway webhook.
type InboundMessage struct {
	From       string
	To         string
	Body       string
	MessageSID string
}

// Validate checks the fields the gateway must always provide.
func (m *InboundMessage) Validate() error {
	if m.From == "" {
		return ErrEmptyAddress
	}
	return nil
}

// StatusCallback is an asynchronous delivery receipt from the messaging gateway.
type StatusCallback struct {
	MessageSID string
	Status     string
}

// Validate checks that both the message id and status are present.
func (c *StatusCallback) Validate() error {
	if c.MessageSID == "" {
		return ErrMissingMessageID
	}
	if c.Status == "" {
		return ErrMissingStatus
	}
	return nil
}

// HumanReplyRequest is the payload for an operator-authored reply.
type HumanReplyRequest struct {
	Message string `json:"message"`
}

// Validate validates a HumanReplyRequest.
func (r *HumanReplyRequest) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return ErrEmptyBody
	}
	if len(r.Message) > MaxMessageBodyLength {
		return ErrBodyTooLong
	}
	return nil
}

// AIPauseState is the result of reading or toggling a tenant's AI-pause flag.
type AIPauseState struct {
	AIPaused bool   `json:"ai_paused"`
	Message  string `json:"message"`
}

// NewAIPauseState builds the state with its operator-facing status text.
func NewAIPauseState(paused bool) AIPauseState {
	if paused {
		return AIPauseState{AIPaused: true, Message: "AI agent gepauzeerd"}
	}
	return AIPauseState{AIPaused: false, Message: "AI agent geactiveerd"}
}

// MessageStatus represents the delivery status reported by the gateway.
type MessageStatus string

const (
	MessageStatusQueued      MessageStatus = "queued"
	MessageStatusSent        MessageStatus = "sent"
	MessageStatusDelivered   MessageStatus = "delivered"
	MessageStatusRead        MessageStatus = "read"
	MessageStatusFailed      MessageStatus = "failed"
	MessageStatusUndelivered MessageStatus = "undelivered"
)

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
