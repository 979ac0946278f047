// Package twiliowhatsapp wraps the Twilio API for WhatsApp messaging in LeadPipe.
package twiliowhatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/util"
	"github.com/twilio/twilio-go"
	twilioClient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// SendResult is the gateway's acknowledgement of an outbound message.
type SendResult struct {
	SID    string
	Status string
}

// Sender sends WhatsApp messages through the gateway.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) (SendResult, error)
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID        string
	AuthToken         string
	FromWhats         string
	StatusCallbackURL string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending WhatsApp number.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// WithStatusCallbackURL sets the URL Twilio posts delivery receipts to.
func WithStatusCallbackURL(url string) Option {
	return func(o *Opts) { o.StatusCallbackURL = url }
}

// EnsureWhatsAppPrefix returns the address with the whatsapp: scheme, adding it when missing.
func EnsureWhatsAppPrefix(address string) string {
	address = strings.TrimSpace(address)
	if address == "" || strings.HasPrefix(address, models.WhatsAppScheme) {
		return address
	}
	return models.WhatsAppScheme + address
}

// Client wraps Twilio REST API for WhatsApp
type Client struct {
	client         *twilio.RestClient
	fromWhats      string // WhatsApp number in "whatsapp:+1234567890" format
	statusCallback string
}

func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	// Fallback to environment variables if not provided via options
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_WHATSAPP_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "",
		"StatusCallback_set", cfg.StatusCallbackURL != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &Client{
		client:         client,
		fromWhats:      EnsureWhatsAppPrefix(cfg.FromWhats),
		statusCallback: cfg.StatusCallbackURL,
	}, nil
}

// SendMessage sends a WhatsApp message using Twilio API and returns the message SID.
func (c *Client) SendMessage(ctx context.Context, to string, body string) (SendResult, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(EnsureWhatsAppPrefix(to))
	params.SetFrom(c.fromWhats)
	params.SetBody(body)
	if c.statusCallback != "" {
		params.SetStatusCallback(c.statusCallback)
	}

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendMessage failed", "to", to, "error", err)
		return SendResult{}, fmt.Errorf("failed to send message to %s: %w", to, err)
	}

	var res SendResult
	if resp.Sid != nil {
		res.SID = *resp.Sid
	}
	if resp.Status != nil {
		res.Status = *resp.Status
	}
	slog.Debug("Twilio message sent", "to", to, "sid", res.SID, "status", res.Status)
	return res, nil
}

// SignatureValidator verifies the X-Twilio-Signature header of incoming webhooks.
type SignatureValidator struct {
	validator twilioClient.RequestValidator
}

// NewSignatureValidator creates a validator for the account's auth token.
func NewSignatureValidator(authToken string) *SignatureValidator {
	return &SignatureValidator{validator: twilioClient.NewRequestValidator(authToken)}
}

// Validate reports whether signature matches the full request URL and its form parameters.
func (v *SignatureValidator) Validate(url string, params map[string]string, signature string) bool {
	if signature == "" {
		return false
	}
	return v.validator.Validate(url, params, signature)
}

// ErrMockSendFailed is the default error returned by a failing MockClient.
var ErrMockSendFailed = errors.New("mock send failed")

// MockClient records sent messages and returns synthetic SIDs.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	// Err, when set, is returned from every SendMessage call.
	Err error
}

type SentMessage struct {
	To   string
	Body string
	SID  string
}

func NewMockClient() *MockClient {
	return &MockClient{SentMessages: []SentMessage{}}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) (SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return SendResult{}, m.Err
	}
	sid := util.GenerateMessageSID()
	m.SentMessages = append(m.SentMessages, SentMessage{To: EnsureWhatsAppPrefix(to), Body: body, SID: sid})
	return SendResult{SID: sid, Status: string(models.MessageStatusQueued)}, nil
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.SentMessages))
	copy(out, m.SentMessages)
	return out
}
