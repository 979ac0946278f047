// Package api provides the HTTP server for LeadPipe.
//
// It exposes the messaging gateway webhooks, the operator console endpoints and the
// realtime feed, and wires the store, gateway, LLM and calendar modules together.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/auth"
	"github.com/BTreeMap/LeadPipe/internal/calendar"
	"github.com/BTreeMap/LeadPipe/internal/flow"
	"github.com/BTreeMap/LeadPipe/internal/genai"
	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/realtime"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/twiliowhatsapp"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server defaults.
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	readHeaderTimeout      = 10 * time.Second
	idleTimeout            = 120 * time.Second
)

// Opts holds configuration for the API server.
type Opts struct {
	Addr              string
	PublicBaseURL     string
	SignatureToken    string
	DefaultTenantName string
	HistoryLimit      int
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithPublicBaseURL sets the externally visible base URL the gateway calls webhooks on.
func WithPublicBaseURL(url string) Option {
	return func(o *Opts) { o.PublicBaseURL = url }
}

// WithSignatureValidation enables webhook signature checks with the gateway auth token.
func WithSignatureValidation(authToken string) Option {
	return func(o *Opts) { o.SignatureToken = authToken }
}

// WithDefaultTenantName names the tenant created when the store is empty.
func WithDefaultTenantName(name string) Option {
	return func(o *Opts) { o.DefaultTenantName = name }
}

// WithHistoryLimit sets how many stored messages are replayed to the model.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) { o.HistoryLimit = n }
}

// Authenticator maps a bearer token to an operator.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (auth.Operator, error)
}

// ConsoleStore is the read side the console endpoints use.
type ConsoleStore interface {
	ListContacts(ctx context.Context, tenantID string) ([]models.Contact, error)
	GetContact(ctx context.Context, tenantID, contactID string) (models.Contact, error)
	ListMessages(ctx context.Context, tenantID, contactID string) ([]models.Message, error)
}

// Server serves the LeadPipe HTTP API.
type Server struct {
	store         ConsoleStore
	pipeline      *flow.Pipeline
	auth          Authenticator
	hub           *realtime.Hub
	signatures    *twiliowhatsapp.SignatureValidator
	publicBaseURL string
}

// NewServer creates a Server. A nil authenticator disables the console endpoints and a nil
// signature validator disables webhook signature checks.
func NewServer(st ConsoleStore, pipeline *flow.Pipeline, authn Authenticator, hub *realtime.Hub, signatures *twiliowhatsapp.SignatureValidator, publicBaseURL string) *Server {
	if hub == nil {
		hub = realtime.NewHub()
	}
	return &Server{
		store:         st,
		pipeline:      pipeline,
		auth:          authn,
		hub:           hub,
		signatures:    signatures,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}
}

// Routes returns the HTTP handler for all endpoints.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.healthHandler)

	r.Route("/webhooks/twilio", func(r chi.Router) {
		r.Use(s.verifyGatewaySignature)
		r.Post("/inbound", s.inboundWebhookHandler)
		r.Post("/status", s.statusWebhookHandler)
	})

	r.Route("/api", func(r chi.Router) {
		// The websocket handshake cannot carry headers from a browser, so it authenticates itself.
		r.Get("/realtime", s.realtimeHandler)

		r.Group(func(r chi.Router) {
			r.Use(s.requireOperator)
			r.Get("/ai-pause", s.aiPauseStateHandler)
			r.Post("/ai-pause/toggle", s.aiPauseToggleHandler)
			r.Get("/contacts", s.listContactsHandler)
			r.Get("/contacts/{contactID}/messages", s.listMessagesHandler)
			r.Post("/contacts/{contactID}/messages", s.sendHumanReplyHandler)
			r.Delete("/contacts/{contactID}/messages", s.deleteConversationHandler)
		})
	})
	return r
}

// Run builds every module from its options, serves until SIGINT or SIGTERM and shuts down gracefully.
func Run(twilioOpts []twiliowhatsapp.Option, storeOpts []store.Option, genaiOpts []genai.Option, calendarOpts []calendar.Option, authOpts []auth.Option, apiOpts ...Option) error {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range apiOpts {
		opt(&cfg)
	}
	if cfg.SignatureToken != "" && cfg.PublicBaseURL == "" {
		return fmt.Errorf("PUBLIC_BASE_URL must be set to validate webhook signatures")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("API.Run: failed to close store", "error", err)
		}
	}()

	tenant, err := flow.BootstrapDefaultTenant(ctx, st, cfg.DefaultTenantName)
	if err != nil {
		return err
	}

	sender, err := twiliowhatsapp.NewClient(twilioOpts...)
	if err != nil {
		return fmt.Errorf("failed to create messaging gateway client: %w", err)
	}
	llm, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}

	var appointments *flow.AppointmentTool
	cal, err := calendar.NewNylasClient(calendarOpts...)
	switch {
	case err == nil:
		appointments = flow.NewAppointmentTool(st, cal)
	case errors.Is(err, calendar.ErrNotConfigured):
		slog.Warn("API.Run: calendar not configured, appointment booking disabled")
	default:
		return fmt.Errorf("failed to create calendar client: %w", err)
	}

	var authn Authenticator
	verifier, err := auth.NewVerifier(st, authOpts...)
	if err != nil {
		slog.Warn("API.Run: operator authentication not configured, console endpoints disabled", "error", err)
	} else {
		authn = verifier
	}

	var signatures *twiliowhatsapp.SignatureValidator
	if cfg.SignatureToken != "" {
		signatures = twiliowhatsapp.NewSignatureValidator(cfg.SignatureToken)
	}

	hub := realtime.NewHub()
	resolver := flow.NewContactResolver(st, flow.NewAddressTenantPolicy(st, tenant.ID))
	orchestrator := flow.NewOrchestrator(llm, flow.NewContextBuilder(st, cfg.HistoryLimit), appointments)
	dispatcher := messaging.NewDispatcher(sender, st, hub)
	pipeline := flow.NewPipeline(st, resolver, orchestrator, dispatcher, hub)
	server := NewServer(st, pipeline, authn, hub, signatures, cfg.PublicBaseURL)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API.Run: LeadPipe API listening", "addr", cfg.Addr, "defaultTenantID", tenant.ID,
			"booking", appointments != nil, "console", authn != nil, "signatures", signatures != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("API.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("API server shutdown failed: %w", err)
	}
	return nil
}
