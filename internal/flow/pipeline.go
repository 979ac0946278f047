package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/realtime"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

// Outcome reports how an inbound message was handled.
type Outcome string

const (
	// OutcomeReplied means the agent reply was sent and recorded.
	OutcomeReplied Outcome = "replied"
	// OutcomePaused means the message was stored but the tenant's AI is paused.
	OutcomePaused Outcome = "paused"
	// OutcomeDuplicate means the gateway redelivered a message that was already answered.
	OutcomeDuplicate Outcome = "duplicate"
)

// ErrInvalidInput marks requests rejected before any side effect.
var ErrInvalidInput = errors.New("invalid input")

// PipelineStore is the persistence the pipeline needs.
type PipelineStore interface {
	store.TenantStore
	store.MessageStore
	GetContact(ctx context.Context, tenantID, contactID string) (models.Contact, error)
}

// Replier decides the reply to an inbound message.
type Replier interface {
	Reply(ctx context.Context, contact models.Contact, inboundBody string) (Reply, error)
}

// Deliverer sends and records outbound messages.
type Deliverer interface {
	Deliver(ctx context.Context, contact models.Contact, role models.Role, body string) (models.Message, error)
}

// Pipeline runs the per-request flows of the lead console: inbound messages,
// delivery receipts, operator replies and the AI-pause toggle.
type Pipeline struct {
	store     PipelineStore
	resolver  *ContactResolver
	replier   Replier
	deliverer Deliverer
	publisher realtime.Publisher
}

// NewPipeline wires the pipeline. A nil publisher disables realtime events.
func NewPipeline(st PipelineStore, resolver *ContactResolver, replier Replier, deliverer Deliverer, publisher realtime.Publisher) *Pipeline {
	if publisher == nil {
		publisher = realtime.NopPublisher{}
	}
	return &Pipeline{store: st, resolver: resolver, replier: replier, deliverer: deliverer, publisher: publisher}
}

// HandleInbound processes one inbound webhook message. The inbound message is
// persisted before the pause gate, so it is kept even when no reply follows. A
// redelivered MessageSid is stored only once and is replied to until an agent
// reply follows it.
func (p *Pipeline) HandleInbound(ctx context.Context, in models.InboundMessage) (Outcome, error) {
	if err := in.Validate(); err != nil {
		slog.Warn("Pipeline.HandleInbound: rejected inbound message", "error", err)
		return "", fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	slog.Info("Pipeline.HandleInbound: message received", "sid", in.MessageSID, "bodyLength", len(in.Body))

	if in.MessageSID != "" {
		stored, err := p.store.FindProviderMessage(ctx, in.MessageSID)
		switch {
		case err == nil:
			return p.handleRedelivery(ctx, stored)
		case !errors.Is(err, store.ErrNotFound):
			return "", fmt.Errorf("failed to check for duplicate delivery: %w", err)
		}
	}

	contact, err := p.resolver.Resolve(ctx, in.From)
	if err != nil {
		return "", fmt.Errorf("failed to resolve contact: %w", err)
	}
	p.publisher.Publish(ctx, contactEvent(contact))

	inbound, err := p.store.AppendMessage(ctx, models.Message{
		TenantID:          contact.TenantID,
		ContactID:         contact.ID,
		Role:              models.RoleUser,
		Body:              in.Body,
		ProviderMessageID: in.MessageSID,
	})
	if err != nil {
		slog.Error("Pipeline.HandleInbound: failed to store inbound message", "error", err, "contactID", contact.ID)
		return "", fmt.Errorf("failed to store inbound message: %w", err)
	}
	p.publisher.Publish(ctx, messaging.MessageEvent(inbound))

	return p.replyTo(ctx, contact, in.Body)
}

// handleRedelivery answers a gateway retry of an already stored message. The
// message is not stored again; it is replied to only if no agent reply followed it.
func (p *Pipeline) handleRedelivery(ctx context.Context, stored models.Message) (Outcome, error) {
	if stored.Role != models.RoleUser {
		slog.Warn("Pipeline.HandleInbound: sid belongs to an outbound message, ignoring", "sid", stored.ProviderMessageID, "role", stored.Role)
		return OutcomeDuplicate, nil
	}
	answered, err := p.store.HasAgentReplyAfter(ctx, stored.ContactID, stored.ID)
	if err != nil {
		return "", fmt.Errorf("failed to check for an earlier reply: %w", err)
	}
	if answered {
		slog.Info("Pipeline.HandleInbound: duplicate delivery ignored", "sid", stored.ProviderMessageID)
		return OutcomeDuplicate, nil
	}
	contact, err := p.store.GetContact(ctx, stored.TenantID, stored.ContactID)
	if err != nil {
		return "", fmt.Errorf("failed to load contact of redelivered message: %w", err)
	}
	slog.Info("Pipeline.HandleInbound: redelivered message was never answered, retrying reply", "sid", stored.ProviderMessageID, "contactID", contact.ID)
	return p.replyTo(ctx, contact, stored.Body)
}

// replyTo runs the pause gate, asks the replier and dispatches the agent reply.
func (p *Pipeline) replyTo(ctx context.Context, contact models.Contact, body string) (Outcome, error) {
	paused, err := p.store.IsAIPaused(ctx, contact.TenantID)
	if err != nil {
		slog.Error("Pipeline.HandleInbound: failed to read pause flag", "error", err, "tenantID", contact.TenantID)
		return "", fmt.Errorf("failed to read ai pause flag: %w", err)
	}
	if paused {
		slog.Info("Pipeline.HandleInbound: AI paused, not replying", "tenantID", contact.TenantID, "contactID", contact.ID)
		return OutcomePaused, nil
	}

	reply, err := p.replier.Reply(ctx, contact, body)
	if err != nil {
		return "", err
	}
	if _, err := p.deliverer.Deliver(ctx, contact, models.RoleAgent, reply.Text); err != nil {
		return "", err
	}
	slog.Info("Pipeline.HandleInbound: agent replied", "contactID", contact.ID, "tool", reply.Tool)
	return OutcomeReplied, nil
}

// HandleStatusCallback records a delivery receipt. Unknown message ids are ignored.
func (p *Pipeline) HandleStatusCallback(ctx context.Context, cb models.StatusCallback) error {
	if err := cb.Validate(); err != nil {
		slog.Warn("Pipeline.HandleStatusCallback: rejected callback", "error", err)
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	n, err := p.store.UpdateDeliveryStatus(ctx, cb.MessageSID, cb.Status)
	if err != nil {
		slog.Error("Pipeline.HandleStatusCallback: status update failed", "error", err, "sid", cb.MessageSID)
		return fmt.Errorf("failed to update delivery status: %w", err)
	}
	if n == 0 {
		slog.Debug("Pipeline.HandleStatusCallback: no message for sid", "sid", cb.MessageSID, "status", cb.Status)
		return nil
	}
	slog.Debug("Pipeline.HandleStatusCallback: status updated", "sid", cb.MessageSID, "status", cb.Status, "rows", n)
	updated, err := p.store.FindProviderMessage(ctx, cb.MessageSID)
	if err != nil {
		// The status is stored; only the console notification is lost.
		slog.Warn("Pipeline.HandleStatusCallback: updated message not readable", "error", err, "sid", cb.MessageSID)
		return nil
	}
	p.publisher.Publish(ctx, messaging.MessageUpdateEvent(updated))
	return nil
}

// ToggleAIPause flips the tenant's AI-pause flag and returns the new state.
func (p *Pipeline) ToggleAIPause(ctx context.Context, tenantID string) (models.AIPauseState, error) {
	paused, err := p.store.ToggleAIPaused(ctx, tenantID)
	if err != nil {
		slog.Error("Pipeline.ToggleAIPause: toggle failed", "error", err, "tenantID", tenantID)
		return models.AIPauseState{}, fmt.Errorf("failed to toggle ai pause: %w", err)
	}
	state := models.NewAIPauseState(paused)
	p.publisher.Publish(ctx, realtime.Event{
		Table:    realtime.TableOrganizations,
		Action:   realtime.ActionUpdate,
		TenantID: tenantID,
		Columns:  map[string]string{"id": tenantID},
		Record:   map[string]interface{}{"id": tenantID, "ai_paused": paused},
	})
	slog.Info("Pipeline.ToggleAIPause: pause state changed", "tenantID", tenantID, "aiPaused", paused)
	return state, nil
}

// AIPauseState returns the tenant's current AI-pause state.
func (p *Pipeline) AIPauseState(ctx context.Context, tenantID string) (models.AIPauseState, error) {
	paused, err := p.store.IsAIPaused(ctx, tenantID)
	if err != nil {
		return models.AIPauseState{}, fmt.Errorf("failed to read ai pause flag: %w", err)
	}
	return models.NewAIPauseState(paused), nil
}

// SendHumanReply sends an operator-typed message to a contact of the tenant.
func (p *Pipeline) SendHumanReply(ctx context.Context, tenantID, contactID string, req models.HumanReplyRequest) (models.Message, error) {
	if err := req.Validate(); err != nil {
		return models.Message{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	contact, err := p.store.GetContact(ctx, tenantID, contactID)
	if err != nil {
		return models.Message{}, err
	}
	msg, err := p.deliverer.Deliver(ctx, contact, models.RoleHuman, req.Message)
	if err != nil {
		return models.Message{}, err
	}
	slog.Info("Pipeline.SendHumanReply: operator reply sent", "tenantID", tenantID, "contactID", contactID, "messageID", msg.ID)
	return msg, nil
}

// DeleteConversation removes every message of a contact in the tenant.
func (p *Pipeline) DeleteConversation(ctx context.Context, tenantID, contactID string) (int64, error) {
	if _, err := p.store.GetContact(ctx, tenantID, contactID); err != nil {
		return 0, err
	}
	n, err := p.store.DeleteConversation(ctx, tenantID, contactID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete conversation: %w", err)
	}
	p.publisher.Publish(ctx, realtime.Event{
		Table:    realtime.TableMessages,
		Action:   realtime.ActionDelete,
		TenantID: tenantID,
		Columns:  map[string]string{"contact_id": contactID},
		Record:   map[string]interface{}{"contact_id": contactID, "deleted": n},
	})
	slog.Info("Pipeline.DeleteConversation: conversation deleted", "tenantID", tenantID, "contactID", contactID, "messages", n)
	return n, nil
}

func contactEvent(c models.Contact) realtime.Event {
	return realtime.Event{
		Table:    realtime.TableContacts,
		Action:   realtime.ActionUpdate,
		TenantID: c.TenantID,
		Columns:  map[string]string{"id": c.ID},
		Record:   c,
	}
}

var _ Deliverer = (*messaging.Dispatcher)(nil)
var _ Replier = (*Orchestrator)(nil)
