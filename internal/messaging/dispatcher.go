// Package messaging delivers replies to contacts and records them in the conversation log.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/realtime"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/twiliowhatsapp"
)

var (
	// ErrSendFailed is returned when the gateway rejects an outbound message.
	ErrSendFailed = errors.New("gateway send failed")
	// ErrPersistFailed is returned when a delivered message could not be recorded.
	ErrPersistFailed = errors.New("delivered message not recorded")
)

// MessageRecorder is the subset of the store the dispatcher writes to.
type MessageRecorder interface {
	AppendMessage(ctx context.Context, m models.Message) (models.Message, error)
	TouchContact(ctx context.Context, contactID string, at time.Time) error
}

// Dispatcher sends replies through the gateway and records them.
type Dispatcher struct {
	sender    twiliowhatsapp.Sender
	messages  MessageRecorder
	publisher realtime.Publisher
}

// NewDispatcher creates a Dispatcher. A nil publisher disables realtime events.
func NewDispatcher(sender twiliowhatsapp.Sender, messages MessageRecorder, publisher realtime.Publisher) *Dispatcher {
	if publisher == nil {
		publisher = realtime.NopPublisher{}
	}
	return &Dispatcher{sender: sender, messages: messages, publisher: publisher}
}

// Deliver sends body to the contact and then appends it to the log under role.
// Nothing is recorded when the send fails. A recording failure after a successful
// send is returned as ErrPersistFailed; the contact has already received the message.
func (d *Dispatcher) Deliver(ctx context.Context, contact models.Contact, role models.Role, body string) (models.Message, error) {
	if role != models.RoleAgent && role != models.RoleHuman {
		return models.Message{}, fmt.Errorf("dispatcher cannot deliver role %q: %w", role, models.ErrInvalidRole)
	}
	to := twiliowhatsapp.EnsureWhatsAppPrefix(contact.Address)
	slog.Debug("Dispatcher.Deliver: sending", "contactID", contact.ID, "role", role, "bodyLength", len(body))

	res, err := d.sender.SendMessage(ctx, to, body)
	if err != nil {
		slog.Error("Dispatcher.Deliver: gateway send failed", "error", err, "contactID", contact.ID, "role", role)
		return models.Message{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	msg, err := d.messages.AppendMessage(ctx, models.Message{
		TenantID:          contact.TenantID,
		ContactID:         contact.ID,
		Role:              role,
		Body:              body,
		ProviderMessageID: res.SID,
		ProviderStatus:    res.Status,
	})
	if err != nil {
		slog.Error("Dispatcher.Deliver: message sent but not recorded", "error", err, "contactID", contact.ID, "sid", res.SID)
		return models.Message{}, fmt.Errorf("%w: %w", ErrPersistFailed, err)
	}

	if role == models.RoleHuman {
		if err := d.messages.TouchContact(ctx, contact.ID, msg.CreatedAt); err != nil {
			slog.Warn("Dispatcher.Deliver: failed to touch contact after human reply", "error", err, "contactID", contact.ID)
		}
	}

	d.publisher.Publish(ctx, MessageEvent(msg))
	slog.Info("Dispatcher.Deliver: reply delivered", "contactID", contact.ID, "role", role, "sid", res.SID, "messageID", msg.ID)
	return msg, nil
}

// MessageEvent builds the realtime event announcing a new message.
func MessageEvent(m models.Message) realtime.Event {
	return messageEvent(realtime.ActionInsert, m)
}

// MessageUpdateEvent builds the realtime event announcing a changed message, such as a delivery receipt.
func MessageUpdateEvent(m models.Message) realtime.Event {
	return messageEvent(realtime.ActionUpdate, m)
}

func messageEvent(action string, m models.Message) realtime.Event {
	return realtime.Event{
		Table:    realtime.TableMessages,
		Action:   action,
		TenantID: m.TenantID,
		Columns: map[string]string{
			"id":         strconv.FormatInt(m.ID, 10),
			"contact_id": m.ContactID,
			"role":       string(m.Role),
		},
		Record: m,
	}
}

// Ensure the store satisfies the recorder interface.
var _ MessageRecorder = (store.Store)(nil)
