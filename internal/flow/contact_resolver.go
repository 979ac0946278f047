// Package flow implements the lead conversation pipeline: contact resolution, the AI-pause gate,
// LLM orchestration with appointment booking, and delivery of replies.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

// TenantPolicy decides which tenant owns messages from an address.
type TenantPolicy interface {
	TenantFor(ctx context.Context, address string) (string, error)
}

// AddressTenantPolicy assigns an address to the tenant that already knows it,
// and unknown addresses to a fixed default tenant so no inbound message is dropped.
type AddressTenantPolicy struct {
	contacts        store.ContactStore
	defaultTenantID string
}

// NewAddressTenantPolicy creates a policy falling back to defaultTenantID.
func NewAddressTenantPolicy(contacts store.ContactStore, defaultTenantID string) *AddressTenantPolicy {
	return &AddressTenantPolicy{contacts: contacts, defaultTenantID: defaultTenantID}
}

func (p *AddressTenantPolicy) TenantFor(ctx context.Context, address string) (string, error) {
	c, err := p.contacts.FindContactByAddress(ctx, address)
	switch {
	case err == nil:
		return c.TenantID, nil
	case errors.Is(err, store.ErrNotFound):
		if p.defaultTenantID == "" {
			return "", fmt.Errorf("no tenant for %s and no default tenant configured", address)
		}
		return p.defaultTenantID, nil
	default:
		return "", fmt.Errorf("failed to look up tenant for address: %w", err)
	}
}

// BootstrapDefaultTenant returns the oldest tenant, creating one named name when the store is empty.
// It runs once at startup.
func BootstrapDefaultTenant(ctx context.Context, tenants store.TenantStore, name string) (models.Tenant, error) {
	t, err := tenants.FirstTenant(ctx)
	if err == nil {
		slog.Info("flow.BootstrapDefaultTenant: using existing tenant", "tenantID", t.ID, "name", t.Name)
		return t, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.Tenant{}, fmt.Errorf("failed to read tenants: %w", err)
	}
	if name == "" {
		name = models.DefaultTenantName
	}
	t, err = tenants.CreateTenant(ctx, name)
	if err != nil {
		return models.Tenant{}, fmt.Errorf("failed to create default tenant: %w", err)
	}
	slog.Info("flow.BootstrapDefaultTenant: created default tenant", "tenantID", t.ID, "name", t.Name)
	return t, nil
}

// ContactResolver maps an inbound address to a contact, creating it on first contact.
type ContactResolver struct {
	contacts store.ContactStore
	policy   TenantPolicy
	now      func() time.Time
}

// NewContactResolver creates a resolver using policy for tenant assignment.
func NewContactResolver(contacts store.ContactStore, policy TenantPolicy) *ContactResolver {
	return &ContactResolver{contacts: contacts, policy: policy, now: time.Now}
}

// Resolve returns the contact for address and records activity on it.
// last_message_at strictly increases across calls for the same contact.
func (r *ContactResolver) Resolve(ctx context.Context, address string) (models.Contact, error) {
	if address == "" {
		return models.Contact{}, models.ErrEmptyAddress
	}
	tenantID, err := r.policy.TenantFor(ctx, address)
	if err != nil {
		slog.Error("ContactResolver.Resolve: tenant policy failed", "error", err)
		return models.Contact{}, err
	}

	c, err := r.contacts.FindContact(ctx, tenantID, address)
	if errors.Is(err, store.ErrNotFound) {
		c, err = r.contacts.CreateContact(ctx, models.Contact{
			TenantID:      tenantID,
			Address:       address,
			DisplayName:   models.DisplayNameFromAddress(address),
			LastMessageAt: r.timestamp(),
		})
		if err == nil {
			slog.Info("ContactResolver.Resolve: created contact", "contactID", c.ID, "tenantID", tenantID)
			return c, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			slog.Error("ContactResolver.Resolve: create contact failed", "error", err, "tenantID", tenantID)
			return models.Contact{}, err
		}
		// A concurrent first message created it; use the winner.
		slog.Debug("ContactResolver.Resolve: lost create race, re-reading contact", "tenantID", tenantID)
		c, err = r.contacts.FindContact(ctx, tenantID, address)
	}
	if err != nil {
		slog.Error("ContactResolver.Resolve: contact lookup failed", "error", err, "tenantID", tenantID)
		return models.Contact{}, fmt.Errorf("failed to find contact: %w", err)
	}

	at := r.timestamp()
	if !at.After(c.LastMessageAt) {
		at = c.LastMessageAt.Add(time.Microsecond)
	}
	if err := r.contacts.TouchContact(ctx, c.ID, at); err != nil {
		slog.Error("ContactResolver.Resolve: touch contact failed", "error", err, "contactID", c.ID)
		return models.Contact{}, fmt.Errorf("failed to update contact activity: %w", err)
	}
	c.LastMessageAt = at
	slog.Debug("ContactResolver.Resolve: resolved existing contact", "contactID", c.ID, "tenantID", tenantID)
	return c, nil
}

// timestamp is the current time at the precision every backend preserves.
func (r *ContactResolver) timestamp() time.Time {
	return r.now().UTC().Truncate(time.Microsecond)
}
