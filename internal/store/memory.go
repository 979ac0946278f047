package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/google/uuid"
)

// InMemoryStore keeps all data in process memory. It enforces the same
// uniqueness and reference rules as the SQL backends.
type InMemoryStore struct {
	mu       sync.RWMutex
	tenants  map[string]models.Tenant
	contacts map[string]models.Contact
	messages []models.Message
	profiles map[string]models.Profile // keyed by user id
	nextID   int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		tenants:  make(map[string]models.Tenant),
		contacts: make(map[string]models.Contact),
		profiles: make(map[string]models.Profile),
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) CreateTenant(_ context.Context, name string) (models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	t := models.Tenant{ID: uuid.NewString(), Name: name, CreatedAt: now, UpdatedAt: now}
	s.tenants[t.ID] = t
	return t, nil
}

func (s *InMemoryStore) GetTenant(_ context.Context, id string) (models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return models.Tenant{}, ErrNotFound
	}
	return t, nil
}

func (s *InMemoryStore) FirstTenant(_ context.Context) (models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var first models.Tenant
	found := false
	for _, t := range s.tenants {
		if !found || t.CreatedAt.Before(first.CreatedAt) || (t.CreatedAt.Equal(first.CreatedAt) && t.ID < first.ID) {
			first, found = t, true
		}
	}
	if !found {
		return models.Tenant{}, ErrNotFound
	}
	return first, nil
}

func (s *InMemoryStore) IsAIPaused(_ context.Context, tenantID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return false, ErrNotFound
	}
	return t.AIPaused, nil
}

func (s *InMemoryStore) ToggleAIPaused(_ context.Context, tenantID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return false, ErrNotFound
	}
	t.AIPaused = !t.AIPaused
	t.UpdatedAt = time.Now().UTC()
	s.tenants[tenantID] = t
	return t.AIPaused, nil
}

func (s *InMemoryStore) FindContact(_ context.Context, tenantID, address string) (models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.contacts {
		if c.TenantID == tenantID && c.Address == address {
			return c, nil
		}
	}
	return models.Contact{}, ErrNotFound
}

func (s *InMemoryStore) FindContactByAddress(_ context.Context, address string) (models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var first models.Contact
	found := false
	for _, c := range s.contacts {
		if c.Address != address {
			continue
		}
		if !found || c.CreatedAt.Before(first.CreatedAt) || (c.CreatedAt.Equal(first.CreatedAt) && c.ID < first.ID) {
			first, found = c, true
		}
	}
	if !found {
		return models.Contact{}, ErrNotFound
	}
	return first, nil
}

func (s *InMemoryStore) CreateContact(_ context.Context, c models.Contact) (models.Contact, error) {
	if c.Address == "" {
		return models.Contact{}, models.ErrEmptyAddress
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[c.TenantID]; !ok {
		return models.Contact{}, storageErr("create contact", fmt.Errorf("%w: tenant %s", ErrForeignKey, c.TenantID))
	}
	for _, existing := range s.contacts {
		if existing.TenantID == c.TenantID && existing.Address == c.Address {
			return models.Contact{}, storageErr("create contact", fmt.Errorf("%w: contact %s", ErrConflict, c.Address))
		}
	}
	now := time.Now().UTC()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.LastMessageAt.IsZero() {
		c.LastMessageAt = now
	}
	c.CreatedAt, c.UpdatedAt = now, now
	s.contacts[c.ID] = c
	return c, nil
}

func (s *InMemoryStore) GetContact(_ context.Context, tenantID, contactID string) (models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[contactID]
	if !ok || c.TenantID != tenantID {
		return models.Contact{}, ErrNotFound
	}
	return c, nil
}

func (s *InMemoryStore) TouchContact(_ context.Context, contactID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[contactID]
	if !ok {
		return ErrNotFound
	}
	c.LastMessageAt = at.UTC()
	c.UpdatedAt = time.Now().UTC()
	s.contacts[contactID] = c
	return nil
}

func (s *InMemoryStore) ListContacts(_ context.Context, tenantID string) ([]models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.Contact{}
	for _, c := range s.contacts {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemoryStore) AppendMessage(_ context.Context, m models.Message) (models.Message, error) {
	if err := m.Validate(); err != nil {
		return models.Message{}, storageErr("append message", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[m.TenantID]; !ok {
		return models.Message{}, storageErr("append message", fmt.Errorf("%w: tenant %s", ErrForeignKey, m.TenantID))
	}
	if _, ok := s.contacts[m.ContactID]; !ok {
		return models.Message{}, storageErr("append message", fmt.Errorf("%w: contact %s", ErrForeignKey, m.ContactID))
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.nextID++
	m.ID = s.nextID
	s.messages = append(s.messages, m)
	return m, nil
}

// sortedMessages returns the messages matching keep, oldest first.
func (s *InMemoryStore) sortedMessages(keep func(models.Message) bool) []models.Message {
	out := []models.Message{}
	for _, m := range s.messages {
		if keep(m) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *InMemoryStore) RecentMessages(_ context.Context, contactID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		return []models.Message{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.sortedMessages(func(m models.Message) bool { return m.ContactID == contactID })
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (s *InMemoryStore) ListMessages(_ context.Context, tenantID, contactID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedMessages(func(m models.Message) bool {
		return m.TenantID == tenantID && m.ContactID == contactID
	}), nil
}

func (s *InMemoryStore) UpdateDeliveryStatus(_ context.Context, providerMessageID, status string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := range s.messages {
		if providerMessageID != "" && s.messages[i].ProviderMessageID == providerMessageID {
			s.messages[i].ProviderStatus = status
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) FindProviderMessage(_ context.Context, providerMessageID string) (models.Message, error) {
	if providerMessageID == "" {
		return models.Message{}, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages {
		if m.ProviderMessageID == providerMessageID {
			return m, nil
		}
	}
	return models.Message{}, ErrNotFound
}

func (s *InMemoryStore) HasAgentReplyAfter(_ context.Context, contactID string, messageID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages {
		if m.ContactID == contactID && m.Role == models.RoleAgent && m.ID > messageID {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryStore) DeleteConversation(_ context.Context, tenantID, contactID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.messages[:0]
	var n int64
	for _, m := range s.messages {
		if m.TenantID == tenantID && m.ContactID == contactID {
			n++
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept
	return n, nil
}

func (s *InMemoryStore) UpsertProfile(_ context.Context, p models.Profile) (models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[p.TenantID]; !ok {
		return models.Profile{}, storageErr("upsert profile", fmt.Errorf("%w: tenant %s", ErrForeignKey, p.TenantID))
	}
	now := time.Now().UTC()
	if existing, ok := s.profiles[p.UserID]; ok {
		p.ID = existing.ID
		p.CreatedAt = existing.CreatedAt
	} else {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.profiles[p.UserID] = p
	return p, nil
}

func (s *InMemoryStore) GetProfileByUserID(_ context.Context, userID string) (models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return models.Profile{}, ErrNotFound
	}
	return p, nil
}

func (s *InMemoryStore) FindCalendarGrant(_ context.Context, tenantID string) (models.CalendarGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best models.Profile
	found := false
	for _, p := range s.profiles {
		if p.TenantID != tenantID || !p.CalendarConnected || p.CalendarGrantID == "" || p.DefaultCalendarID == "" {
			continue
		}
		if !found || p.CreatedAt.Before(best.CreatedAt) || (p.CreatedAt.Equal(best.CreatedAt) && p.ID < best.ID) {
			best, found = p, true
		}
	}
	if !found {
		return models.CalendarGrant{}, ErrNotFound
	}
	return models.CalendarGrant{GrantID: best.CalendarGrantID, CalendarID: best.DefaultCalendarID}, nil
}
