package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/google/uuid"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL backends.
// Queries are written with ? placeholders and rebound per dialect.
type sqlStore struct {
	db       *sql.DB
	name     string
	numbered bool
	classify func(error) error
}

// rebind rewrites ? placeholders into $n placeholders for dialects that need them.
func (s *sqlStore) rebind(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// writeErr classifies a driver error and wraps it as a *StorageError.
func (s *sqlStore) writeErr(op string, err error) error {
	if s.classify != nil {
		err = s.classify(err)
	}
	return storageErr(op, err)
}

func (s *sqlStore) Close() error {
	slog.Debug(s.name+" Close invoked")
	return s.db.Close()
}

func (s *sqlStore) CreateTenant(ctx context.Context, name string) (models.Tenant, error) {
	now := time.Now().UTC()
	t := models.Tenant{ID: uuid.NewString(), Name: name, CreatedAt: now, UpdatedAt: now}
	_, err := s.exec(ctx, `INSERT INTO organizations (id, name, ai_paused, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Name, false, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		slog.Error(s.name+" CreateTenant failed", "error", err, "name", name)
		return models.Tenant{}, s.writeErr("create tenant", err)
	}
	slog.Debug(s.name+" CreateTenant succeeded", "tenantID", t.ID)
	return t, nil
}

const tenantColumns = `id, name, ai_paused, created_at, updated_at`

func scanTenant(row *sql.Row) (models.Tenant, error) {
	var t models.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.AIPaused, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	return t, err
}

func (s *sqlStore) GetTenant(ctx context.Context, id string) (models.Tenant, error) {
	t, err := scanTenant(s.queryRow(ctx, `SELECT `+tenantColumns+` FROM organizations WHERE id = ?`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		slog.Error(s.name+" GetTenant failed", "error", err, "tenantID", id)
		return t, fmt.Errorf("failed to get tenant %s: %w", id, err)
	}
	return t, err
}

func (s *sqlStore) FirstTenant(ctx context.Context) (models.Tenant, error) {
	t, err := scanTenant(s.queryRow(ctx, `SELECT `+tenantColumns+` FROM organizations ORDER BY created_at ASC, id ASC LIMIT 1`))
	if err != nil && !errors.Is(err, ErrNotFound) {
		slog.Error(s.name+" FirstTenant failed", "error", err)
		return t, fmt.Errorf("failed to get first tenant: %w", err)
	}
	return t, err
}

func (s *sqlStore) IsAIPaused(ctx context.Context, tenantID string) (bool, error) {
	var paused bool
	err := s.queryRow(ctx, `SELECT ai_paused FROM organizations WHERE id = ?`, tenantID).Scan(&paused)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		slog.Error(s.name+" IsAIPaused failed", "error", err, "tenantID", tenantID)
		return false, fmt.Errorf("failed to read ai pause flag: %w", err)
	}
	return paused, nil
}

func (s *sqlStore) ToggleAIPaused(ctx context.Context, tenantID string) (bool, error) {
	var paused bool
	err := s.queryRow(ctx, `UPDATE organizations SET ai_paused = NOT ai_paused, updated_at = ? WHERE id = ? RETURNING ai_paused`,
		time.Now().UTC(), tenantID).Scan(&paused)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		slog.Error(s.name+" ToggleAIPaused failed", "error", err, "tenantID", tenantID)
		return false, s.writeErr("toggle ai pause", err)
	}
	slog.Debug(s.name+" ToggleAIPaused succeeded", "tenantID", tenantID, "aiPaused", paused)
	return paused, nil
}

const contactColumns = `id, organization_id, whatsapp_number, full_name, last_message_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanContact(row rowScanner) (models.Contact, error) {
	var c models.Contact
	var name sql.NullString
	err := row.Scan(&c.ID, &c.TenantID, &c.Address, &name, &c.LastMessageAt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	c.DisplayName = name.String
	return c, err
}

func (s *sqlStore) FindContact(ctx context.Context, tenantID, address string) (models.Contact, error) {
	c, err := scanContact(s.queryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE organization_id = ? AND whatsapp_number = ?`, tenantID, address))
	if err != nil && !errors.Is(err, ErrNotFound) {
		slog.Error(s.name+" FindContact failed", "error", err, "tenantID", tenantID)
		return c, fmt.Errorf("failed to find contact: %w", err)
	}
	return c, err
}

func (s *sqlStore) FindContactByAddress(ctx context.Context, address string) (models.Contact, error) {
	c, err := scanContact(s.queryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE whatsapp_number = ? ORDER BY created_at ASC, id ASC LIMIT 1`, address))
	if err != nil && !errors.Is(err, ErrNotFound) {
		slog.Error(s.name+" FindContactByAddress failed", "error", err)
		return c, fmt.Errorf("failed to find contact by address: %w", err)
	}
	return c, err
}

func (s *sqlStore) CreateContact(ctx context.Context, c models.Contact) (models.Contact, error) {
	if c.Address == "" {
		return models.Contact{}, models.ErrEmptyAddress
	}
	now := time.Now().UTC()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.LastMessageAt.IsZero() {
		c.LastMessageAt = now
	}
	c.CreatedAt, c.UpdatedAt = now, now
	_, err := s.exec(ctx, `INSERT INTO contacts (`+contactColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.Address, nilIfEmpty(c.DisplayName), c.LastMessageAt.UTC(), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		slog.Error(s.name+" CreateContact failed", "error", err, "tenantID", c.TenantID)
		return models.Contact{}, s.writeErr("create contact", err)
	}
	slog.Debug(s.name+" CreateContact succeeded", "contactID", c.ID, "tenantID", c.TenantID)
	return c, nil
}

func (s *sqlStore) GetContact(ctx context.Context, tenantID, contactID string) (models.Contact, error) {
	c, err := scanContact(s.queryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE organization_id = ? AND id = ?`, tenantID, contactID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		slog.Error(s.name+" GetContact failed", "error", err, "contactID", contactID)
		return c, fmt.Errorf("failed to get contact: %w", err)
	}
	return c, err
}

func (s *sqlStore) TouchContact(ctx context.Context, contactID string, at time.Time) error {
	res, err := s.exec(ctx, `UPDATE contacts SET last_message_at = ?, updated_at = ? WHERE id = ?`, at.UTC(), time.Now().UTC(), contactID)
	if err != nil {
		slog.Error(s.name+" TouchContact failed", "error", err, "contactID", contactID)
		return s.writeErr("touch contact", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) ListContacts(ctx context.Context, tenantID string) ([]models.Contact, error) {
	rows, err := s.query(ctx, `SELECT `+contactColumns+` FROM contacts WHERE organization_id = ? ORDER BY last_message_at DESC, id ASC`, tenantID)
	if err != nil {
		slog.Error(s.name+" ListContacts query failed", "error", err, "tenantID", tenantID)
		return nil, fmt.Errorf("failed to query contacts: %w", err)
	}
	defer rows.Close()

	contacts := []models.Contact{}
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contact row: %w", err)
		}
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate contact rows: %w", err)
	}
	return contacts, nil
}

const messageColumns = `id, organization_id, contact_id, role, body, twilio_sid, twilio_status, created_at`

func scanMessage(row rowScanner) (models.Message, error) {
	var m models.Message
	var role string
	var body, sid, status sql.NullString
	if err := row.Scan(&m.ID, &m.TenantID, &m.ContactID, &role, &body, &sid, &status, &m.CreatedAt); err != nil {
		return m, err
	}
	m.Role = models.Role(role)
	m.Body = body.String
	m.ProviderMessageID = sid.String
	m.ProviderStatus = status.String
	return m, nil
}

func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()
	msgs := []models.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return msgs, nil
}

func (s *sqlStore) AppendMessage(ctx context.Context, m models.Message) (models.Message, error) {
	if err := m.Validate(); err != nil {
		return models.Message{}, storageErr("append message", err)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	err := s.queryRow(ctx, `INSERT INTO messages (organization_id, contact_id, role, body, twilio_sid, twilio_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		m.TenantID, m.ContactID, string(m.Role), m.Body, nilIfEmpty(m.ProviderMessageID), nilIfEmpty(m.ProviderStatus), m.CreatedAt.UTC()).Scan(&m.ID)
	if err != nil {
		slog.Error(s.name+" AppendMessage failed", "error", err, "contactID", m.ContactID, "role", m.Role)
		return models.Message{}, s.writeErr("append message", err)
	}
	slog.Debug(s.name+" AppendMessage succeeded", "messageID", m.ID, "contactID", m.ContactID, "role", m.Role)
	return m, nil
}

func (s *sqlStore) RecentMessages(ctx context.Context, contactID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		return []models.Message{}, nil
	}
	rows, err := s.query(ctx, `SELECT `+messageColumns+` FROM messages WHERE contact_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, contactID, limit)
	if err != nil {
		slog.Error(s.name+" RecentMessages query failed", "error", err, "contactID", contactID)
		return nil, fmt.Errorf("failed to query recent messages: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	reverseMessages(msgs)
	return msgs, nil
}

func (s *sqlStore) ListMessages(ctx context.Context, tenantID, contactID string) ([]models.Message, error) {
	rows, err := s.query(ctx, `SELECT `+messageColumns+` FROM messages WHERE organization_id = ? AND contact_id = ? ORDER BY created_at ASC, id ASC`, tenantID, contactID)
	if err != nil {
		slog.Error(s.name+" ListMessages query failed", "error", err, "contactID", contactID)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	return scanMessages(rows)
}

func (s *sqlStore) UpdateDeliveryStatus(ctx context.Context, providerMessageID, status string) (int64, error) {
	res, err := s.exec(ctx, `UPDATE messages SET twilio_status = ? WHERE twilio_sid = ?`, status, providerMessageID)
	if err != nil {
		slog.Error(s.name+" UpdateDeliveryStatus failed", "error", err, "sid", providerMessageID)
		return 0, s.writeErr("update delivery status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	slog.Debug(s.name+" UpdateDeliveryStatus succeeded", "sid", providerMessageID, "status", status, "rows", n)
	return n, nil
}

func (s *sqlStore) FindProviderMessage(ctx context.Context, providerMessageID string) (models.Message, error) {
	if providerMessageID == "" {
		return models.Message{}, ErrNotFound
	}
	m, err := scanMessage(s.queryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE twilio_sid = ? ORDER BY id ASC LIMIT 1`, providerMessageID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrNotFound
	}
	if err != nil {
		slog.Error(s.name+" FindProviderMessage failed", "error", err, "sid", providerMessageID)
		return models.Message{}, fmt.Errorf("failed to look up provider message: %w", err)
	}
	return m, nil
}

func (s *sqlStore) HasAgentReplyAfter(ctx context.Context, contactID string, messageID int64) (bool, error) {
	var one int
	err := s.queryRow(ctx, `SELECT 1 FROM messages WHERE contact_id = ? AND role = ? AND id > ? LIMIT 1`,
		contactID, string(models.RoleAgent), messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		slog.Error(s.name+" HasAgentReplyAfter failed", "error", err, "contactID", contactID, "messageID", messageID)
		return false, fmt.Errorf("failed to look up agent reply: %w", err)
	}
	return true, nil
}

func (s *sqlStore) DeleteConversation(ctx context.Context, tenantID, contactID string) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM messages WHERE organization_id = ? AND contact_id = ?`, tenantID, contactID)
	if err != nil {
		slog.Error(s.name+" DeleteConversation failed", "error", err, "contactID", contactID)
		return 0, s.writeErr("delete conversation", err)
	}
	n, _ := res.RowsAffected()
	slog.Debug(s.name+" DeleteConversation succeeded", "contactID", contactID, "rows", n)
	return n, nil
}

const profileColumns = `id, user_id, organization_id, display_name, nylas_grant_id, default_calendar_id, nylas_connected, created_at, updated_at`

func scanProfile(row rowScanner) (models.Profile, error) {
	var p models.Profile
	var name, grant, calendar sql.NullString
	err := row.Scan(&p.ID, &p.UserID, &p.TenantID, &name, &grant, &calendar, &p.CalendarConnected, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	p.DisplayName = name.String
	p.CalendarGrantID = grant.String
	p.DefaultCalendarID = calendar.String
	return p, err
}

func (s *sqlStore) UpsertProfile(ctx context.Context, p models.Profile) (models.Profile, error) {
	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt, p.UpdatedAt = now, now
	out, err := scanProfile(s.queryRow(ctx, `INSERT INTO profiles (`+profileColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			organization_id = excluded.organization_id,
			display_name = excluded.display_name,
			nylas_grant_id = excluded.nylas_grant_id,
			default_calendar_id = excluded.default_calendar_id,
			nylas_connected = excluded.nylas_connected,
			updated_at = excluded.updated_at
		RETURNING `+profileColumns,
		p.ID, p.UserID, p.TenantID, nilIfEmpty(p.DisplayName), nilIfEmpty(p.CalendarGrantID),
		nilIfEmpty(p.DefaultCalendarID), p.CalendarConnected, p.CreatedAt, p.UpdatedAt))
	if err != nil {
		slog.Error(s.name+" UpsertProfile failed", "error", err, "userID", p.UserID)
		return models.Profile{}, s.writeErr("upsert profile", err)
	}
	return out, nil
}

func (s *sqlStore) GetProfileByUserID(ctx context.Context, userID string) (models.Profile, error) {
	p, err := scanProfile(s.queryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE user_id = ?`, userID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		slog.Error(s.name+" GetProfileByUserID failed", "error", err, "userID", userID)
		return p, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, err
}

func (s *sqlStore) FindCalendarGrant(ctx context.Context, tenantID string) (models.CalendarGrant, error) {
	var g models.CalendarGrant
	err := s.queryRow(ctx, `SELECT nylas_grant_id, default_calendar_id FROM profiles
		WHERE organization_id = ? AND nylas_connected = ? AND nylas_grant_id <> '' AND default_calendar_id <> ''
		ORDER BY created_at ASC, id ASC LIMIT 1`, tenantID, true).Scan(&g.GrantID, &g.CalendarID)
	if errors.Is(err, sql.ErrNoRows) {
		return g, ErrNotFound
	}
	if err != nil {
		slog.Error(s.name+" FindCalendarGrant failed", "error", err, "tenantID", tenantID)
		return g, fmt.Errorf("failed to find calendar grant: %w", err)
	}
	return g, nil
}
