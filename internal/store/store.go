// Package store provides storage backends for LeadPipe.
//
// It persists tenants, contacts, the per-contact conversation log and operator profiles,
// with in-memory, SQLite and PostgreSQL implementations behind one interface.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("conflict")
	// ErrForeignKey is returned when a write references a missing tenant or contact.
	ErrForeignKey = errors.New("foreign key violation")
)

// StorageError wraps a failed write together with the operation that caused it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// TenantStore holds organizations and their AI-pause flag.
type TenantStore interface {
	CreateTenant(ctx context.Context, name string) (models.Tenant, error)
	GetTenant(ctx context.Context, id string) (models.Tenant, error)
	// FirstTenant returns the oldest tenant, or ErrNotFound when there is none.
	FirstTenant(ctx context.Context) (models.Tenant, error)
	IsAIPaused(ctx context.Context, tenantID string) (bool, error)
	// ToggleAIPaused atomically negates the flag and returns the new value.
	ToggleAIPaused(ctx context.Context, tenantID string) (bool, error)
}

// ContactStore holds the per-tenant contact directory.
type ContactStore interface {
	// FindContact returns the contact with the given address in a tenant, or ErrNotFound.
	FindContact(ctx context.Context, tenantID, address string) (models.Contact, error)
	// FindContactByAddress returns the oldest contact with the address in any tenant, or ErrNotFound.
	FindContactByAddress(ctx context.Context, address string) (models.Contact, error)
	CreateContact(ctx context.Context, c models.Contact) (models.Contact, error)
	GetContact(ctx context.Context, tenantID, contactID string) (models.Contact, error)
	TouchContact(ctx context.Context, contactID string, at time.Time) error
	ListContacts(ctx context.Context, tenantID string) ([]models.Contact, error)
}

// MessageStore holds the append-only conversation log.
type MessageStore interface {
	// AppendMessage inserts an immutable message. It fails with a *StorageError
	// when the tenant or contact does not exist.
	AppendMessage(ctx context.Context, m models.Message) (models.Message, error)
	// RecentMessages returns up to limit of the newest messages in chronological order.
	RecentMessages(ctx context.Context, contactID string, limit int) ([]models.Message, error)
	ListMessages(ctx context.Context, tenantID, contactID string) ([]models.Message, error)
	// UpdateDeliveryStatus overwrites the provider status of matching messages and
	// reports how many rows changed. Zero rows is not an error.
	UpdateDeliveryStatus(ctx context.Context, providerMessageID, status string) (int64, error)
	// FindProviderMessage returns the oldest message carrying the gateway id, or ErrNotFound.
	FindProviderMessage(ctx context.Context, providerMessageID string) (models.Message, error)
	// HasAgentReplyAfter reports whether an agent message was stored for the contact after messageID.
	HasAgentReplyAfter(ctx context.Context, contactID string, messageID int64) (bool, error)
	DeleteConversation(ctx context.Context, tenantID, contactID string) (int64, error)
}

// ProfileStore holds operator memberships and calendar grants.
type ProfileStore interface {
	UpsertProfile(ctx context.Context, p models.Profile) (models.Profile, error)
	GetProfileByUserID(ctx context.Context, userID string) (models.Profile, error)
	// FindCalendarGrant returns a connected grant with a default calendar for the tenant, or ErrNotFound.
	FindCalendarGrant(ctx context.Context, tenantID string) (models.CalendarGrant, error)
}

// Store is the full persistence interface.
type Store interface {
	TenantStore
	ContactStore
	MessageStore
	ProfileStore
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DSN types reported by DetectDSNType.
const (
	DSNTypePostgres = "postgres"
	DSNTypeSQLite   = "sqlite3"
)

// DetectDSNType reports whether a DSN points at PostgreSQL or at an SQLite file.
func DetectDSNType(dsn string) string {
	switch {
	case len(dsn) >= 11 && dsn[:11] == "postgres://",
		len(dsn) >= 13 && dsn[:13] == "postgresql://",
		containsKeyValue(dsn, "host="),
		containsKeyValue(dsn, "dbname="):
		return DSNTypePostgres
	default:
		return DSNTypeSQLite
	}
}

func containsKeyValue(dsn, key string) bool {
	for i := 0; i+len(key) <= len(dsn); i++ {
		if dsn[i:i+len(key)] == key && (i == 0 || dsn[i-1] == ' ') {
			return true
		}
	}
	return false
}

// New opens the backend matching the configured DSN, or an in-memory store when no DSN is set.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(cfg.DSN) == DSNTypePostgres {
		pg, err := NewPostgresStore(opts...)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	lite, err := NewSQLiteStore(opts...)
	if err != nil {
		return nil, err
	}
	return lite, nil
}
