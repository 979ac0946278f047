package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// backends returns every store implementation available in this environment.
func backends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	b := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewInMemoryStore() },
		"sqlite": func(t *testing.T) Store { return newTestSQLiteStore(t) },
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		b["postgres"] = func(t *testing.T) Store {
			pg, err := NewPostgresStore(WithPostgresDSN(dsn))
			if err != nil {
				t.Skipf("Postgres not available: %v", err)
			}
			t.Cleanup(func() { pg.Close() })
			return pg
		}
	}
	return b
}

func seedContact(t *testing.T, s Store, address string) (models.Tenant, models.Contact) {
	t.Helper()
	ctx := context.Background()
	tenant, err := s.CreateTenant(ctx, "Acme")
	if err != nil {
		t.Fatalf("CreateTenant failed: %v", err)
	}
	c, err := s.CreateContact(ctx, models.Contact{TenantID: tenant.ID, Address: address, DisplayName: models.DisplayNameFromAddress(address)})
	if err != nil {
		t.Fatalf("CreateContact failed: %v", err)
	}
	return tenant, c
}

func TestStore_TenantToggle(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			tenant, err := s.CreateTenant(ctx, "Acme")
			if err != nil {
				t.Fatalf("CreateTenant failed: %v", err)
			}
			paused, err := s.IsAIPaused(ctx, tenant.ID)
			if err != nil || paused {
				t.Fatalf("new tenant should not be paused, got %v err=%v", paused, err)
			}
			paused, err = s.ToggleAIPaused(ctx, tenant.ID)
			if err != nil || !paused {
				t.Fatalf("first toggle should pause, got %v err=%v", paused, err)
			}
			paused, err = s.ToggleAIPaused(ctx, tenant.ID)
			if err != nil || paused {
				t.Fatalf("second toggle should resume, got %v err=%v", paused, err)
			}
			if _, err := s.ToggleAIPaused(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound for unknown tenant, got %v", err)
			}
		})
	}
}

func TestStore_ConcurrentTogglesAreSerialized(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			tenant, err := s.CreateTenant(ctx, "Acme")
			if err != nil {
				t.Fatalf("CreateTenant failed: %v", err)
			}
			const toggles = 10
			var wg sync.WaitGroup
			for i := 0; i < toggles; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := s.ToggleAIPaused(ctx, tenant.ID); err != nil {
						t.Errorf("ToggleAIPaused failed: %v", err)
					}
				}()
			}
			wg.Wait()
			paused, err := s.IsAIPaused(ctx, tenant.ID)
			if err != nil {
				t.Fatalf("IsAIPaused failed: %v", err)
			}
			if paused {
				t.Errorf("an even number of toggles should leave the flag false")
			}
		})
	}
}

func TestStore_ContactUniquePerTenant(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			tenant, c := seedContact(t, s, "whatsapp:+31600000001")

			_, err := s.CreateContact(ctx, models.Contact{TenantID: tenant.ID, Address: c.Address})
			var se *StorageError
			if !errors.As(err, &se) || !errors.Is(err, ErrConflict) {
				t.Fatalf("expected conflict StorageError, got %v", err)
			}

			found, err := s.FindContact(ctx, tenant.ID, c.Address)
			if err != nil {
				t.Fatalf("FindContact failed: %v", err)
			}
			if found.ID != c.ID || found.DisplayName != "+31600000001" {
				t.Errorf("unexpected contact: %+v", found)
			}

			other, err := s.CreateTenant(ctx, "Other")
			if err != nil {
				t.Fatalf("CreateTenant failed: %v", err)
			}
			if _, err := s.CreateContact(ctx, models.Contact{TenantID: other.ID, Address: c.Address}); err != nil {
				t.Errorf("same address in another tenant should be allowed: %v", err)
			}
			if _, err := s.GetContact(ctx, other.ID, c.ID); !errors.Is(err, ErrNotFound) {
				t.Errorf("contact must not be visible from another tenant, got %v", err)
			}
			byAddr, err := s.FindContactByAddress(ctx, c.Address)
			if err != nil || byAddr.ID != c.ID {
				t.Errorf("FindContactByAddress should return the oldest contact, got %+v err=%v", byAddr, err)
			}
		})
	}
}

func TestStore_AppendAndRecentMessages(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			tenant, c := seedContact(t, s, "whatsapp:+31600000002")

			base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
			for i := 0; i < 12; i++ {
				role := models.RoleUser
				if i%2 == 1 {
					role = models.RoleAgent
				}
				_, err := s.AppendMessage(ctx, models.Message{
					TenantID:  tenant.ID,
					ContactID: c.ID,
					Role:      role,
					Body:      string(rune('a' + i)),
					CreatedAt: base.Add(time.Duration(i) * time.Minute),
				})
				if err != nil {
					t.Fatalf("AppendMessage %d failed: %v", i, err)
				}
			}

			recent, err := s.RecentMessages(ctx, c.ID, 10)
			if err != nil {
				t.Fatalf("RecentMessages failed: %v", err)
			}
			if len(recent) != 10 {
				t.Fatalf("expected 10 messages, got %d", len(recent))
			}
			if recent[0].Body != "c" || recent[9].Body != "l" {
				t.Errorf("expected window c..l in chronological order, got %q..%q", recent[0].Body, recent[9].Body)
			}
			for i := 1; i < len(recent); i++ {
				if recent[i].CreatedAt.Before(recent[i-1].CreatedAt) {
					t.Fatalf("messages out of order at %d", i)
				}
			}

			all, err := s.ListMessages(ctx, tenant.ID, c.ID)
			if err != nil || len(all) != 12 {
				t.Fatalf("ListMessages expected 12, got %d err=%v", len(all), err)
			}
		})
	}
}

func TestStore_AppendMessageRejectsUnknownReferences(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			tenant, _ := seedContact(t, s, "whatsapp:+31600000003")

			_, err := s.AppendMessage(ctx, models.Message{TenantID: tenant.ID, ContactID: "missing", Role: models.RoleUser, Body: "hi"})
			var se *StorageError
			if !errors.As(err, &se) {
				t.Fatalf("expected StorageError, got %v", err)
			}
			_, err = s.AppendMessage(ctx, models.Message{TenantID: tenant.ID, ContactID: "x", Role: "robot", Body: "hi"})
			if !errors.Is(err, models.ErrInvalidRole) {
				t.Errorf("expected ErrInvalidRole, got %v", err)
			}
		})
	}
}

func TestStore_DeliveryStatus(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			tenant, c := seedContact(t, s, "whatsapp:+31600000004")

			if _, err := s.AppendMessage(ctx, models.Message{
				TenantID: tenant.ID, ContactID: c.ID, Role: models.RoleAgent, Body: "hello",
				ProviderMessageID: "SM123", ProviderStatus: "queued",
			}); err != nil {
				t.Fatalf("AppendMessage failed: %v", err)
			}
			found, err := s.FindProviderMessage(ctx, "SM123")
			if err != nil || found.Body != "hello" {
				t.Fatalf("FindProviderMessage expected the stored message, got %+v err=%v", found, err)
			}
			if _, err := s.FindProviderMessage(ctx, "SM-unknown"); !errors.Is(err, ErrNotFound) {
				t.Errorf("unknown sid should be ErrNotFound, got %v", err)
			}
			if _, err := s.FindProviderMessage(ctx, ""); !errors.Is(err, ErrNotFound) {
				t.Errorf("empty sid should be ErrNotFound, got %v", err)
			}

			n, err := s.UpdateDeliveryStatus(ctx, "SM123", "delivered")
			if err != nil || n != 1 {
				t.Fatalf("UpdateDeliveryStatus expected 1 row, got %d err=%v", n, err)
			}
			n, err = s.UpdateDeliveryStatus(ctx, "SM-unknown", "delivered")
			if err != nil || n != 0 {
				t.Errorf("unknown sid should update 0 rows without error, got %d err=%v", n, err)
			}

			msgs, err := s.ListMessages(ctx, tenant.ID, c.ID)
			if err != nil {
				t.Fatalf("ListMessages failed: %v", err)
			}
			if msgs[0].ProviderStatus != "delivered" || msgs[0].Body != "hello" {
				t.Errorf("status update should only touch the status, got %+v", msgs[0])
			}
		})
	}
}

func TestStore_DeleteConversation(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			tenant, c := seedContact(t, s, "whatsapp:+31600000005")
			for _, body := range []string{"one", "two"} {
				if _, err := s.AppendMessage(ctx, models.Message{TenantID: tenant.ID, ContactID: c.ID, Role: models.RoleUser, Body: body}); err != nil {
					t.Fatalf("AppendMessage failed: %v", err)
				}
			}
			n, err := s.DeleteConversation(ctx, tenant.ID, c.ID)
			if err != nil || n != 2 {
				t.Fatalf("DeleteConversation expected 2, got %d err=%v", n, err)
			}
			msgs, _ := s.ListMessages(ctx, tenant.ID, c.ID)
			if len(msgs) != 0 {
				t.Errorf("expected empty conversation, got %d", len(msgs))
			}
		})
	}
}

func TestStore_CalendarGrant(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			tenant, err := s.CreateTenant(ctx, "Acme")
			if err != nil {
				t.Fatalf("CreateTenant failed: %v", err)
			}
			if _, err := s.FindCalendarGrant(ctx, tenant.ID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound without profiles, got %v", err)
			}

			if _, err := s.UpsertProfile(ctx, models.Profile{UserID: "u1", TenantID: tenant.ID, CalendarGrantID: "g1"}); err != nil {
				t.Fatalf("UpsertProfile failed: %v", err)
			}
			if _, err := s.FindCalendarGrant(ctx, tenant.ID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("disconnected profile must not yield a grant, got %v", err)
			}

			p, err := s.UpsertProfile(ctx, models.Profile{
				UserID: "u1", TenantID: tenant.ID, CalendarGrantID: "g1", DefaultCalendarID: "cal1", CalendarConnected: true,
			})
			if err != nil {
				t.Fatalf("UpsertProfile update failed: %v", err)
			}
			got, err := s.GetProfileByUserID(ctx, "u1")
			if err != nil || got.ID != p.ID || !got.CalendarConnected {
				t.Fatalf("GetProfileByUserID mismatch: %+v err=%v", got, err)
			}
			grant, err := s.FindCalendarGrant(ctx, tenant.ID)
			if err != nil {
				t.Fatalf("FindCalendarGrant failed: %v", err)
			}
			if grant.GrantID != "g1" || grant.CalendarID != "cal1" {
				t.Errorf("unexpected grant: %+v", grant)
			}
		})
	}
}

func TestDetectDSNType(t *testing.T) {
	tests := map[string]string{
		"postgres://u:p@localhost/db":   DSNTypePostgres,
		"postgresql://localhost/db":     DSNTypePostgres,
		"host=localhost dbname=leads":   DSNTypePostgres,
		"/var/lib/leadpipe/state.db":    DSNTypeSQLite,
		"file:leads.db?cache=shared":    DSNTypeSQLite,
		"./data/virtualhost=example.db": DSNTypeSQLite,
	}
	for dsn, want := range tests {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestNew_DefaultsToMemory(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Errorf("expected InMemoryStore without DSN, got %T", s)
	}
}

func TestRebind(t *testing.T) {
	s := &sqlStore{numbered: true}
	got := s.rebind(`SELECT 1 WHERE a = ? AND b = ?`)
	if got != `SELECT 1 WHERE a = $1 AND b = $2` {
		t.Errorf("unexpected rebind: %s", got)
	}
}

func TestStore_HasAgentReplyAfter(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			tenant, c := seedContact(t, s, "whatsapp:+31600000009")
			_, other := seedContact(t, s, "whatsapp:+31600000010")

			inbound, err := s.AppendMessage(ctx, models.Message{TenantID: tenant.ID, ContactID: c.ID, Role: models.RoleUser, Body: "hoi", ProviderMessageID: "SM900"})
			if err != nil {
				t.Fatalf("AppendMessage failed: %v", err)
			}
			if ok, err := s.HasAgentReplyAfter(ctx, c.ID, inbound.ID); err != nil || ok {
				t.Fatalf("expected no reply yet, got %v err=%v", ok, err)
			}

			if _, err := s.AppendMessage(ctx, models.Message{TenantID: tenant.ID, ContactID: c.ID, Role: models.RoleHuman, Body: "operator"}); err != nil {
				t.Fatalf("AppendMessage failed: %v", err)
			}
			if ok, _ := s.HasAgentReplyAfter(ctx, c.ID, inbound.ID); ok {
				t.Error("an operator message is not an agent reply")
			}

			if _, err := s.AppendMessage(ctx, models.Message{TenantID: other.TenantID, ContactID: other.ID, Role: models.RoleAgent, Body: "elders"}); err != nil {
				t.Fatalf("AppendMessage failed: %v", err)
			}
			if ok, _ := s.HasAgentReplyAfter(ctx, c.ID, inbound.ID); ok {
				t.Error("an agent reply to another contact must not count")
			}

			if _, err := s.AppendMessage(ctx, models.Message{TenantID: tenant.ID, ContactID: c.ID, Role: models.RoleAgent, Body: "antwoord"}); err != nil {
				t.Fatalf("AppendMessage failed: %v", err)
			}
			if ok, err := s.HasAgentReplyAfter(ctx, c.ID, inbound.ID); err != nil || !ok {
				t.Errorf("expected agent reply after inbound, got %v err=%v", ok, err)
			}
		})
	}
}

func TestSQLiteStore_NullBodyReadsAsEmpty(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	tenant, c := seedContact(t, s, "whatsapp:+31600000011")

	if _, err := s.db.ExecContext(ctx, `INSERT INTO messages (organization_id, contact_id, role, body, created_at) VALUES (?, ?, ?, NULL, ?)`,
		tenant.ID, c.ID, string(models.RoleUser), time.Now().UTC()); err != nil {
		t.Fatalf("insert with NULL body failed: %v", err)
	}
	msgs, err := s.ListMessages(ctx, tenant.ID, c.ID)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Body != "" {
		t.Errorf("expected one message with empty body, got %+v", msgs)
	}
}
