package flow

import (
	"context"
	"testing"

	"github.com/BTreeMap/LeadPipe/internal/calendar"
	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/realtime"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/testutil"
	"github.com/BTreeMap/LeadPipe/internal/twiliowhatsapp"
	"github.com/openai/openai-go"
)

// chatText returns the chat role and text content of a message built by the openai helpers.
func chatText(m openai.ChatCompletionMessageParamUnion) (string, string) {
	switch {
	case m.OfSystem != nil:
		return "system", m.OfSystem.Content.OfString.Value
	case m.OfUser != nil:
		return LLMRoleUser, m.OfUser.Content.OfString.Value
	case m.OfAssistant != nil:
		return LLMRoleAssistant, m.OfAssistant.Content.OfString.Value
	default:
		return "", ""
	}
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	events []realtime.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev realtime.Event) {
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) count(table, action string) int {
	n := 0
	for _, ev := range p.events {
		if ev.Table == table && ev.Action == action {
			n++
		}
	}
	return n
}

// harness is a fully wired pipeline over in-memory collaborators.
type harness struct {
	store     *store.InMemoryStore
	tenant    models.Tenant
	sender    *twiliowhatsapp.MockClient
	llm       *testutil.MockLLM
	calendar  *testutil.MockCalendar
	publisher *recordingPublisher
	pipeline  *Pipeline
}

func newHarness(t *testing.T, llm *testutil.MockLLM) *harness {
	t.Helper()
	st := store.NewInMemoryStore()
	tenant := testutil.SeedTenant(t, st, "Acme Onderhoud")
	h := &harness{
		store:     st,
		tenant:    tenant,
		sender:    twiliowhatsapp.NewMockClient(),
		llm:       llm,
		calendar:  &testutil.MockCalendar{},
		publisher: &recordingPublisher{},
	}
	resolver := NewContactResolver(st, NewAddressTenantPolicy(st, tenant.ID))
	orchestrator := NewOrchestrator(llm, NewContextBuilder(st, DefaultHistoryLimit), NewAppointmentTool(st, h.calendar))
	dispatcher := messaging.NewDispatcher(h.sender, st, h.publisher)
	h.pipeline = NewPipeline(st, resolver, orchestrator, dispatcher, h.publisher)
	return h
}

// contact returns the stored contact for address or fails the test.
func (h *harness) contact(t *testing.T, address string) models.Contact {
	t.Helper()
	c, err := h.store.FindContact(context.Background(), h.tenant.ID, address)
	if err != nil {
		t.Fatalf("contact %s not found: %v", address, err)
	}
	return c
}

var _ calendar.Creator = (*testutil.MockCalendar)(nil)
