package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/realtime"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/testutil"
	"github.com/BTreeMap/LeadPipe/internal/twiliowhatsapp"
)

const leadAddress = "whatsapp:+31612345678"

func inbound(sid, body string) models.InboundMessage {
	return models.InboundMessage{From: leadAddress, To: "whatsapp:+14155238886", Body: body, MessageSID: sid}
}

func TestPipeline_HandleInbound_Replies(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testutil.NewTextLLM("Goedemiddag! Waarmee kan ik helpen?"))

	outcome, err := h.pipeline.HandleInbound(ctx, inbound("SM100", "Hallo"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeReplied {
		t.Fatalf("outcome = %s, want %s", outcome, OutcomeReplied)
	}

	contact := h.contact(t, leadAddress)
	msgs := testutil.Messages(t, h.store, contact)
	if len(msgs) != 2 {
		t.Fatalf("expected inbound and reply, got %d messages", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[0].Body != "Hallo" || msgs[0].ProviderMessageID != "SM100" {
		t.Errorf("unexpected inbound record %+v", msgs[0])
	}
	sent := h.sender.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected one send, got %d", len(sent))
	}
	if msgs[1].Role != models.RoleAgent || msgs[1].ProviderMessageID != sent[0].SID {
		t.Errorf("agent reply should carry the gateway sid, got %+v", msgs[1])
	}
	if sent[0].To != leadAddress || sent[0].Body != "Goedemiddag! Waarmee kan ik helpen?" {
		t.Errorf("unexpected send %+v", sent[0])
	}
	if h.publisher.count(realtime.TableMessages, realtime.ActionInsert) != 2 {
		t.Errorf("expected two message events, got %+v", h.publisher.events)
	}
}

func TestPipeline_HandleInbound_PausedStoresOnly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testutil.NewTextLLM("should not be sent"))
	if _, err := h.pipeline.ToggleAIPause(ctx, h.tenant.ID); err != nil {
		t.Fatalf("toggle failed: %v", err)
	}

	outcome, err := h.pipeline.HandleInbound(ctx, inbound("SM200", "Is er iemand?"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomePaused {
		t.Errorf("outcome = %s, want %s", outcome, OutcomePaused)
	}
	if msgs := testutil.Messages(t, h.store, h.contact(t, leadAddress)); len(msgs) != 1 {
		t.Errorf("expected exactly the inbound message, got %d", len(msgs))
	}
	if len(h.sender.Sent()) != 0 {
		t.Error("nothing may be sent while paused")
	}
	if h.llm.CallCount() != 0 {
		t.Error("the model must not be called while paused")
	}
}

func TestPipeline_HandleInbound_Duplicate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testutil.NewTextLLM("Hoi"))

	if _, err := h.pipeline.HandleInbound(ctx, inbound("SM300", "Hallo")); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	before := h.contact(t, leadAddress)
	outcome, err := h.pipeline.HandleInbound(ctx, inbound("SM300", "Hallo"))
	if err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if outcome != OutcomeDuplicate {
		t.Errorf("outcome = %s, want %s", outcome, OutcomeDuplicate)
	}
	after := h.contact(t, leadAddress)
	if msgs := testutil.Messages(t, h.store, after); len(msgs) != 2 {
		t.Errorf("redelivery must not add messages, got %d", len(msgs))
	}
	if !after.LastMessageAt.Equal(before.LastMessageAt) {
		t.Error("redelivery must not touch the contact")
	}
	if len(h.sender.Sent()) != 1 {
		t.Errorf("redelivery must not send again, got %d sends", len(h.sender.Sent()))
	}
}

func TestPipeline_HandleInbound_RedeliveryAfterLLMFailureReplies(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testutil.NewTextLLM("Excuses voor het wachten, hoe kan ik helpen?"))
	h.llm.Err = errors.New("upstream 500")

	if _, err := h.pipeline.HandleInbound(ctx, inbound("SM777", "Hallo")); !errors.Is(err, ErrLLMFailed) {
		t.Fatalf("expected ErrLLMFailed on first delivery, got %v", err)
	}
	if len(h.sender.Sent()) != 0 {
		t.Fatal("nothing may be sent after an LLM failure")
	}

	h.llm.Err = nil
	outcome, err := h.pipeline.HandleInbound(ctx, inbound("SM777", "Hallo"))
	if err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if outcome != OutcomeReplied {
		t.Fatalf("outcome = %s, want %s", outcome, OutcomeReplied)
	}
	if h.llm.CallCount() != 2 {
		t.Errorf("expected the model to be called again, got %d calls", h.llm.CallCount())
	}
	sent := h.sender.Sent()
	if len(sent) != 1 || sent[0].Body != "Excuses voor het wachten, hoe kan ik helpen?" {
		t.Fatalf("expected one reply after redelivery, got %+v", sent)
	}
	msgs := testutil.Messages(t, h.store, h.contact(t, leadAddress))
	if len(msgs) != 2 || msgs[0].Role != models.RoleUser || msgs[1].Role != models.RoleAgent {
		t.Fatalf("expected the inbound stored once followed by the reply, got %+v", msgs)
	}

	// Answered now, so a third delivery is a plain duplicate.
	outcome, err = h.pipeline.HandleInbound(ctx, inbound("SM777", "Hallo"))
	if err != nil || outcome != OutcomeDuplicate {
		t.Errorf("expected duplicate after the reply, got %s, %v", outcome, err)
	}
	if len(h.sender.Sent()) != 1 || h.llm.CallCount() != 2 {
		t.Error("an answered redelivery must not call the model or send")
	}
}

func TestPipeline_HandleInbound_RedeliveryAfterSendFailureReplies(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testutil.NewTextLLM("Hoi"))
	h.sender.Err = twiliowhatsapp.ErrMockSendFailed

	if _, err := h.pipeline.HandleInbound(ctx, inbound("SM778", "Hallo")); !errors.Is(err, messaging.ErrSendFailed) {
		t.Fatalf("expected ErrSendFailed, got %v", err)
	}
	h.sender.Err = nil
	if outcome, err := h.pipeline.HandleInbound(ctx, inbound("SM778", "Hallo")); err != nil || outcome != OutcomeReplied {
		t.Fatalf("expected reply on redelivery, got %s, %v", outcome, err)
	}
	if msgs := testutil.Messages(t, h.store, h.contact(t, leadAddress)); len(msgs) != 2 {
		t.Errorf("expected inbound and reply, got %d messages", len(msgs))
	}
}

func TestPipeline_HandleInbound_RedeliveryWhilePaused(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testutil.NewTextLLM("Hoi"))
	if _, err := h.pipeline.ToggleAIPause(ctx, h.tenant.ID); err != nil {
		t.Fatalf("toggle failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		outcome, err := h.pipeline.HandleInbound(ctx, inbound("SM779", "Hallo"))
		if err != nil || outcome != OutcomePaused {
			t.Fatalf("delivery %d: expected paused, got %s, %v", i, outcome, err)
		}
	}
	if msgs := testutil.Messages(t, h.store, h.contact(t, leadAddress)); len(msgs) != 1 {
		t.Errorf("redelivery must not store the message twice, got %d", len(msgs))
	}
	if h.llm.CallCount() != 0 {
		t.Error("the model must not be called while paused")
	}
}

func TestPipeline_HandleInbound_Errors(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t, testutil.NewTextLLM("x"))
	if _, err := h.pipeline.HandleInbound(ctx, models.InboundMessage{Body: "no sender"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}

	h = newHarness(t, &testutil.MockLLM{Err: errors.New("upstream 500")})
	if _, err := h.pipeline.HandleInbound(ctx, inbound("SM400", "Hallo")); !errors.Is(err, ErrLLMFailed) {
		t.Errorf("expected ErrLLMFailed, got %v", err)
	}
	if msgs := testutil.Messages(t, h.store, h.contact(t, leadAddress)); len(msgs) != 1 {
		t.Errorf("the inbound message must survive an LLM failure, got %d", len(msgs))
	}

	h = newHarness(t, testutil.NewTextLLM("x"))
	h.sender.Err = twiliowhatsapp.ErrMockSendFailed
	if _, err := h.pipeline.HandleInbound(ctx, inbound("SM401", "Hallo")); !errors.Is(err, messaging.ErrSendFailed) {
		t.Errorf("expected ErrSendFailed, got %v", err)
	}
	if msgs := testutil.Messages(t, h.store, h.contact(t, leadAddress)); len(msgs) != 1 {
		t.Errorf("a failed send must not be recorded, got %d messages", len(msgs))
	}
}

func TestPipeline_HandleStatusCallback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testutil.NewTextLLM("Hoi"))
	if _, err := h.pipeline.HandleInbound(ctx, inbound("SM500", "Hallo")); err != nil {
		t.Fatalf("inbound failed: %v", err)
	}
	sid := h.sender.Sent()[0].SID

	if err := h.pipeline.HandleStatusCallback(ctx, models.StatusCallback{MessageSID: sid, Status: "delivered"}); err != nil {
		t.Fatalf("status callback failed: %v", err)
	}
	msgs := testutil.Messages(t, h.store, h.contact(t, leadAddress))
	if msgs[1].ProviderStatus != "delivered" {
		t.Errorf("status not applied, got %q", msgs[1].ProviderStatus)
	}
	if msgs[0].ProviderStatus != "" {
		t.Errorf("other messages must keep their status, got %q", msgs[0].ProviderStatus)
	}
	if h.publisher.count(realtime.TableMessages, realtime.ActionUpdate) != 1 {
		t.Fatalf("expected one message update event, got %+v", h.publisher.events)
	}
	last := h.publisher.events[len(h.publisher.events)-1]
	if rec, ok := last.Record.(models.Message); !ok || rec.ProviderStatus != "delivered" || last.Columns["contact_id"] != msgs[1].ContactID {
		t.Errorf("update event should carry the updated message, got %+v", last)
	}

	if err := h.pipeline.HandleStatusCallback(ctx, models.StatusCallback{MessageSID: "SMunknown", Status: "read"}); err != nil {
		t.Errorf("unknown sid should be a no-op, got %v", err)
	}
	if h.publisher.count(realtime.TableMessages, realtime.ActionUpdate) != 1 {
		t.Errorf("an unknown sid must not publish an event")
	}
	if err := h.pipeline.HandleStatusCallback(ctx, models.StatusCallback{MessageSID: sid}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for missing status, got %v", err)
	}
}

func TestPipeline_ToggleAIPause(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testutil.NewTextLLM("x"))

	for i, want := range []bool{true, false, true} {
		state, err := h.pipeline.ToggleAIPause(ctx, h.tenant.ID)
		if err != nil {
			t.Fatalf("toggle %d failed: %v", i, err)
		}
		if state.AIPaused != want {
			t.Errorf("toggle %d: ai_paused = %v, want %v", i, state.AIPaused, want)
		}
		if state.Message != models.NewAIPauseState(want).Message {
			t.Errorf("toggle %d: unexpected message %q", i, state.Message)
		}
	}
	current, err := h.pipeline.AIPauseState(ctx, h.tenant.ID)
	if err != nil || !current.AIPaused {
		t.Errorf("expected paused state, got %+v, %v", current, err)
	}
	if h.publisher.count(realtime.TableOrganizations, realtime.ActionUpdate) != 3 {
		t.Errorf("each toggle should publish an update")
	}
	if _, err := h.pipeline.ToggleAIPause(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown tenant, got %v", err)
	}
}

func TestPipeline_SendHumanReply(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testutil.NewTextLLM("x"))
	contact := testutil.SeedContact(t, h.store, h.tenant.ID, leadAddress)

	msg, err := h.pipeline.SendHumanReply(ctx, h.tenant.ID, contact.ID, models.HumanReplyRequest{Message: "Ik bel je morgen"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Role != models.RoleHuman || msg.ProviderMessageID == "" {
		t.Errorf("unexpected record %+v", msg)
	}
	if len(h.sender.Sent()) != 1 {
		t.Errorf("expected one send")
	}

	if _, err := h.pipeline.SendHumanReply(ctx, h.tenant.ID, contact.ID, models.HumanReplyRequest{Message: "  "}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for blank message, got %v", err)
	}
	other := testutil.SeedTenant(t, h.store, "Other")
	if _, err := h.pipeline.SendHumanReply(ctx, other.ID, contact.ID, models.HumanReplyRequest{Message: "hoi"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("a contact of another tenant must not be reachable, got %v", err)
	}
}

func TestPipeline_DeleteConversation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testutil.NewTextLLM("Hoi"))
	if _, err := h.pipeline.HandleInbound(ctx, inbound("SM600", "Hallo")); err != nil {
		t.Fatalf("inbound failed: %v", err)
	}
	contact := h.contact(t, leadAddress)

	n, err := h.pipeline.DeleteConversation(ctx, h.tenant.ID, contact.ID)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 deleted messages, got %d", n)
	}
	if msgs := testutil.Messages(t, h.store, contact); len(msgs) != 0 {
		t.Errorf("conversation should be empty, got %d", len(msgs))
	}
	if h.publisher.count(realtime.TableMessages, realtime.ActionDelete) != 1 {
		t.Error("expected a delete event")
	}
}
