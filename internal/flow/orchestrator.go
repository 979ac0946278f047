package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/LeadPipe/internal/genai"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/openai/openai-go"
)

// ReplyFallback is sent when the model produces neither text nor a usable tool call.
const ReplyFallback = "Sorry, ik kon geen antwoord genereren."

// ErrLLMFailed is returned when the model call fails. No reply is sent in that case.
var ErrLLMFailed = errors.New("llm call failed")

// Reply is the orchestrator's decision for one inbound message.
type Reply struct {
	Text string
	// Tool names the function the model called, empty for free text.
	Tool string
}

// Orchestrator asks the model for a reply and services its tool call, if any.
// One model call per inbound message; tool results are not fed back to the model.
type Orchestrator struct {
	llm          genai.ClientInterface
	context      *ContextBuilder
	appointments *AppointmentTool
}

// NewOrchestrator creates an Orchestrator. A nil appointments tool disables booking.
func NewOrchestrator(llm genai.ClientInterface, builder *ContextBuilder, appointments *AppointmentTool) *Orchestrator {
	return &Orchestrator{llm: llm, context: builder, appointments: appointments}
}

func (o *Orchestrator) tools() []openai.ChatCompletionToolParam {
	if o.appointments == nil {
		return nil
	}
	return []openai.ChatCompletionToolParam{o.appointments.Definition()}
}

// Reply produces the text to send to contact in answer to inboundBody.
func (o *Orchestrator) Reply(ctx context.Context, contact models.Contact, inboundBody string) (Reply, error) {
	messages, err := o.context.Build(ctx, contact, inboundBody)
	if err != nil {
		return Reply{}, err
	}

	resp, err := o.llm.GenerateWithTools(ctx, messages, o.tools())
	if err != nil {
		slog.Error("Orchestrator.Reply: model call failed", "error", err, "contactID", contact.ID)
		return Reply{}, fmt.Errorf("%w: %w", ErrLLMFailed, err)
	}

	if len(resp.ToolCalls) > 0 {
		call := resp.ToolCalls[0]
		if len(resp.ToolCalls) > 1 {
			slog.Warn("Orchestrator.Reply: model returned several tool calls, servicing the first", "count", len(resp.ToolCalls), "contactID", contact.ID)
		}
		if call.Function.Name == string(models.ToolTypeCreateAppointment) && o.appointments != nil {
			text := o.appointments.Execute(ctx, contact, call.Function)
			return Reply{Text: text, Tool: call.Function.Name}, nil
		}
		slog.Warn("Orchestrator.Reply: unknown tool requested", "tool", call.Function.Name, "contactID", contact.ID)
		return Reply{Text: ReplyFallback, Tool: call.Function.Name}, nil
	}

	if resp.Content == "" {
		slog.Warn("Orchestrator.Reply: empty model response, using fallback", "contactID", contact.ID)
		return Reply{Text: ReplyFallback}, nil
	}
	slog.Debug("Orchestrator.Reply: free-text reply", "contactID", contact.ID, "length", len(resp.Content))
	return Reply{Text: resp.Content}, nil
}
