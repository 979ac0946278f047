package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/openai/openai-go"
)

// DefaultHistoryLimit is how many stored messages are replayed to the model.
const DefaultHistoryLimit = 10

// systemPromptTemplate is the agent persona. %s is the contact's display name.
const systemPromptTemplate = `Je bent een vriendelijke klantenservice agent voor een onderhoud- en renovatiebedrijf.

Je kunt de volgende functies gebruiken:
- Beantwoord vragen over onze diensten
- Geef advies over onderhoud
- Help klanten met het inplannen van afspraken

Als iemand een afspraak wil inplannen, vraag dan naar:
- De gewenste datum (YYYY-MM-DD formaat)
- Starttijd (HH:MM formaat)
- Eindtijd (HH:MM formaat)

Antwoord in het Nederlands en houd het kort en professioneel.
De contactpersoon heet: %s`

// SystemPrompt renders the persona for a contact.
func SystemPrompt(displayName string) string {
	return fmt.Sprintf(systemPromptTemplate, displayName)
}

// HistoryReader reads the recent conversation of a contact.
type HistoryReader interface {
	RecentMessages(ctx context.Context, contactID string, limit int) ([]models.Message, error)
}

// ContextBuilder assembles the chat messages sent to the model.
type ContextBuilder struct {
	history HistoryReader
	limit   int
}

// NewContextBuilder creates a builder replaying up to limit stored messages.
// A non-positive limit selects DefaultHistoryLimit.
func NewContextBuilder(history HistoryReader, limit int) *ContextBuilder {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &ContextBuilder{history: history, limit: limit}
}

// Build returns the system prompt, the most recent stored messages oldest first, and the
// inbound text as the final user turn. The inbound message is usually already stored, so
// it may appear twice at the end; that duplication is expected.
func (b *ContextBuilder) Build(ctx context.Context, contact models.Contact, inboundBody string) ([]openai.ChatCompletionMessageParamUnion, error) {
	recent, err := b.history.RecentMessages(ctx, contact.ID, b.limit)
	if err != nil {
		slog.Error("ContextBuilder.Build: failed to load history", "error", err, "contactID", contact.ID)
		return nil, fmt.Errorf("failed to load conversation history: %w", err)
	}

	name := contact.DisplayName
	if name == "" {
		name = models.DisplayNameFromAddress(contact.Address)
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(recent)+2)
	messages = append(messages, openai.SystemMessage(SystemPrompt(name)))
	for _, m := range recent {
		messages = append(messages, toChatMessage(m))
	}
	messages = append(messages, openai.UserMessage(inboundBody))

	slog.Debug("ContextBuilder.Build: context assembled", "contactID", contact.ID, "historyCount", len(recent), "messageCount", len(messages))
	return messages, nil
}
