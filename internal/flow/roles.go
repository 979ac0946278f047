package flow

import (
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/openai/openai-go"
)

// Chat roles understood by the LLM.
const (
	LLMRoleUser      = "user"
	LLMRoleAssistant = "assistant"
)

// llmRoles maps conversation roles onto chat roles. Only the agent speaks as the assistant;
// operators, contacts and system notes all reach the model as user turns.
var llmRoles = map[models.Role]string{
	models.RoleUser:   LLMRoleUser,
	models.RoleHuman:  LLMRoleUser,
	models.RoleSystem: LLMRoleUser,
	models.RoleAgent:  LLMRoleAssistant,
}

// LLMRole returns the chat role a stored message is replayed under. Unknown roles map to user.
func LLMRole(r models.Role) string {
	if role, ok := llmRoles[r]; ok {
		return role
	}
	return LLMRoleUser
}

// toChatMessage converts a stored message into a chat turn.
func toChatMessage(m models.Message) openai.ChatCompletionMessageParamUnion {
	if LLMRole(m.Role) == LLMRoleAssistant {
		return openai.AssistantMessage(m.Body)
	}
	return openai.UserMessage(m.Body)
}
