package flow

import (
	"testing"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

func TestLLMRole(t *testing.T) {
	tests := []struct {
		role models.Role
		want string
	}{
		{models.RoleUser, LLMRoleUser},
		{models.RoleHuman, LLMRoleUser},
		{models.RoleSystem, LLMRoleUser},
		{models.RoleAgent, LLMRoleAssistant},
		{models.Role("bogus"), LLMRoleUser},
	}
	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			if got := LLMRole(tt.role); got != tt.want {
				t.Errorf("LLMRole(%q) = %q, want %q", tt.role, got, tt.want)
			}
		})
	}
}

func TestToChatMessage(t *testing.T) {
	role, text := chatText(toChatMessage(models.Message{Role: models.RoleAgent, Body: "Goedemiddag"}))
	if role != LLMRoleAssistant || text != "Goedemiddag" {
		t.Errorf("agent message replayed as %s %q", role, text)
	}
	role, text = chatText(toChatMessage(models.Message{Role: models.RoleHuman, Body: "Ik bel je zo"}))
	if role != LLMRoleUser || text != "Ik bel je zo" {
		t.Errorf("human message replayed as %s %q", role, text)
	}
}
