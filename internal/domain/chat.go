package domain

// ChatMessage is the provider-agnostic chat message shape used by the prompt
// builders and LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ConversationTurn is one prior exchange supplied by the client, oldest first.
type ConversationTurn struct {
	Role    string
	Content string
}

// ValidTurnRole reports whether role may appear in client supplied history.
func ValidTurnRole(role string) bool {
	return role == RoleUser || role == RoleAssistant
}
