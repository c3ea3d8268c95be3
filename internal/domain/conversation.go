package domain

// Turn is one completed (prompt, response) exchange within a conversation.
// Turns are append-only and their insertion order is conversational order.
type Turn struct {
	Prompt   string
	Response string
}
