package schema

// MessageRole tags conversation history items for the Agent Runner.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// MessageItem is one entry in the run's conversation history. The ID of a
// user item doubles as the input-item identity the wait/while handlers use
// to tell a new message apart from a re-delivery of the same one.
type MessageItem struct {
	ID      string      `json:"id"`
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// Trigger is the external event that starts or resumes a run on a thread:
// a new user message, a widget action callback, or a scheduler firing.
type Trigger struct {
	ThreadID    string         `json:"thread_id"`
	InputItemID string         `json:"input_item_id,omitempty"`
	Text        string         `json:"text,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}
