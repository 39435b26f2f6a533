package models

// QuestionRequest is a single user question addressed to the assistant.
//
// ChatID is optional; when empty the assistant creates a new conversation
// thread and returns its id in the response. Model optionally names a
// registered model provider to use instead of the default.
type QuestionRequest struct {
	Question string `json:"question"`
	ChatID   string `json:"chat_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Model    string `json:"model,omitempty"`
}

// WorkflowRequest runs a named multi-agent workflow over a question.
type WorkflowRequest struct {
	Workflow string `json:"workflow"`
	Question string `json:"question"`
	ChatID   string `json:"chat_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}
