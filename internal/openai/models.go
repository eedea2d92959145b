package openai

import "encoding/json"

type Thread struct {
	ID        string            `json:"id"`
	Object    string            `json:"object"`
	CreatedAt int64             `json:"created_at"`
	Metadata  map[string]string `json:"metadata"`
}

type Assistant struct {
	ID           string `json:"id"`
	Object       string `json:"object"`
	CreatedAt    int64  `json:"created_at"`
	Name         string `json:"name"`
	Model        string `json:"model"`
	Instructions string `json:"instructions"`
}

type AssistantRequest struct {
	Model        string    `json:"model"`
	Name         string    `json:"name,omitempty"`
	Instructions string    `json:"instructions,omitempty"`
	Temperature  *float64  `json:"temperature,omitempty"`
	Tools        []ToolDef `json:"tools,omitempty"`
}

type ToolDef struct {
	Type     string       `json:"type"`
	Function *FunctionDef `json:"function,omitempty"`
}

type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// MessageRequest is the create-message payload. Content is always sent as a
// structured part list so text-only and text+image messages share one shape.
type MessageRequest struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

type ContentPart struct {
	Type     string        `json:"type"` // "text" or "image_url"
	Text     string        `json:"text,omitempty"`
	ImageURL *ImageURLPart `json:"image_url,omitempty"`
}

type ImageURLPart struct {
	URL string `json:"url"`
}

type Message struct {
	ID          string           `json:"id"`
	Object      string           `json:"object"`
	CreatedAt   int64            `json:"created_at"`
	AssistantID *string          `json:"assistant_id"` // Null for user messages
	ThreadID    string           `json:"thread_id"`
	RunID       *string          `json:"run_id"` // Null for user messages
	Role        string           `json:"role"`
	Content     []MessageContent `json:"content"`
}

// MessageContent is the response-side content shape; unlike ContentPart the
// text carries a value/annotations object.
type MessageContent struct {
	Type string       `json:"type"`
	Text *MessageText `json:"text,omitempty"`
}

type MessageText struct {
	Value       string `json:"value"`
	Annotations []any  `json:"annotations"`
}

type MessageList struct {
	Object  string    `json:"object"`
	Data    []Message `json:"data"`
	FirstID string    `json:"first_id"`
	LastID  string    `json:"last_id"`
	HasMore bool      `json:"has_more"`
}

type RunRequest struct {
	AssistantID string   `json:"assistant_id"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type Run struct {
	ID             string          `json:"id"`
	Object         string          `json:"object"`
	CreatedAt      int64           `json:"created_at"`
	AssistantID    string          `json:"assistant_id"`
	ThreadID       string          `json:"thread_id"`
	Status         string          `json:"status"`
	RequiredAction *RequiredAction `json:"required_action"` // Set while status is requires_action
	LastError      *RunError       `json:"last_error"`
}

// Provider-reported run statuses, plus nothing local: the engine layers its
// own timeout on top of these.
const (
	RunStatusQueued         = "queued"
	RunStatusInProgress     = "in_progress"
	RunStatusRequiresAction = "requires_action"
	RunStatusCompleted      = "completed"
	RunStatusFailed         = "failed"
	RunStatusCancelled      = "cancelled"
	RunStatusExpired        = "expired"
)

type RequiredAction struct {
	Type              string                   `json:"type"`
	SubmitToolOutputs *SubmitToolOutputsAction `json:"submit_tool_outputs"`
}

type SubmitToolOutputsAction struct {
	ToolCalls []ToolCall `json:"tool_calls"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON-encoded argument object
}

type ToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Transcription struct {
	Text string `json:"text"`
}

type apiErrorEnvelope struct {
	Error struct {
		Message string          `json:"message"`
		Type    string          `json:"type"`
		Code    json.RawMessage `json:"code"`
	} `json:"error"`
}
