package llm

import "encoding/json"

// Request types for the DashScope/OpenAI-compatible chat completions API.

// Message is a single wire-level chat message.
type Message struct {
	Role    string `json:"role"` // "system", "user", or "assistant"
	Content string `json:"content"`
}

// ChatRequest is the body of a chat completions call. Extra holds opaque
// pass-through fields supplied by the caller; they never override the
// fixed fields.
type ChatRequest struct {
	Model       string         `json:"model"`
	Messages    []Message      `json:"messages"`
	Temperature *float64       `json:"temperature,omitempty"`
	Stream      bool           `json:"stream,omitempty"`
	Extra       map[string]any `json:"-"`
}

// MarshalJSON merges Extra into the encoded payload.
func (r ChatRequest) MarshalJSON() ([]byte, error) {
	type plain ChatRequest
	base, err := json.Marshal(plain(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return base, nil
	}

	var merged map[string]any
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		if _, fixed := merged[k]; fixed {
			continue
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Response types

type ChatResponse struct {
	ID      string    `json:"id"`
	Choices []Choice  `json:"choices"`
	Error   *APIError `json:"error,omitempty"`
}

type Choice struct {
	Index        int    `json:"index"`
	Delta        *Delta `json:"delta,omitempty"`
	Message      *Delta `json:"message,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
}

type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// StreamEvent represents a parsed event from the SSE stream.
type StreamEvent struct {
	Type    string // "content", "done", "error"
	Content string // for "content" events
	Error   string // for "error" events
}
