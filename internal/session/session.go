// Package session owns a conversation's state: the selected model, the
// active system prompt, the turn history, and the request/response pipeline
// that advances it.
package session

import (
	"github.com/Pavinberg/qwen-chat-shell/internal/llm"
)

// Turn is one user request paired with its model response. A turn whose
// response has not arrived yet is in flight; an interrupted or failed
// exchange keeps the request visible with Failed set.
type Turn struct {
	Request  string `json:"request"`
	Response string `json:"response,omitempty"`
	Done     bool   `json:"done"`
	Failed   bool   `json:"failed,omitempty"`
}

// Session is one conversation. It is passed explicitly to every pipeline
// call; there is no process-wide current session.
type Session struct {
	Model        llm.Model
	SystemPrompt string // empty = no system message on the wire
	History      []Turn

	// TurnBudget, when set, bypasses token approximation and sends the
	// last N turns verbatim (0 = no history). Unset selects token
	// windowing against Model's budget.
	TurnBudget *int

	Temperature *float64
	Extra       map[string]any // opaque pass-through payload fields
}

// New creates a session for the given model.
func New(model llm.Model) *Session {
	return &Session{Model: model}
}

// AppendTurn records a completed exchange. The append happens only after a
// request fully succeeds, so readers always see a consistent history.
func (s *Session) AppendTurn(request, response string) {
	s.History = append(s.History, Turn{Request: request, Response: response, Done: true})
}

// RecordFailed records an interrupted exchange: the request stays visible,
// any partial output is discarded.
func (s *Session) RecordFailed(request string) {
	s.History = append(s.History, Turn{Request: request, Failed: true})
}

// ClearHistory drops all recorded turns.
func (s *Session) ClearHistory() {
	s.History = nil
}
