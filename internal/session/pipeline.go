package session

import (
	"context"
	"errors"

	"github.com/Pavinberg/qwen-chat-shell/internal/llm"
	"github.com/Pavinberg/qwen-chat-shell/internal/logging"
	"github.com/Pavinberg/qwen-chat-shell/internal/markdown"
)

var log = logging.Get()

// Chunk is one streamed slice of the response. Span is the range the chunk
// occupies in the accumulated response text.
type Chunk struct {
	Content string
	Span    markdown.Span
}

// ChunkFunc receives streamed chunks as they arrive.
type ChunkFunc func(Chunk)

// Result is a completed exchange: the full response text and the decoration
// set computed from it in a single pass after the final chunk.
type Result struct {
	Response      string
	Decorations   []markdown.Decoration
	Clipped       bool
	RetainedTurns int
}

// Pipeline builds wire payloads from a session, issues them, and feeds the
// response back into the history and the decoration engine.
type Pipeline struct {
	client *llm.Client
	hl     markdown.Highlighter
}

// NewPipeline creates a pipeline over the given transport client and
// highlighter capability (hl may be nil for undecorated operation).
func NewPipeline(client *llm.Client, hl markdown.Highlighter) *Pipeline {
	return &Pipeline{client: client, hl: hl}
}

// buildMessages assembles the wire message array: optional system message,
// windowed prior turns, then the new request as the final user message.
func (p *Pipeline) buildMessages(s *Session, request string) (msgs []llm.Message, clipped bool, retained int) {
	if s.SystemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: s.SystemPrompt})
	}

	var prior []llm.Message
	if s.TurnBudget != nil {
		prior = FlattenHistory(SelectTurns(s.History, *s.TurnBudget))
	} else {
		prior, clipped = SelectWindow(s.History, s.Model)
		if clipped {
			log.Warn("History clipped to fit %s token budget (%d messages, %d turns retained)",
				s.Model.ID, len(prior), RetainedTurns(prior))
		}
	}
	msgs = append(msgs, prior...)
	msgs = append(msgs, llm.Message{Role: "user", Content: request})
	return msgs, clipped, RetainedTurns(prior)
}

// Send issues one exchange. With stream set, onChunk receives each partial
// chunk; the decoration set is computed exactly once, after the final
// chunk. On success the turn is appended to the history. On transport or
// protocol failure the history is left untouched; on interrupt (context
// cancellation) the turn is recorded failed with the request kept visible
// and any partial output discarded.
func (p *Pipeline) Send(ctx context.Context, s *Session, request string, stream bool, onChunk ChunkFunc) (*Result, error) {
	msgs, clipped, retained := p.buildMessages(s, request)

	req := &llm.ChatRequest{
		Model:       s.Model.ID,
		Messages:    msgs,
		Temperature: s.Temperature,
		Extra:       s.Extra,
	}

	var response string
	var err error
	if stream {
		buffer := NewStreamBuffer()
		err = p.client.ChatStream(ctx, req, func(event llm.StreamEvent) {
			if event.Type != "content" || event.Content == "" {
				return
			}
			span := buffer.Append(event.Content)
			if onChunk != nil {
				onChunk(Chunk{Content: event.Content, Span: span})
			}
		})
		response = buffer.Text()
	} else {
		response, err = p.client.Chat(ctx, req)
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			s.RecordFailed(request)
		}
		return nil, err
	}

	s.AppendTurn(request, response)

	els := markdown.Scan(response)
	return &Result{
		Response:      response,
		Decorations:   markdown.Render(response, els, p.hl),
		Clipped:       clipped,
		RetainedTurns: retained,
	}, nil
}
