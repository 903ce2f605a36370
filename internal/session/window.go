package session

import (
	"github.com/Pavinberg/qwen-chat-shell/internal/llm"
)

// DefaultTurnBudget is the turn count sent when no explicit budget and no
// token windowing applies.
const DefaultTurnBudget = 1024

// FlattenHistory converts turns into wire messages: every request becomes a
// user message, and responses of completed turns follow as assistant
// messages. Failed turns contribute their request only.
func FlattenHistory(history []Turn) []llm.Message {
	msgs := make([]llm.Message, 0, 2*len(history))
	for _, t := range history {
		msgs = append(msgs, llm.Message{Role: "user", Content: t.Request})
		if t.Done {
			msgs = append(msgs, llm.Message{Role: "assistant", Content: t.Response})
		}
	}
	return msgs
}

// ApproxTokens approximates the token cost of sending the messages to the
// model: a fixed overhead of 3, plus per message the model's per-message
// overhead and the content length divided by it.
func ApproxTokens(m llm.Model, msgs []llm.Message) int {
	total := 3
	for _, msg := range msgs {
		total += m.TokensPerMessage + len(msg.Content)/m.TokensPerMessage
	}
	return total
}

// SelectWindow returns the suffix of the flattened history that fits the
// model's token budget, dropping the oldest message at a time. Dropping
// single messages can leave an assistant message first at the trimmed edge;
// that is accepted, the model treats it as earlier context. clipped reports
// whether anything was dropped so the caller can surface a warning.
func SelectWindow(history []Turn, m llm.Model) (msgs []llm.Message, clipped bool) {
	msgs = FlattenHistory(history)
	for len(msgs) > 0 && ApproxTokens(m, msgs) > m.MaxTokens {
		msgs = msgs[1:]
		clipped = true
	}
	return msgs, clipped
}

// RetainedTurns is the turn count the windowed message list still
// represents.
func RetainedTurns(msgs []llm.Message) int {
	return len(msgs) / 2
}

// SelectTurns returns the last n turns. It never splits a turn. n = 0
// sends no history.
func SelectTurns(history []Turn, n int) []Turn {
	if n <= 0 {
		return nil
	}
	if n >= len(history) {
		return history
	}
	return history[len(history)-n:]
}
