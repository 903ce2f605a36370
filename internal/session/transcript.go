package session

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/Pavinberg/qwen-chat-shell/internal/markdown"
)

var (
	ErrInvalidTranscript = errors.New("invalid transcript")
	ErrNoExchangeAtPoint = errors.New("no exchange at point")
)

// PromptMarker starts each exchange in a serialized transcript.
const PromptMarker = "Qwen> "

// promptRe recognizes the prompt marker, with or without the parenthesized
// model annotation some front ends add (e.g. "Qwen(qwen-max)> ").
var promptRe = regexp.MustCompile(`(?m)^Qwen(?:\([^)]*\))?> `)

// blankLineRe matches one or more blank lines, including lines holding
// only whitespace.
var blankLineRe = regexp.MustCompile(`\n[ \t]*\n+`)

// flattenRequest collapses blank lines inside a request. A blank line in a
// serialized request would read as the request/response divider on parse.
func flattenRequest(request string) string {
	return blankLineRe.ReplaceAllString(strings.TrimSpace(request), "\n")
}

// SerializeTranscript renders the completed turns of a history into the
// transcript text format: each exchange starts at a prompt marker, the
// request runs to the first blank line, and the response fills the rest.
func SerializeTranscript(history []Turn) string {
	var b strings.Builder
	for _, t := range history {
		if !t.Done {
			continue
		}
		b.WriteString(PromptMarker)
		b.WriteString(flattenRequest(t.Request))
		b.WriteString("\n\n")
		b.WriteString(strings.TrimSpace(t.Response))
		b.WriteString("\n\n")
	}
	return b.String()
}

type exchange struct {
	span markdown.Span // from this marker to the next (or end of text)
	turn Turn
}

// parseExchanges splits transcript text on the prompt marker and pairs each
// request with the response that follows it. Strict alternation: every
// exchange must have both a request and a response.
func parseExchanges(text string) ([]exchange, error) {
	markers := promptRe.FindAllStringIndex(text, -1)
	if len(markers) == 0 {
		if strings.TrimSpace(text) != "" {
			return nil, fmt.Errorf("%w: no prompt marker found", ErrInvalidTranscript)
		}
		return nil, nil
	}
	if strings.TrimSpace(text[:markers[0][0]]) != "" {
		return nil, fmt.Errorf("%w: content before first prompt", ErrInvalidTranscript)
	}

	exchanges := make([]exchange, 0, len(markers))
	for i, m := range markers {
		end := len(text)
		if i+1 < len(markers) {
			end = markers[i+1][0]
		}
		chunk := text[m[1]:end]

		request := chunk
		response := ""
		if sep := strings.Index(chunk, "\n\n"); sep >= 0 {
			request = chunk[:sep]
			response = chunk[sep+2:]
		}
		request = strings.TrimSpace(request)
		response = strings.TrimSpace(response)

		if request == "" {
			return nil, fmt.Errorf("%w: exchange %d has no request", ErrInvalidTranscript, i+1)
		}
		if response == "" {
			return nil, fmt.Errorf("%w: exchange %d has no response", ErrInvalidTranscript, i+1)
		}

		exchanges = append(exchanges, exchange{
			span: markdown.Span{Start: m[0], End: end},
			turn: Turn{Request: request, Response: response, Done: true},
		})
	}
	return exchanges, nil
}

// ParseTranscript restores a history from transcript text. A transcript
// violating the user-to-assistant pairing convention is rejected whole; the
// in-memory history is never partially replaced.
func ParseTranscript(text string) ([]Turn, error) {
	exchanges, err := parseExchanges(text)
	if err != nil {
		return nil, err
	}
	history := make([]Turn, 0, len(exchanges))
	for _, ex := range exchanges {
		history = append(history, ex.turn)
	}
	return history, nil
}

// ExchangeAt returns the turn whose transcript region contains the
// position, along with its index.
func ExchangeAt(text string, pos int) (Turn, int, error) {
	exchanges, err := parseExchanges(text)
	if err != nil {
		return Turn{}, 0, err
	}
	for i, ex := range exchanges {
		if ex.span.Contains(pos) {
			return ex.turn, i, nil
		}
	}
	return Turn{}, 0, ErrNoExchangeAtPoint
}
