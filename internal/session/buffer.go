package session

import (
	"strings"

	"github.com/Pavinberg/qwen-chat-shell/internal/markdown"
)

// StreamBuffer accumulates streamed response chunks and tracks the
// insertion marker. The marker advances by the exact length of each
// inserted chunk, so chunk spans stay offset-correct even though the text
// grows under them.
type StreamBuffer struct {
	text   strings.Builder
	marker int
}

// NewStreamBuffer returns an empty buffer with the marker at offset 0.
func NewStreamBuffer() *StreamBuffer {
	return &StreamBuffer{}
}

// Append inserts a chunk at the marker and returns the span it now covers.
func (b *StreamBuffer) Append(chunk string) markdown.Span {
	span := markdown.Span{Start: b.marker, End: b.marker + len(chunk)}
	b.text.WriteString(chunk)
	b.marker = span.End
	return span
}

// Text returns the accumulated text.
func (b *StreamBuffer) Text() string {
	return b.text.String()
}

// Marker returns the current insertion offset.
func (b *StreamBuffer) Marker() int {
	return b.marker
}
