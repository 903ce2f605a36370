// Package highlight provides the chroma-backed syntax highlighter used for
// fenced block bodies. It implements the markdown.Highlighter capability.
package highlight

import (
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/lexers"

	"github.com/Pavinberg/qwen-chat-shell/internal/markdown"
)

// Registry resolves language tags to highlight functions backed by chroma
// lexers. A tag with no lexer resolves to nothing; the decoration engine
// then falls back to one flat doc style.
type Registry struct{}

// NewRegistry returns the default highlighter registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Lookup returns a highlight function for the language tag, if chroma has a
// lexer for it.
func (r *Registry) Lookup(language string) (markdown.HighlightFunc, bool) {
	lexer := lexers.Get(language)
	if lexer == nil {
		return nil, false
	}
	lexer = chroma.Coalesce(lexer)

	return func(code string) []markdown.StyledRun {
		iterator, err := lexer.Tokenise(nil, code)
		if err != nil {
			return nil
		}

		var runs []markdown.StyledRun
		offset := 0
		for _, token := range iterator.Tokens() {
			length := len(token.Value)
			if style := styleFor(token.Type); style != "" && strings.TrimSpace(token.Value) != "" {
				runs = append(runs, markdown.StyledRun{
					Start: offset,
					End:   offset + length,
					Style: style,
				})
			}
			offset += length
		}
		return runs
	}, true
}

// styleFor maps chroma token categories onto the front end's style names.
// Unmapped categories render unstyled.
func styleFor(t chroma.TokenType) string {
	switch {
	case t.InCategory(chroma.Keyword):
		return "keyword"
	case t.InCategory(chroma.LiteralString):
		return "string"
	case t.InCategory(chroma.LiteralNumber):
		return "number"
	case t.InCategory(chroma.Comment):
		return "comment"
	case t == chroma.NameFunction || t == chroma.NameClass:
		return "definition"
	case t.InCategory(chroma.Name):
		return "name"
	case t.InCategory(chroma.Operator):
		return "operator"
	default:
		return ""
	}
}
