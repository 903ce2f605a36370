package markdown

// DecorationKind classifies a display decoration.
type DecorationKind string

const (
	// DecorationHide marks a range as invisible.
	DecorationHide DecorationKind = "hide"
	// DecorationStyle applies a named style over a range.
	DecorationStyle DecorationKind = "style"
	// DecorationClickable binds a range to an activate interaction that
	// opens URL.
	DecorationClickable DecorationKind = "clickable"
	// DecorationCompactNewline shrinks the newline after a block's
	// language tag so the tag and body render adjacently.
	DecorationCompactNewline DecorationKind = "compact-newline"
)

// Decoration is one non-destructive display attribute over a text range.
type Decoration struct {
	Span  Span           `json:"span"`
	Kind  DecorationKind `json:"kind"`
	Style string         `json:"style,omitempty"`
	URL   string         `json:"url,omitempty"`
}

// Style names understood by the front end.
const (
	StyleDoc           = "doc"
	StyleInlineCode    = "inline-code"
	StyleBlockLanguage = "block-language"
	StyleLink          = "link"
	StyleBold          = "bold"
	StyleItalic        = "italic"
	StyleStrikethrough = "strikethrough"
)

// StyledRun is one styled slice of a highlighted snippet. Offsets are
// relative to the snippet, not the buffer.
type StyledRun struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Style string `json:"style"`
}

// HighlightFunc renders a source snippet into styled runs.
type HighlightFunc func(code string) []StyledRun

// Highlighter resolves a language tag to a highlight capability. Lookup
// returns false when no highlighter exists for the tag; the block body then
// gets one flat doc style.
type Highlighter interface {
	Lookup(language string) (HighlightFunc, bool)
}

// Render computes the full decoration set for a snapshot's elements. It is
// idempotent and a total replacement: the caller must clear every previously
// applied decoration for the buffer before applying a new set, and must
// never diff two sets against each other.
func Render(text string, els Elements, hl Highlighter) []Decoration {
	var decs []Decoration

	for _, b := range els.Blocks {
		decs = append(decs, renderBlock(text, b, hl)...)
	}
	for _, c := range els.InlineCode {
		whole := c.Span()
		decs = appendDecs(decs,
			Decoration{Span: Span{Start: whole.Start, End: c.Body.Start}, Kind: DecorationHide},
			Decoration{Span: c.Body, Kind: DecorationStyle, Style: StyleInlineCode},
			Decoration{Span: Span{Start: c.Body.End, End: whole.End}, Kind: DecorationHide},
		)
	}
	for _, l := range els.Links {
		decs = appendDecs(decs,
			Decoration{Span: Span{Start: l.Whole.Start, End: l.Title.Start}, Kind: DecorationHide},
			Decoration{Span: l.Title, Kind: DecorationStyle, Style: StyleLink},
			Decoration{Span: l.Title, Kind: DecorationClickable, URL: l.URL.Text(text)},
			Decoration{Span: Span{Start: l.Title.End, End: l.Whole.End}, Kind: DecorationHide},
		)
	}
	for _, h := range els.Headers {
		decs = appendDecs(decs,
			Decoration{Span: Span{Start: h.Whole.Start, End: h.Title.Start}, Kind: DecorationHide},
			Decoration{Span: h.Title, Kind: DecorationStyle, Style: headerStyle(h.Level)},
			Decoration{Span: Span{Start: h.Title.End, End: h.Whole.End}, Kind: DecorationHide},
		)
	}
	decs = renderEmphasis(decs, els.Bold, StyleBold)
	decs = renderEmphasis(decs, els.Italic, StyleItalic)
	decs = renderEmphasis(decs, els.Strikethrough, StyleStrikethrough)

	return decs
}

func renderBlock(text string, b FencedBlock, hl Highlighter) []Decoration {
	var decs []Decoration

	if b.Language != nil {
		decs = appendDecs(decs,
			Decoration{Span: Span{Start: b.FenceOpen.Start, End: b.Language.Start}, Kind: DecorationHide},
			Decoration{Span: *b.Language, Kind: DecorationStyle, Style: StyleBlockLanguage},
			Decoration{Span: Span{Start: b.Language.End, End: b.Language.End + 1}, Kind: DecorationCompactNewline},
		)
	} else {
		decs = appendDecs(decs,
			Decoration{Span: Span{Start: b.FenceOpen.Start, End: b.Body.Start}, Kind: DecorationHide},
		)
	}
	decs = appendDecs(decs, Decoration{Span: b.FenceClose, Kind: DecorationHide})

	tag := b.LanguageTag(text)
	if hl != nil && tag != "" {
		if fn, ok := hl.Lookup(tag); ok {
			for _, run := range fn(b.Body.Text(text)) {
				decs = appendDecs(decs, Decoration{
					Span:  Span{Start: b.Body.Start + run.Start, End: b.Body.Start + run.End},
					Kind:  DecorationStyle,
					Style: run.Style,
				})
			}
			return decs
		}
	}

	// No highlighter for the tag: one flat style over the whole body.
	return appendDecs(decs, Decoration{Span: b.Body, Kind: DecorationStyle, Style: StyleDoc})
}

func renderEmphasis(decs []Decoration, els []Emphasis, style string) []Decoration {
	for _, e := range els {
		decs = appendDecs(decs,
			Decoration{Span: Span{Start: e.Whole.Start, End: e.Text.Start}, Kind: DecorationHide},
			Decoration{Span: e.Text, Kind: DecorationStyle, Style: style},
			Decoration{Span: Span{Start: e.Text.End, End: e.Whole.End}, Kind: DecorationHide},
		)
	}
	return decs
}

// headerStyle keys the heading style by level. Levels above 8 have no
// style of their own and fall back to level 1.
func headerStyle(level int) string {
	if level < 1 || level > 8 {
		level = 1
	}
	return "header-" + string(rune('0'+level))
}

// appendDecs appends decorations, dropping the empty-span ones an
// edge-adjacent element produces.
func appendDecs(decs []Decoration, more ...Decoration) []Decoration {
	for _, d := range more {
		if d.Span.Empty() {
			continue
		}
		decs = append(decs, d)
	}
	return decs
}
