// Package markdown scans a text snapshot for markdown elements and turns
// them into display decorations for the editor front end.
package markdown

import (
	"regexp"
	"sort"

	"github.com/dlclark/regexp2"
)

// Span is a half-open [Start, End) byte range into the scanned snapshot.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of bytes covered by the span.
func (s Span) Len() int {
	return s.End - s.Start
}

// Empty reports whether the span covers no bytes.
func (s Span) Empty() bool {
	return s.End <= s.Start
}

// Contains reports whether the position lies inside the span.
func (s Span) Contains(pos int) bool {
	return pos >= s.Start && pos < s.End
}

// Intersects reports whether the two spans share at least one position.
func (s Span) Intersects(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}

// Text returns the snapshot bytes the span covers.
func (s Span) Text(text string) string {
	return text[s.Start:s.End]
}

// FencedBlock is a triple-backtick source block. Language is nil when the
// fence carries no language tag.
type FencedBlock struct {
	FenceOpen  Span
	Language   *Span
	Body       Span
	FenceClose Span
}

// Span returns the full extent of the block, fences included.
func (b FencedBlock) Span() Span {
	return Span{Start: b.FenceOpen.Start, End: b.FenceClose.End}
}

// LanguageTag returns the block's language tag, or "" when absent.
func (b FencedBlock) LanguageTag(text string) string {
	if b.Language == nil {
		return ""
	}
	return b.Language.Text(text)
}

// InlineCode is a single-backtick code span. Body excludes the backticks.
type InlineCode struct {
	Body Span
}

// Span returns the code span including both backticks.
func (c InlineCode) Span() Span {
	return Span{Start: c.Body.Start - 1, End: c.Body.End + 1}
}

// Link is an inline [title](url) link.
type Link struct {
	Whole Span
	Title Span
	URL   Span
}

// Header is an ATX-style heading. Level is the raw count of leading '#'
// characters; presentation clamps levels above 8.
type Header struct {
	Whole Span
	Level int
	Title Span
}

// Emphasis is a bold, italic, or strikethrough run. Text excludes the
// surrounding markers.
type Emphasis struct {
	Whole Span
	Text  Span
}

// Elements holds one scan pass's findings, per category, in source order.
type Elements struct {
	Blocks        []FencedBlock
	InlineCode    []InlineCode
	Links         []Link
	Headers       []Header
	Bold          []Emphasis
	Italic        []Emphasis
	Strikethrough []Emphasis
}

var (
	fenceRe      = regexp.MustCompile("(?m)^\x60{3}[ \t]*([A-Za-z0-9+-]*)\n((?s:.*?))^\x60{3}[ \t]*$")
	inlineCodeRe = regexp.MustCompile("\x60([^\x60\n]+?)\x60")
	linkRe       = regexp.MustCompile(`\[([^\]\n]+)\]\(([^)\n]+)\)`)
	headerRe     = regexp.MustCompile(`(?m)^(#+)[ \t]+(.+)$`)
	boldStarRe   = regexp.MustCompile(`\*\*([^*\n]+?)\*\*`)
	boldUnderRe  = regexp.MustCompile(`__([^_\n]+?)__`)
	strikeRe     = regexp.MustCompile(`~~([^~\n]+?)~~`)

	// A single-marker italic only opens after whitespace or at a line or
	// buffer start, so the second marker of ** and __ never reads as one.
	// Stdlib regexp has no lookbehind, hence regexp2 for these two.
	italicStarRe  = regexp2.MustCompile(`(?<=^|\s)\*([^*\n]+?)\*`, regexp2.Multiline)
	italicUnderRe = regexp2.MustCompile(`(?<=^|\s)_([^_\n]+?)_`, regexp2.Multiline)
)

// Scan finds every markdown element in the snapshot. It is deterministic and
// total: malformed markup simply yields no element. Fenced blocks are matched
// first; their bodies become avoid ranges that exclude all inline matches.
func Scan(text string) Elements {
	els := Elements{Blocks: scanFencedBlocks(text)}

	avoid := make([]Span, 0, len(els.Blocks))
	for _, b := range els.Blocks {
		avoid = append(avoid, b.Body)
	}

	els.InlineCode = scanInlineCode(text, avoid)
	els.Links = scanLinks(text, avoid)
	els.Headers = scanHeaders(text, avoid)
	els.Bold = scanEmphasis(text, avoid, boldStarRe, boldUnderRe)
	els.Italic = scanItalic(text, avoid)
	els.Strikethrough = scanEmphasis(text, avoid, strikeRe)
	return els
}

func scanFencedBlocks(text string) []FencedBlock {
	var blocks []FencedBlock
	for _, m := range fenceRe.FindAllStringSubmatchIndex(text, -1) {
		block := FencedBlock{
			FenceOpen:  Span{Start: m[0], End: m[0] + 3},
			Body:       Span{Start: m[4], End: m[5]},
			FenceClose: Span{Start: m[5], End: m[1]},
		}
		if m[3] > m[2] {
			block.Language = &Span{Start: m[2], End: m[3]}
		}
		blocks = append(blocks, block)
	}
	return blocks
}

func scanInlineCode(text string, avoid []Span) []InlineCode {
	var out []InlineCode
	for _, span := range matchSpans(text, inlineCodeRe, avoid) {
		out = append(out, InlineCode{Body: span.caps[0]})
	}
	return out
}

func scanLinks(text string, avoid []Span) []Link {
	var out []Link
	for _, span := range matchSpans(text, linkRe, avoid) {
		out = append(out, Link{Whole: span.whole, Title: span.caps[0], URL: span.caps[1]})
	}
	return out
}

func scanHeaders(text string, avoid []Span) []Header {
	var out []Header
	for _, span := range matchSpans(text, headerRe, avoid) {
		out = append(out, Header{
			Whole: span.whole,
			Level: span.caps[0].Len(),
			Title: span.caps[1],
		})
	}
	return out
}

// scanEmphasis runs one or more marker patterns and merges their matches
// into a single non-overlapping, source-ordered category.
func scanEmphasis(text string, avoid []Span, res ...*regexp.Regexp) []Emphasis {
	var found []Emphasis
	for _, re := range res {
		for _, span := range matchSpans(text, re, avoid) {
			found = append(found, Emphasis{Whole: span.whole, Text: span.caps[0]})
		}
	}
	return dedupeEmphasis(found)
}

func scanItalic(text string, avoid []Span) []Emphasis {
	var found []Emphasis
	for _, re := range []*regexp2.Regexp{italicStarRe, italicUnderRe} {
		found = append(found, matchSpans2(text, re, avoid)...)
	}
	return dedupeEmphasis(found)
}

// dedupeEmphasis sorts matches into source order and drops any whose span
// overlaps an earlier accepted one, keeping every category overlap-free.
func dedupeEmphasis(found []Emphasis) []Emphasis {
	sort.Slice(found, func(i, j int) bool {
		if found[i].Whole.Start != found[j].Whole.Start {
			return found[i].Whole.Start < found[j].Whole.Start
		}
		return found[i].Whole.Len() > found[j].Whole.Len()
	})
	var out []Emphasis
	for _, e := range found {
		if len(out) > 0 && out[len(out)-1].Whole.Intersects(e.Whole) {
			continue
		}
		out = append(out, e)
	}
	return out
}

type match struct {
	whole Span
	caps  []Span
}

// matchSpans collects a pattern's matches, skipping any whose full extent
// intersects an avoid range.
func matchSpans(text string, re *regexp.Regexp, avoid []Span) []match {
	var out []match
	for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
		whole := Span{Start: m[0], End: m[1]}
		if intersectsAny(whole, avoid) {
			continue
		}
		caps := make([]Span, 0, len(m)/2-1)
		for i := 2; i < len(m); i += 2 {
			caps = append(caps, Span{Start: m[i], End: m[i+1]})
		}
		out = append(out, match{whole: whole, caps: caps})
	}
	return out
}

// matchSpans2 is matchSpans for regexp2 patterns. regexp2 reports rune
// offsets, so matches are mapped back to byte offsets before use.
func matchSpans2(text string, re *regexp2.Regexp, avoid []Span) []Emphasis {
	runes := []rune(text)
	runeToByte := make([]int, len(runes)+1)
	off := 0
	for i, r := range runes {
		runeToByte[i] = off
		off += len(string(r))
	}
	runeToByte[len(runes)] = off

	var out []Emphasis
	m, err := re.FindRunesMatch(runes)
	for err == nil && m != nil {
		whole := Span{
			Start: runeToByte[m.Index],
			End:   runeToByte[m.Index+m.Length],
		}
		grp := m.GroupByNumber(1)
		body := Span{
			Start: runeToByte[grp.Index],
			End:   runeToByte[grp.Index+grp.Length],
		}
		if !intersectsAny(whole, avoid) {
			out = append(out, Emphasis{Whole: whole, Text: body})
		}
		m, err = re.FindNextMatch(m)
	}
	return out
}

func intersectsAny(s Span, avoid []Span) bool {
	for _, a := range avoid {
		if s.Intersects(a) {
			return true
		}
	}
	return false
}
