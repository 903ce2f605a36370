package markdown

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	ErrNoBlockAtPoint = errors.New("no source block at point")
	ErrNoMoreBlocks   = errors.New("no more source blocks")
	ErrBadLanguageTag = errors.New("invalid language tag")
)

var languageTagRe = regexp.MustCompile(`^[A-Za-z0-9+-]*$`)

// BlockAt returns the fenced block whose extent (fences included) contains
// the position.
func BlockAt(els Elements, pos int) (FencedBlock, error) {
	for _, b := range els.Blocks {
		if b.Span().Contains(pos) {
			return b, nil
		}
	}
	return FencedBlock{}, ErrNoBlockAtPoint
}

// NextBlock returns the first fenced block starting strictly after the
// position.
func NextBlock(els Elements, pos int) (FencedBlock, error) {
	for _, b := range els.Blocks {
		if b.Span().Start > pos {
			return b, nil
		}
	}
	return FencedBlock{}, ErrNoMoreBlocks
}

// PreviousBlock returns the last fenced block ending at or before the
// position.
func PreviousBlock(els Elements, pos int) (FencedBlock, error) {
	for i := len(els.Blocks) - 1; i >= 0; i-- {
		if els.Blocks[i].Span().End <= pos {
			return els.Blocks[i], nil
		}
	}
	return FencedBlock{}, ErrNoMoreBlocks
}

// Edit is a single replacement of a span with new text. An empty span is a
// pure insertion.
type Edit struct {
	Span        Span   `json:"span"`
	Replacement string `json:"replacement"`
}

// RenameLanguageEdit computes the edit that sets the language tag of the
// block at the position. The command is rejected when no block is at point
// or the tag is not a legal fence language.
func RenameLanguageEdit(els Elements, pos int, language string) (Edit, error) {
	if !languageTagRe.MatchString(language) {
		return Edit{}, fmt.Errorf("%w: %q", ErrBadLanguageTag, language)
	}
	b, err := BlockAt(els, pos)
	if err != nil {
		return Edit{}, err
	}
	if b.Language != nil {
		return Edit{Span: *b.Language, Replacement: language}, nil
	}
	// No tag yet: insert right after the opening fence.
	at := b.FenceOpen.End
	return Edit{Span: Span{Start: at, End: at}, Replacement: language}, nil
}
