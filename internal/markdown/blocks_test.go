package markdown

import (
	"errors"
	"strings"
	"testing"
)

const navigationText = "intro\n\n```go\nfirst()\n```\n\nmiddle\n\n```python\nsecond()\n```\n\nend\n"

func TestBlockAt(t *testing.T) {
	els := Scan(navigationText)
	if len(els.Blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(els.Blocks))
	}

	inFirst := strings.Index(navigationText, "first()")
	b, err := BlockAt(els, inFirst)
	if err != nil {
		t.Fatalf("BlockAt inside body: %v", err)
	}
	if got := b.LanguageTag(navigationText); got != "go" {
		t.Errorf("language = %q, want %q", got, "go")
	}

	// On the fence itself still counts.
	if _, err := BlockAt(els, els.Blocks[1].FenceOpen.Start); err != nil {
		t.Errorf("BlockAt on fence: %v", err)
	}

	if _, err := BlockAt(els, 0); !errors.Is(err, ErrNoBlockAtPoint) {
		t.Errorf("BlockAt in prose = %v, want ErrNoBlockAtPoint", err)
	}
}

func TestNextBlock(t *testing.T) {
	els := Scan(navigationText)

	b, err := NextBlock(els, 0)
	if err != nil {
		t.Fatalf("NextBlock from start: %v", err)
	}
	if got := b.LanguageTag(navigationText); got != "go" {
		t.Errorf("first next = %q, want %q", got, "go")
	}

	b, err = NextBlock(els, els.Blocks[0].Span().Start)
	if err != nil {
		t.Fatalf("NextBlock from first fence: %v", err)
	}
	if got := b.LanguageTag(navigationText); got != "python" {
		t.Errorf("second next = %q, want %q", got, "python")
	}

	if _, err := NextBlock(els, len(navigationText)); !errors.Is(err, ErrNoMoreBlocks) {
		t.Errorf("NextBlock past end = %v, want ErrNoMoreBlocks", err)
	}
}

func TestPreviousBlock(t *testing.T) {
	els := Scan(navigationText)

	b, err := PreviousBlock(els, len(navigationText))
	if err != nil {
		t.Fatalf("PreviousBlock from end: %v", err)
	}
	if got := b.LanguageTag(navigationText); got != "python" {
		t.Errorf("last previous = %q, want %q", got, "python")
	}

	b, err = PreviousBlock(els, els.Blocks[1].Span().Start)
	if err != nil {
		t.Fatalf("PreviousBlock from second fence: %v", err)
	}
	if got := b.LanguageTag(navigationText); got != "go" {
		t.Errorf("previous = %q, want %q", got, "go")
	}

	if _, err := PreviousBlock(els, 0); !errors.Is(err, ErrNoMoreBlocks) {
		t.Errorf("PreviousBlock at start = %v, want ErrNoMoreBlocks", err)
	}
}

func TestRenameLanguageEdit(t *testing.T) {
	text := "```python\nprint(1)\n```"
	els := Scan(text)

	edit, err := RenameLanguageEdit(els, 12, "ruby")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if got := edit.Span.Text(text); got != "python" {
		t.Errorf("edit span = %q, want the old tag", got)
	}
	if edit.Replacement != "ruby" {
		t.Errorf("replacement = %q", edit.Replacement)
	}
}

func TestRenameLanguageEditInsert(t *testing.T) {
	text := "```\nbody\n```"
	els := Scan(text)

	edit, err := RenameLanguageEdit(els, 5, "go")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if !edit.Span.Empty() || edit.Span.Start != 3 {
		t.Errorf("edit span = %v, want empty insertion at 3", edit.Span)
	}
	if edit.Replacement != "go" {
		t.Errorf("replacement = %q", edit.Replacement)
	}
}

func TestRenameLanguageEditRejects(t *testing.T) {
	text := "```python\nprint(1)\n```"
	els := Scan(text)

	if _, err := RenameLanguageEdit(els, 5, "not a tag"); !errors.Is(err, ErrBadLanguageTag) {
		t.Errorf("bad tag error = %v, want ErrBadLanguageTag", err)
	}
	if _, err := RenameLanguageEdit(Scan("no blocks here"), 2, "go"); !errors.Is(err, ErrNoBlockAtPoint) {
		t.Errorf("no block error = %v, want ErrNoBlockAtPoint", err)
	}
}
