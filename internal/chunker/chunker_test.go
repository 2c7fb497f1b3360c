package chunker

import (
	"strings"
	"testing"

	"atlas/internal/atlas"
)

func TestChunk_MarkdownSplitsOnHeadings(t *testing.T) {
	c := New(Config{MinChars: 1, MaxChars: 200, Overlap: 10})
	text := "# Title\n\nfirst section body.\n\n## Sub\n\nsecond section body."
	pieces, err := c.Chunk("notes.md", []byte(text), "")
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(pieces) == 0 {
		t.Fatal("expected at least one piece")
	}
	for _, p := range pieces {
		if p.ContentType != atlas.ContentProse {
			t.Fatalf("expected ContentProse, got %v", p.ContentType)
		}
	}
}

func TestChunk_CodeSplitsOnFunctionBoundaries(t *testing.T) {
	c := New(Config{MinChars: 1, MaxChars: 500, Overlap: 10})
	text := "package p\n\nfunc A() {\n\treturn\n}\n\nfunc B() {\n\treturn\n}\n"
	pieces, err := c.Chunk("main.go", []byte(text), "")
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(pieces) == 0 {
		t.Fatal("expected at least one piece")
	}
	for _, p := range pieces {
		if p.ContentType != atlas.ContentCode {
			t.Fatalf("expected ContentCode, got %v", p.ContentType)
		}
	}
}

func TestChunk_FallsBackToFixedWindowOnDegenerateText(t *testing.T) {
	c := New(Config{MinChars: 1, MaxChars: 50, Overlap: 5})
	// A single run of unpunctuated, unbroken text: no headings, no blank-line
	// paragraph breaks, no sentence terminators for the boundary splitter to
	// group on. Markdown's fallback-to-boundary path collapses it into one
	// oversized piece, which must trigger the fixed-window fallback.
	text := strings.Repeat("a", 400)
	pieces, err := c.Chunk("blob.txt", []byte(text), "")
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(pieces) < 2 {
		t.Fatalf("expected the fixed-window fallback to produce multiple pieces, got %d", len(pieces))
	}
	for _, p := range pieces {
		if len([]rune(p.Text)) > 50 {
			t.Fatalf("piece exceeds MaxChars: %d runes", len([]rune(p.Text)))
		}
	}
}

func TestChunk_MergesUndersizedTrailingPiece(t *testing.T) {
	c := New(Config{MinChars: 100, MaxChars: 120, Overlap: 0})
	// Two paragraphs: the first is close enough to MaxChars that grouping
	// keeps it separate from the second, which is far under MinChars on its
	// own and must be folded into its neighbor rather than left standalone.
	first := strings.Repeat("word ", 23) // 114 chars after trimming
	second := "tiny tail."
	text := first + "\n\n" + second
	pieces, err := c.Chunk("notes.md", []byte(text), "")
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	for i, p := range pieces {
		if i < len(pieces)-1 && len([]rune(p.Text)) < 100 {
			t.Fatalf("non-final piece %d is under MinChars: %q", i, p.Text)
		}
	}
	if !strings.Contains(pieces[len(pieces)-1].Text, "tiny tail.") {
		t.Fatalf("expected the undersized tail to survive merged into the last piece, got %q", pieces[len(pieces)-1].Text)
	}
}

func TestChunk_BinaryContentYieldsSingleBoundedChunk(t *testing.T) {
	c := New(Config{BinaryMaxSize: 8})
	raw := append([]byte{0, 1, 2}, []byte("more than eight bytes of content")...)
	pieces, err := c.Chunk("data.bin", raw, "")
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(pieces) != 1 {
		t.Fatalf("expected exactly one chunk for binary content, got %d", len(pieces))
	}
	if pieces[0].ContentType != atlas.ContentBinary {
		t.Fatalf("expected ContentBinary, got %v", pieces[0].ContentType)
	}
	if len(pieces[0].Text) > 8 {
		t.Fatalf("binary chunk exceeds BinaryMaxSize: %d bytes", len(pieces[0].Text))
	}
}

func TestChunk_OversizedFileIsSkipped(t *testing.T) {
	c := New(Config{MaxFileBytes: 10})
	pieces, err := c.Chunk("big.txt", []byte(strings.Repeat("x", 20)), "")
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if pieces != nil {
		t.Fatalf("expected nil pieces for oversized file, got %d", len(pieces))
	}
}
