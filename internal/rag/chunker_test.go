package rag

import (
	"strings"
	"testing"
)

func TestSplitTextShortInput(t *testing.T) {
	t.Parallel()

	chunks := SplitText("The secret code is 42.", ChunkSize, ChunkOverlap)
	if len(chunks) != 1 {
		t.Fatalf("want a single chunk, got %d", len(chunks))
	}
	if chunks[0] != "The secret code is 42." {
		t.Errorf("chunk = %q", chunks[0])
	}
}

func TestSplitTextEmpty(t *testing.T) {
	t.Parallel()

	if got := SplitText("", ChunkSize, ChunkOverlap); len(got) != 0 {
		t.Fatalf("want no chunks for empty input, got %v", got)
	}
	if got := SplitText("   \n\n  ", ChunkSize, ChunkOverlap); len(got) != 0 {
		t.Fatalf("want no chunks for whitespace input, got %v", got)
	}
}

func TestSplitTextRespectsTargetSize(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	for i := 0; i < 60; i++ {
		b.WriteString("This is sentence number whatever in a long paragraph. ")
	}
	chunks := SplitText(b.String(), 500, 50)
	if len(chunks) < 2 {
		t.Fatalf("long text should split into several chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		// target is ~500; allow slack for boundary preservation
		if len(c) > 600 {
			t.Errorf("chunk %d has %d chars, exceeds target budget", i, len(c))
		}
	}
}

func TestSplitTextOverlap(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	for i := 0; i < 40; i++ {
		b.WriteString("alpha bravo charlie delta echo foxtrot golf hotel. ")
	}
	chunks := SplitText(b.String(), 300, 50)
	if len(chunks) < 2 {
		t.Fatalf("want multiple chunks, got %d", len(chunks))
	}
	for i := 1; i < len(chunks); i++ {
		// the head of each chunk must repeat text from its predecessor
		head := chunks[i][:20]
		if !strings.Contains(chunks[i-1], strings.TrimSpace(head)) {
			t.Errorf("chunk %d does not overlap its predecessor; head %q", i, head)
		}
	}
}

func TestSplitTextPrefersParagraphBoundaries(t *testing.T) {
	t.Parallel()

	para := strings.Repeat("word ", 50)
	text := strings.TrimSpace(para) + "\n\n" + strings.TrimSpace(para) + "\n\n" + strings.TrimSpace(para)
	chunks := SplitText(text, 300, 0)
	for i, c := range chunks {
		if strings.HasPrefix(c, " ") || strings.HasSuffix(c, " ") {
			t.Errorf("chunk %d not trimmed: %q", i, c)
		}
	}
	if len(chunks) != 3 {
		t.Fatalf("three paragraphs of ~250 chars should yield 3 chunks, got %d", len(chunks))
	}
}

func TestSplitTextHardSplitsUnbrokenRuns(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("x", 1200)
	chunks := SplitText(text, 500, 0)
	if len(chunks) != 3 {
		t.Fatalf("1200 unbroken chars at size 500 should yield 3 chunks, got %d", len(chunks))
	}
}

func TestChunkIDStable(t *testing.T) {
	t.Parallel()

	a := ChunkID("alice_persona_p1_rag", "background", "some text")
	b := ChunkID("alice_persona_p1_rag", "background", "some text")
	if a != b {
		t.Fatal("chunk id must be deterministic")
	}
	if len(a) != 16 {
		t.Fatalf("chunk id length = %d, want 16", len(a))
	}
	if c := ChunkID("alice_persona_p1_rag", "other", "some text"); c == a {
		t.Fatal("different source must yield a different id")
	}
}
