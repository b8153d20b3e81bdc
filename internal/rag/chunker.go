package rag

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Chunking parameters. Chunks target ~500 characters with ~50 characters
// of overlap between neighbours, splitting on paragraph and sentence
// boundaries where possible.
const (
	ChunkSize    = 500
	ChunkOverlap = 50
)

// separators tried in order when a piece of text exceeds the chunk size.
// The empty string means "split anywhere" as the last resort.
var separators = []string{"\n\n", "\n", ". ", " ", ""}

// SplitText splits text into overlapping chunks of roughly size
// characters with the given overlap. Whitespace-only chunks are dropped.
func SplitText(text string, size, overlap int) []string {
	if size <= 0 {
		size = ChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = ChunkOverlap
	}
	pieces := split(text, size, 0)
	return mergeWithOverlap(pieces, size, overlap)
}

// split recursively breaks text on the coarsest separator that applies
// until every piece fits within size.
func split(text string, size, sepIdx int) []string {
	if len(text) <= size {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		return []string{text}
	}
	if sepIdx >= len(separators) {
		return nil
	}

	sep := separators[sepIdx]
	if sep == "" {
		// hard split as the last resort
		var out []string
		for len(text) > size {
			out = append(out, text[:size])
			text = text[size:]
		}
		if strings.TrimSpace(text) != "" {
			out = append(out, text)
		}
		return out
	}

	parts := strings.Split(text, sep)
	var out []string
	for i, part := range parts {
		if i < len(parts)-1 {
			part += sep
		}
		out = append(out, split(part, size, sepIdx+1)...)
	}
	return out
}

// mergeWithOverlap greedily packs pieces into chunks up to size, carrying
// the tail of each chunk into the next as overlap.
func mergeWithOverlap(pieces []string, size, overlap int) []string {
	var chunks []string
	var cur strings.Builder

	flush := func() {
		s := strings.TrimSpace(cur.String())
		if s != "" {
			chunks = append(chunks, s)
		}
		tail := ""
		if overlap > 0 && cur.Len() > overlap {
			tail = cur.String()[cur.Len()-overlap:]
		}
		cur.Reset()
		cur.WriteString(tail)
	}

	for _, p := range pieces {
		if cur.Len()+len(p) > size && strings.TrimSpace(cur.String()) != "" {
			flush()
		}
		cur.WriteString(p)
	}
	// The tail always holds at least one piece beyond the overlap carry,
	// so it is a real chunk even when its content repeats the previous
	// one. ChunkID makes true duplicates idempotent at upsert time.
	if s := strings.TrimSpace(cur.String()); s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}

// ChunkID derives the stable identifier for a chunk. Ids are a pure
// function of (collection, source, content), which makes re-ingestion of
// identical content idempotent.
func ChunkID(collection, source, content string) string {
	sum := sha256.Sum256([]byte(collection + ":" + source + ":" + content))
	return hex.EncodeToString(sum[:])[:16]
}
