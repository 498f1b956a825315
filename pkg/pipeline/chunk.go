package pipeline

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/tmc/langchaingo/textsplitter"
)

// LenFunc measures a text, e.g. in tokens.
type LenFunc func(string) int

var (
	tokenizerOnce sync.Once
	tokenizer     *tiktoken.Tiktoken
	tokenizerErr  error
)

// TokenLen returns a LenFunc counting tokens with the same encoding as the
// embedding models.
func TokenLen() (LenFunc, error) {
	tokenizerOnce.Do(func() {
		tokenizer, tokenizerErr = tiktoken.EncodingForModel("gpt-4")
	})
	if tokenizerErr != nil {
		return nil, fmt.Errorf("unsupported encoding model: %w", tokenizerErr)
	}
	return func(s string) int {
		return len(tokenizer.Encode(s, nil, nil))
	}, nil
}

// Chunker splits pages into chunks, never across page boundaries, so every
// chunk can reference its page.
type Chunker struct {
	splitter textsplitter.RecursiveCharacter
	length   LenFunc
}

// NewChunker returns a chunker producing chunks of at most size units of
// length, overlapping by overlap units.
func NewChunker(size, overlap int, length LenFunc) (*Chunker, error) {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap %d must be in [0, %d)", overlap, size)
	}

	return &Chunker{
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(size),
			textsplitter.WithChunkOverlap(overlap),
			textsplitter.WithLenFunc(length),
		),
		length: length,
	}, nil
}

// ChunkPages splits the pages into chunks. Blank pages produce no chunk.
func (c *Chunker) ChunkPages(pages []string) ([]TextChunk, error) {
	var chunks []TextChunk
	for i, page := range pages {
		if strings.TrimSpace(page) == "" {
			continue
		}

		texts, err := c.splitter.SplitText(page)
		if err != nil {
			return nil, fmt.Errorf("splitting page %d: %w", i+1, err)
		}

		for _, t := range texts {
			if strings.TrimSpace(t) == "" {
				continue
			}
			chunks = append(chunks, TextChunk{
				Index:  len(chunks),
				Page:   i + 1,
				Text:   t,
				Tokens: c.length(t),
			})
		}
	}
	return chunks, nil
}
