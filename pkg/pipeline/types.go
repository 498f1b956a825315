// Package pipeline turns source documents into the text pages and chunks
// that get indexed.
package pipeline

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	errorsx "github.com/instill-ai/x/errors"
)

const (
	// DefaultChunkSize is the default maximum chunk length, in tokens.
	DefaultChunkSize = 800
	// DefaultChunkOverlap is the default overlap between consecutive
	// chunks, in tokens.
	DefaultChunkOverlap = 200

	// PageDelimiter separates the pages of a plain text document.
	PageDelimiter = "\f"
)

// DocumentType is the format of a source document.
type DocumentType string

// Supported document types.
const (
	DocumentTypePDF      DocumentType = "pdf"
	DocumentTypeText     DocumentType = "text"
	DocumentTypeMarkdown DocumentType = "markdown"
)

// Source is a document to extract text from.
type Source struct {
	Name        string
	ContentType string
	Content     []byte
}

// TextChunk is a piece of derived text small enough to be embedded.
type TextChunk struct {
	// Index is the position of the chunk within the document.
	Index int `json:"index"`
	// Page is the 1-indexed page the chunk was taken from.
	Page   int    `json:"page"`
	Text   string `json:"text"`
	Tokens int    `json:"tokens"`
}

// ProgressFunc is called after each extracted page with the number of pages
// processed so far. It might be called concurrently.
type ProgressFunc func(completed, total int)

// DetectDocumentType returns the type of a document from its content type,
// falling back to the file extension.
func DetectDocumentType(contentType, name string) (DocumentType, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = ""
	}

	switch mediaType {
	case "application/pdf":
		return DocumentTypePDF, nil
	case "text/markdown", "text/x-markdown":
		return DocumentTypeMarkdown, nil
	case "text/plain":
		return DocumentTypeText, nil
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return DocumentTypePDF, nil
	case ".md", ".markdown":
		return DocumentTypeMarkdown, nil
	case ".txt", ".text":
		return DocumentTypeText, nil
	}

	return "", errorsx.AddMessage(
		fmt.Errorf("unsupported document %q (%s): %w", name, contentType, errorsx.ErrInvalidArgument),
		"Unsupported file type. Upload a PDF, Markdown or plain text file.",
	)
}
