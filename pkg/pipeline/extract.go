package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ledongthuc/pdf"
	"github.com/panjf2000/ants/v2"

	errorsx "github.com/instill-ai/x/errors"
)

// document is a source ready for page extraction.
type document struct {
	name  string
	pages int
	// extract returns the text of the i-th page (0-indexed).
	extract func(i int) (string, error)
}

// ExtractPages extracts the text pages of the sources, in order. Sources are
// processed concurrently, at most concurrency at a time; pages within a
// source are read sequentially. progress is called after every page.
func ExtractPages(ctx context.Context, sources []Source, concurrency int, progress ProgressFunc) ([]string, error) {
	docs := make([]*document, len(sources))
	total := 0
	for i, src := range sources {
		doc, err := openDocument(src)
		if err != nil {
			return nil, err
		}
		docs[i] = doc
		total += doc.pages
	}

	if concurrency < 1 {
		concurrency = 1
	}
	pool, err := ants.NewPool(concurrency)
	if err != nil {
		return nil, fmt.Errorf("creating extraction pool: %w", err)
	}
	defer pool.Release()

	var (
		completed atomic.Int64
		wg        sync.WaitGroup
		errMu     sync.Mutex
		firstErr  error
	)
	setErr := func(err error) {
		errMu.Lock()
		defer errMu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	results := make([][]string, len(docs))
	for i, doc := range docs {
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()

			pages := make([]string, doc.pages)
			for p := range doc.pages {
				if ctx.Err() != nil {
					setErr(ctx.Err())
					return
				}

				text, err := doc.extract(p)
				if err != nil {
					setErr(fmt.Errorf("extracting page %d of %s: %w", p+1, doc.name, err))
					return
				}
				pages[p] = text

				if progress != nil {
					progress(int(completed.Add(1)), total)
				}
			}
			results[i] = pages
		})
		if err != nil {
			wg.Done()
			setErr(fmt.Errorf("submitting %s: %w", doc.name, err))
			break
		}
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}

	pages := make([]string, 0, total)
	for _, r := range results {
		pages = append(pages, r...)
	}
	return pages, nil
}

func openDocument(src Source) (*document, error) {
	docType, err := DetectDocumentType(src.ContentType, src.Name)
	if err != nil {
		return nil, err
	}

	if docType == DocumentTypePDF {
		return openPDF(src)
	}

	pages := strings.Split(string(src.Content), PageDelimiter)
	return &document{
		name:  src.Name,
		pages: len(pages),
		extract: func(i int) (string, error) {
			return strings.TrimSpace(pages[i]), nil
		},
	}, nil
}

var errMalformedPDF = errors.New("malformed PDF")

func openPDF(src Source) (doc *document, err error) {
	// The PDF reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			doc, err = nil, invalidPDF(src.Name, fmt.Errorf("%w: %v", errMalformedPDF, r))
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(src.Content), int64(len(src.Content)))
	if err != nil {
		return nil, invalidPDF(src.Name, err)
	}

	return &document{
		name:  src.Name,
		pages: r.NumPage(),
		extract: func(i int) (text string, err error) {
			defer func() {
				if rec := recover(); rec != nil {
					err = fmt.Errorf("%w: %v", errMalformedPDF, rec)
				}
			}()

			// PDF pages are 1-indexed.
			p := r.Page(i + 1)
			if p.V.IsNull() {
				return "", nil
			}
			text, err = p.GetPlainText(nil)
			if err != nil {
				return "", err
			}
			return strings.TrimSpace(text), nil
		},
	}, nil
}

func invalidPDF(name string, err error) error {
	return errorsx.AddMessage(
		fmt.Errorf("reading PDF %s: %w: %w", name, errorsx.ErrInvalidArgument, err),
		"The PDF file couldn't be read. Please check the file isn't corrupted.",
	)
}
