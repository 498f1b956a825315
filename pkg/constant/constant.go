package constant

import (
	"regexp"
	"strings"
)

const (
	_  = iota
	KB = 1 << (10 * iota)
	MB
	GB
)

// DefaultMaxUploadSize bounds the size of an uploaded file when the server
// configuration doesn't set one.
const DefaultMaxUploadSize = 32 * MB

// DefaultSearchTopK is the number of chunks returned by a search that
// doesn't set a limit.
const DefaultSearchTopK = 5

// MaxBatchSize bounds the number of files in a batch dispatch.
const MaxBatchSize = 32

// HeaderRequestID carries the request correlation ID.
const HeaderRequestID = "X-Request-Id"

// Vector collections share a namespace with other services.
const collectionPrefix = "docflow_"

var invalidCollectionChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// CollectionName returns the vector index collection that holds the chunks
// of a document collection. Vector collection names only accept letters,
// digits and underscores.
func CollectionName(collection string) string {
	return collectionPrefix + invalidCollectionChars.ReplaceAllString(strings.ToLower(collection), "_")
}
