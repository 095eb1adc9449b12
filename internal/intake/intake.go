// Package intake turns source documents into ordered chunks for the
// extraction pipeline. Markdown is split at header boundaries with the
// header hierarchy preserved as context; plain text passes through as a
// single chunk.
package intake

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/bull/knograph/internal/knowledge"
)

// ErrUnsupportedFormat is returned for source files no converter handles.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// chunkNamespace seeds deterministic chunk IDs so re-ingesting the same
// document upserts the same chunks instead of duplicating them.
var chunkNamespace = uuid.MustParse("8f7c1c3a-6a1f-4f3e-9a34-0d92f6b2a7c1")

// Converter turns a raw document body into ordered chunks.
type Converter interface {
	Convert(doc *knowledge.Document, raw []byte) ([]knowledge.Chunk, error)
}

// ChunkID derives the stable chunk identifier for a document position.
func ChunkID(documentID string, ordinal int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s#%d", documentID, ordinal))).String()
}

// ForURI picks a converter based on the source file extension.
func ForURI(sourceURI string) (Converter, error) {
	switch strings.ToLower(path.Ext(sourceURI)) {
	case ".md", ".markdown":
		return NewMarkdownConverter(), nil
	case ".txt", "":
		return PlainTextConverter{}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, sourceURI)
}

// PlainTextConverter emits the whole body as one chunk.
type PlainTextConverter struct{}

func (PlainTextConverter) Convert(doc *knowledge.Document, raw []byte) ([]knowledge.Chunk, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return nil, nil
	}
	return []knowledge.Chunk{{
		ID:         ChunkID(doc.ID, 0),
		DocumentID: doc.ID,
		Ordinal:    0,
		Text:       text,
		Language:   doc.Language,
	}}, nil
}
