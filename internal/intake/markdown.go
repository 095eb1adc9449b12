package intake

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"go.abhg.dev/goldmark/toc"

	"github.com/bull/knograph/internal/knowledge"
)

// MarkdownConverter splits markdown at H1/H2 boundaries. Each chunk keeps
// its header hierarchy prepended so extraction sees section context.
type MarkdownConverter struct {
	md goldmark.Markdown
}

// NewMarkdownConverter builds the converter with a goldmark parser.
func NewMarkdownConverter() *MarkdownConverter {
	return &MarkdownConverter{
		md: goldmark.New(
			goldmark.WithParserOptions(
				parser.WithAutoHeadingID(),
			),
		),
	}
}

// Convert parses the markdown body and emits one chunk per section.
// Documents without headers become a single chunk.
func (c *MarkdownConverter) Convert(doc *knowledge.Document, raw []byte) ([]knowledge.Chunk, error) {
	reader := text.NewReader(raw)
	root := c.md.Parser().Parse(reader)

	tree, err := toc.Inspect(root, raw,
		toc.MinDepth(1),
		toc.MaxDepth(2),
		toc.Compact(true),
	)
	if err != nil {
		return nil, fmt.Errorf("inspect markdown structure: %w", err)
	}

	if len(tree.Items) == 0 {
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, nil
		}
		return []knowledge.Chunk{{
			ID:         ChunkID(doc.ID, 0),
			DocumentID: doc.ID,
			Ordinal:    0,
			Text:       body,
			Language:   doc.Language,
		}}, nil
	}

	var sections []section
	collectSections(root, raw, tree.Items, nil, &sections)

	chunks := make([]knowledge.Chunk, 0, len(sections))
	for i, sec := range sections {
		body := sec.content
		if sec.headerPath != "" {
			body = sec.headerPath + "\n\n" + sec.content
		}
		chunks = append(chunks, knowledge.Chunk{
			ID:         ChunkID(doc.ID, i),
			DocumentID: doc.ID,
			Ordinal:    i,
			Text:       body,
			Language:   doc.Language,
		})
	}
	return chunks, nil
}

type section struct {
	headerPath string
	content    string
}

// collectSections walks the TOC to slice the source at header boundaries,
// carrying the accumulated header path down to nested sections.
func collectSections(root ast.Node, source []byte, items toc.Items, ancestors []string, out *[]section) {
	for i, item := range items {
		titles := append(ancestors, string(item.Title))

		headerNode := headingByID(root, string(item.ID))
		if headerNode == nil {
			continue
		}

		start := headerNode.Lines().At(0)
		var end text.Segment
		if i+1 < len(items) {
			if next := headingByID(root, string(items[i+1].ID)); next != nil {
				end = next.Lines().At(0)
			}
		} else {
			end = nextBoundary(root, headerNode, headerNode.(*ast.Heading).Level)
		}

		*out = append(*out, section{
			headerPath: headerPath(titles),
			content:    slice(source, start, end),
		})

		if len(item.Items) > 0 {
			collectSections(root, source, item.Items, titles, out)
		}
	}
}

// headerPath renders a title chain like "# Install > ## Prerequisites".
func headerPath(titles []string) string {
	parts := make([]string, 0, len(titles))
	for i, title := range titles {
		parts = append(parts, strings.Repeat("#", i+1)+" "+title)
	}
	return strings.Join(parts, " > ")
}

func headingByID(root ast.Node, id string) ast.Node {
	var found ast.Node
	ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering && n.Kind() == ast.KindHeading {
			if attr, ok := n.AttributeString("id"); ok && string(attr.([]byte)) == id {
				found = n
				return ast.WalkStop, nil
			}
		}
		return ast.WalkContinue, nil
	})
	return found
}

// nextBoundary finds the first heading after current at the same or a
// shallower level. A zero segment means the section runs to EOF.
func nextBoundary(root ast.Node, current ast.Node, level int) text.Segment {
	var boundary ast.Node
	seen := false
	ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || n.Kind() != ast.KindHeading {
			return ast.WalkContinue, nil
		}
		if !seen {
			if n == current {
				seen = true
			}
			return ast.WalkContinue, nil
		}
		if n.(*ast.Heading).Level <= level {
			boundary = n
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	if boundary != nil {
		return boundary.Lines().At(0)
	}
	return text.Segment{}
}

func slice(source []byte, start, end text.Segment) string {
	if end.Start == 0 && end.Stop == 0 {
		return strings.TrimSpace(string(source[start.Start:]))
	}
	return strings.TrimSpace(string(source[start.Start:end.Start]))
}
