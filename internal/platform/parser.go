package platform

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"github.com/morezero/component-mesh/pkg/component"
	"github.com/morezero/component-mesh/pkg/orchestrator"
)

// Supported upload formats.
const (
	FormatText     = "text"
	FormatMarkdown = "markdown"
	FormatCSV      = "csv"
)

// Parsed is the structure extracted from a document.
type Parsed struct {
	Format   string   `json:"format"`
	Lines    int      `json:"lines"`
	Words    int      `json:"words"`
	Headings []string `json:"headings,omitempty"`
	Columns  []string `json:"columns,omitempty"`
	Rows     int      `json:"rows,omitempty"`
}

// Parser is the leaf service turning raw uploads into Parsed structure.
type Parser struct {
	base
}

func newFileParser(desc component.Descriptor) orchestrator.Factory {
	return func(_ context.Context, deps orchestrator.Dependencies) (component.Instance, error) {
		if _, err := dependency[*Store](deps, PublicWorks); err != nil {
			return nil, err
		}
		return &Parser{base: base{desc: desc, operations: []string{"parse"}}}, nil
	}
}

func (p *Parser) Initialize(context.Context) error { return nil }

// Parse extracts the structure of text in format. An empty format means plain text.
func (p *Parser) Parse(format, text string) (*Parsed, error) {
	if format == "" {
		format = FormatText
	}
	out := &Parsed{
		Format: format,
		Lines:  countLines(text),
		Words:  len(strings.Fields(text)),
	}

	switch format {
	case FormatText:
	case FormatMarkdown:
		for _, line := range strings.Split(text, "\n") {
			trimmed := strings.TrimSpace(line)
			if strings.HasPrefix(trimmed, "#") {
				out.Headings = append(out.Headings, strings.TrimSpace(strings.TrimLeft(trimmed, "#")))
			}
		}
	case FormatCSV:
		r := csv.NewReader(strings.NewReader(text))
		header, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, invalid("csv document has no header row")
			}
			return nil, invalid("csv document is malformed: %v", err)
		}
		out.Columns = header
		for {
			_, err := r.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, invalid("csv document is malformed: %v", err)
			}
			out.Rows++
		}
	default:
		return nil, invalid("unsupported format %q", format)
	}
	return out, nil
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	return strings.Count(strings.TrimSuffix(text, "\n"), "\n") + 1
}
