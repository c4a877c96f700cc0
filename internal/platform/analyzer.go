package platform

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/morezero/component-mesh/pkg/component"
	"github.com/morezero/component-mesh/pkg/orchestrator"
)

const maxLineLength = 200

// WordCount is one entry of a frequency table.
type WordCount struct {
	Word  string `json:"word"`
	Count int    `json:"count"`
}

// Finding is one data quality problem.
type Finding struct {
	Kind   string `json:"kind"`
	Line   int    `json:"line"`
	Detail string `json:"detail,omitempty"`
}

// Analysis is the result of analysing one text.
type Analysis struct {
	Words    int         `json:"words"`
	Unique   int         `json:"unique"`
	Top      []WordCount `json:"top"`
	Findings []Finding   `json:"findings"`
}

// Analyzer is the leaf service computing word statistics and data quality findings.
type Analyzer struct {
	base
}

func newDataAnalyzer(desc component.Descriptor) orchestrator.Factory {
	return func(_ context.Context, deps orchestrator.Dependencies) (component.Instance, error) {
		if _, err := dependency[*Store](deps, PublicWorks); err != nil {
			return nil, err
		}
		return &Analyzer{base: base{desc: desc, operations: []string{"word-stats", "quality"}}}, nil
	}
}

func (a *Analyzer) Initialize(context.Context) error { return nil }

// Analyze returns the top most frequent words of text and its quality findings.
func (a *Analyzer) Analyze(text string, top int) Analysis {
	counts := make(map[string]int)
	total := 0
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	}) {
		w = strings.Trim(w, "'")
		if w == "" {
			continue
		}
		counts[w]++
		total++
	}

	freq := make([]WordCount, 0, len(counts))
	for w, c := range counts {
		freq = append(freq, WordCount{Word: w, Count: c})
	}
	sort.Slice(freq, func(i, j int) bool {
		if freq[i].Count != freq[j].Count {
			return freq[i].Count > freq[j].Count
		}
		return freq[i].Word < freq[j].Word
	})
	if top > 0 && len(freq) > top {
		freq = freq[:top]
	}

	return Analysis{
		Words:    total,
		Unique:   len(counts),
		Top:      freq,
		Findings: quality(text),
	}
}

// quality reports blank lines between content, trailing whitespace, overlong lines and
// repeated lines. Line numbers start at 1.
func quality(text string) []Finding {
	findings := []Finding{}
	seen := make(map[string]int)
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	for i, line := range lines {
		n := i + 1
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			if i > 0 && i < len(lines)-1 {
				findings = append(findings, Finding{Kind: "blank_line", Line: n})
			}
			continue
		case line != strings.TrimRight(line, " \t"):
			findings = append(findings, Finding{Kind: "trailing_whitespace", Line: n})
		}
		if len(line) > maxLineLength {
			findings = append(findings, Finding{Kind: "long_line", Line: n, Detail: fmt.Sprintf("%d characters", len(line))})
		}
		if first, ok := seen[trimmed]; ok {
			findings = append(findings, Finding{Kind: "duplicate_line", Line: n, Detail: fmt.Sprintf("same as line %d", first)})
		} else {
			seen[trimmed] = n
		}
	}
	return findings
}
