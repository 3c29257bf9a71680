// Package pdfimport turns the text layer of a PDF into document paragraphs.
package pdfimport

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	pdf "rsc.io/pdf"

	"github.com/ehr/chartview/internal/domain/records"
)

var (
	ErrNoText    = errors.New("pdf has no text layer")
	ErrMalformed = errors.New("malformed pdf")
)

// Options describe the document being imported.
type Options struct {
	Title         string
	Type          string
	Provider      string
	DateOfService string
	// MaxParagraphs caps the paragraphs kept; zero keeps all.
	MaxParagraphs int
}

// Import reads the PDF at path and returns a pending document. The caller
// stores it through records.Service.AddDocument.
func Import(path string, opts Options) (*records.Document, error) {
	lines, err := ExtractLines(path)
	if err != nil {
		return nil, err
	}
	paras := SplitParagraphs(lines)
	if len(paras) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNoText)
	}
	if opts.MaxParagraphs > 0 && len(paras) > opts.MaxParagraphs {
		paras = paras[:opts.MaxParagraphs]
	}
	title := opts.Title
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	docType := opts.Type
	if docType == "" {
		docType = "clinical_note"
	}
	return &records.Document{
		Title:         title,
		Type:          docType,
		Status:        "pending",
		Provider:      opts.Provider,
		DateOfService: opts.DateOfService,
		Paragraphs:    paras,
	}, nil
}

// ExtractLines returns the text of every page as lines, top to bottom, with
// an empty line between pages. The pdf reader panics on some malformed
// files; those panics come back as ErrMalformed.
func ExtractLines(path string) (lines []string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf %s: %w", path, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat pdf %s: %w", path, err)
	}

	defer func() {
		if rec := recover(); rec != nil {
			lines, err = nil, fmt.Errorf("%s: %w: %v", path, ErrMalformed, rec)
		}
	}()

	r, err := pdf.NewReader(f, fi.Size())
	if err != nil {
		return nil, fmt.Errorf("open pdf %s: %w", path, err)
	}
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		lines = append(lines, linesFromText(p.Content().Text)...)
		lines = append(lines, "")
	}
	return lines, nil
}

// linesFromText groups glyph runs that share a baseline into lines. A gap
// wider than a third of the font size becomes a space.
func linesFromText(texts []pdf.Text) []string {
	if len(texts) == 0 {
		return nil
	}
	type row struct {
		y    float64
		runs []pdf.Text
	}
	var rows []*row
	for _, t := range texts {
		y := math.Round(t.Y)
		var target *row
		for _, r := range rows {
			if math.Abs(r.y-y) <= 1 {
				target = r
				break
			}
		}
		if target == nil {
			target = &row{y: y}
			rows = append(rows, target)
		}
		target.runs = append(target.runs, t)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].y > rows[j].y })

	out := make([]string, 0, len(rows))
	for _, r := range rows {
		sort.SliceStable(r.runs, func(i, j int) bool { return r.runs[i].X < r.runs[j].X })
		var b strings.Builder
		end := math.Inf(-1)
		for _, t := range r.runs {
			if b.Len() > 0 && t.X-end > t.FontSize/3 {
				b.WriteByte(' ')
			}
			b.WriteString(t.S)
			end = t.X + t.W
		}
		out = append(out, strings.Join(strings.Fields(b.String()), " "))
	}
	return out
}

// SplitParagraphs groups lines into paragraphs separated by blank lines.
// A short heading line ("Findings:", "IMPRESSION") labels the paragraph that
// follows it; unlabelled paragraphs get "Section N". IDs are p1..pN.
func SplitParagraphs(lines []string) []records.Paragraph {
	var (
		out     []records.Paragraph
		label   string
		content []string
	)
	flush := func() {
		if len(content) == 0 {
			return
		}
		n := len(out) + 1
		l := label
		if l == "" {
			l = fmt.Sprintf("Section %d", n)
		}
		out = append(out, records.Paragraph{
			ID:      fmt.Sprintf("p%d", n),
			Label:   l,
			Content: strings.Join(content, " "),
		})
		label, content = "", nil
	}

	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		switch {
		case line == "":
			flush()
		case isHeading(line):
			flush()
			label = strings.TrimSpace(strings.TrimSuffix(line, ":"))
		default:
			content = append(content, line)
		}
	}
	flush()
	return out
}

func isHeading(line string) bool {
	if len(line) > 60 {
		return false
	}
	if strings.HasSuffix(line, ":") && !strings.Contains(strings.TrimSuffix(line, ":"), ":") {
		return true
	}
	letters := 0
	for _, r := range line {
		if unicode.IsDigit(r) {
			return false
		}
		if unicode.IsLetter(r) {
			letters++
			if !unicode.IsUpper(r) {
				return false
			}
		}
	}
	return letters >= 3
}
