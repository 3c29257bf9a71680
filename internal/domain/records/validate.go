package records

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalid marks validation failures; handlers map it to 400.
var ErrInvalid = errors.New("invalid")

var validDocumentTypes = map[string]bool{
	"lab_result": true, "clinical_note": true, "imaging": true, "procedure": true,
}

var validDocumentStatuses = map[string]bool{
	"processed": true, "processing": true, "pending": true,
}

var validFlags = map[string]bool{"H": true, "L": true, "N": true}

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// ValidateDocument checks structure and the citation invariant: every
// summary bullet must cite a paragraph ID present in the same document.
func ValidateDocument(d *Document) error {
	if strings.TrimSpace(d.Title) == "" {
		return invalidf("title is required")
	}
	if !validDocumentTypes[d.Type] {
		return invalidf("invalid type: %s", d.Type)
	}
	if !validDocumentStatuses[d.Status] {
		return invalidf("invalid status: %s", d.Status)
	}

	seen := make(map[string]bool, len(d.Paragraphs))
	for i, p := range d.Paragraphs {
		if p.ID == "" {
			return invalidf("paragraph %d has no id", i)
		}
		if seen[p.ID] {
			return invalidf("duplicate paragraph id: %s", p.ID)
		}
		seen[p.ID] = true
		if p.IsTable {
			for _, row := range p.TableRows {
				if !validFlags[row.Flag] {
					return invalidf("paragraph %s: invalid flag %q for %s", p.ID, row.Flag, row.Marker)
				}
			}
		}
	}

	for _, s := range d.AISummary {
		if strings.TrimSpace(s.Heading) == "" {
			return invalidf("summary section without heading")
		}
		for _, b := range s.Bullets {
			if !seen[b.CitationID] {
				return invalidf("bullet in %q cites unknown paragraph %q", s.Heading, b.CitationID)
			}
		}
	}
	return nil
}
