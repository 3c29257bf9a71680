package records

import (
	"strings"
	"time"
)

// Patient is the chart header shown across the viewer and the portal.
type Patient struct {
	ID          string          `json:"id" yaml:"id"`
	Name        string          `json:"name" yaml:"name"`
	Age         int             `json:"age" yaml:"age"`
	DOB         string          `json:"dob" yaml:"dob"`
	MRN         string          `json:"mrn" yaml:"mrn"`
	Diagnoses   []string        `json:"diagnoses" yaml:"diagnoses"`
	Medications []string        `json:"medications" yaml:"medications"`
	Allergies   []string        `json:"allergies" yaml:"allergies"`
	Vitals      []Vital         `json:"vitals" yaml:"vitals"`
	DocumentIDs []string        `json:"documents" yaml:"documents"`
	Timeline    []TimelineEvent `json:"timeline" yaml:"timeline"`
}

// HasDocument reports whether id is in the patient's document list.
func (p *Patient) HasDocument(id string) bool {
	for _, d := range p.DocumentIDs {
		if d == id {
			return true
		}
	}
	return false
}

type Vital struct {
	ID         string `json:"id" yaml:"id"`
	Label      string `json:"label" yaml:"label"`
	Value      string `json:"value" yaml:"value"`
	Unit       string `json:"unit" yaml:"unit"`
	Status     string `json:"status" yaml:"status"`
	Trend      string `json:"trend" yaml:"trend"`
	TrendValue string `json:"trend_value" yaml:"trend_value"`
	Icon       string `json:"icon" yaml:"icon"`
}

type TimelineEvent struct {
	ID          string `json:"id" yaml:"id"`
	Date        string `json:"date" yaml:"date"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description" yaml:"description"`
	Type        string `json:"type" yaml:"type"`
	DocumentID  string `json:"document_id,omitempty" yaml:"document_id,omitempty"`
}

// TableRow is one analyte line of a tabular paragraph.
type TableRow struct {
	Marker         string `json:"marker" yaml:"marker"`
	Value          string `json:"value" yaml:"value"`
	Unit           string `json:"unit" yaml:"unit"`
	ReferenceRange string `json:"reference_range" yaml:"reference_range"`
	Flag           string `json:"flag" yaml:"flag"`
}

// Paragraph is an addressable unit of a source document. Citations point at
// it by ID.
type Paragraph struct {
	ID        string     `json:"id" yaml:"id"`
	Label     string     `json:"label" yaml:"label"`
	Content   string     `json:"content" yaml:"content"`
	IsTable   bool       `json:"is_table,omitempty" yaml:"is_table,omitempty"`
	TableRows []TableRow `json:"table_rows,omitempty" yaml:"table_rows,omitempty"`
}

// SummaryBullet is one AI summary statement and the paragraph it cites.
type SummaryBullet struct {
	Text          string `json:"text" yaml:"text"`
	CitationID    string `json:"citation_id" yaml:"citation_id"`
	CitationLabel string `json:"citation_label" yaml:"citation_label"`
}

type SummarySection struct {
	Heading string          `json:"heading" yaml:"heading"`
	Bullets []SummaryBullet `json:"bullets" yaml:"bullets"`
}

// Document is a source clinical document together with its AI summary.
type Document struct {
	ID            string           `json:"id" yaml:"id"`
	PatientID     string           `json:"patient_id" yaml:"patient_id"`
	Title         string           `json:"title" yaml:"title"`
	Type          string           `json:"type" yaml:"type"`
	Status        string           `json:"status" yaml:"status"`
	UploadedAt    time.Time        `json:"uploaded_at" yaml:"uploaded_at"`
	DateOfService string           `json:"date_of_service" yaml:"date_of_service"`
	Provider      string           `json:"provider" yaml:"provider"`
	Paragraphs    []Paragraph      `json:"paragraphs" yaml:"paragraphs"`
	AISummary     []SummarySection `json:"ai_summary" yaml:"ai_summary"`
	AIInsight     string           `json:"ai_insight" yaml:"ai_insight"`
	PlainSummary  string           `json:"plain_summary,omitempty" yaml:"plain_summary,omitempty"`
	VerifiedAt    *time.Time       `json:"verified_at,omitempty" yaml:"-"`
	VerifiedBy    *string          `json:"verified_by,omitempty" yaml:"-"`
}

// Verified reports whether a clinician has attested the summary.
func (d *Document) Verified() bool { return d.VerifiedAt != nil }

// Paragraph returns the paragraph whose ID equals id exactly.
func (d *Document) Paragraph(id string) (*Paragraph, bool) {
	for i := range d.Paragraphs {
		if d.Paragraphs[i].ID == id {
			return &d.Paragraphs[i], true
		}
	}
	return nil, false
}

// ParagraphIndex maps paragraph ID to its position in Paragraphs.
func (d *Document) ParagraphIndex() map[string]int {
	idx := make(map[string]int, len(d.Paragraphs))
	for i, p := range d.Paragraphs {
		idx[p.ID] = i
	}
	return idx
}

// Bullets flattens the AI summary in display order.
func (d *Document) Bullets() []SummaryBullet {
	var out []SummaryBullet
	for _, s := range d.AISummary {
		out = append(out, s.Bullets...)
	}
	return out
}

// ExportText renders the verified summary as plain text with citation labels.
func (d *Document) ExportText() string {
	var b strings.Builder
	b.WriteString(d.Title)
	b.WriteString("\n")
	b.WriteString(d.Provider)
	if d.DateOfService != "" {
		b.WriteString(" | ")
		b.WriteString(d.DateOfService)
	}
	b.WriteString("\n")
	for _, s := range d.AISummary {
		b.WriteString("\n")
		b.WriteString(s.Heading)
		b.WriteString("\n")
		for _, bl := range s.Bullets {
			b.WriteString("- ")
			b.WriteString(bl.Text)
			b.WriteString(" [")
			b.WriteString(bl.CitationLabel)
			b.WriteString("]\n")
		}
	}
	if d.VerifiedBy != nil && d.VerifiedAt != nil {
		b.WriteString("\nVerified by ")
		b.WriteString(*d.VerifiedBy)
		b.WriteString(" on ")
		b.WriteString(d.VerifiedAt.UTC().Format(time.RFC3339))
		b.WriteString("\n")
	}
	return b.String()
}
