package records

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func fixedNow() time.Time { return time.Date(2024, 10, 15, 9, 0, 0, 0, time.UTC) }

func newTestService() *Service {
	store := NewMemoryStore()
	svc := NewService(store.Patients(), store.Documents())
	svc.now = fixedNow
	return svc
}

func sampleDocument(id string) *Document {
	return &Document{
		ID:            id,
		Title:         "Comprehensive Metabolic Panel",
		Type:          "lab_result",
		DateOfService: "2024-10-01",
		Provider:      "Quest Diagnostics",
		Paragraphs: []Paragraph{
			{ID: "p1", Label: "Header", Content: "Patient: Michael Chen"},
			{ID: "p2", Label: "Lipids", Content: "LDL 162 mg/dL", IsTable: true, TableRows: []TableRow{
				{Marker: "LDL", Value: "162", Unit: "mg/dL", ReferenceRange: "<100", Flag: "H"},
			}},
		},
		AISummary: []SummarySection{
			{Heading: "Key Findings", Bullets: []SummaryBullet{
				{Text: "LDL is elevated", CitationID: "p2", CitationLabel: "Lipid Panel"},
			}},
		},
	}
}

func seedPatient(t *testing.T, svc *Service, id string) {
	t.Helper()
	if err := svc.patients.Create(context.Background(), &Patient{ID: id, Name: "Michael Chen", Age: 45}); err != nil {
		t.Fatalf("seed patient: %v", err)
	}
}

func TestService_AddDocument(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	seedPatient(t, svc, "patient-001")

	d := sampleDocument("doc-001")
	if err := svc.AddDocument(ctx, "patient-001", d); err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	if d.Status != "processed" {
		t.Errorf("expected processed status, got %s", d.Status)
	}
	if !d.UploadedAt.Equal(fixedNow()) {
		t.Errorf("expected uploaded_at set to now, got %v", d.UploadedAt)
	}

	p, err := svc.GetPatient(ctx, "patient-001")
	if err != nil {
		t.Fatalf("GetPatient: %v", err)
	}
	if !p.HasDocument("doc-001") {
		t.Errorf("expected patient to list doc-001, got %v", p.DocumentIDs)
	}
}

func TestService_AddDocument_GeneratesIDAndPendingStatus(t *testing.T) {
	svc := newTestService()
	seedPatient(t, svc, "patient-001")

	d := sampleDocument("")
	d.AISummary = nil
	if err := svc.AddDocument(context.Background(), "patient-001", d); err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	if !strings.HasPrefix(d.ID, "doc-") {
		t.Errorf("expected generated doc- id, got %q", d.ID)
	}
	if d.Status != "pending" {
		t.Errorf("expected pending status without summary, got %s", d.Status)
	}
}

func TestService_AddDocument_RejectsDanglingCitation(t *testing.T) {
	svc := newTestService()
	seedPatient(t, svc, "patient-001")

	d := sampleDocument("doc-bad")
	d.AISummary[0].Bullets[0].CitationID = "p9"
	err := svc.AddDocument(context.Background(), "patient-001", d)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if _, err := svc.GetDocument(context.Background(), "doc-bad"); !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("invalid document must not be stored, got %v", err)
	}
}

func TestService_AddDocument_UnknownPatient(t *testing.T) {
	svc := newTestService()
	err := svc.AddDocument(context.Background(), "patient-404", sampleDocument("doc-001"))
	if !errors.Is(err, ErrPatientNotFound) {
		t.Fatalf("expected ErrPatientNotFound, got %v", err)
	}
}

func TestService_AddDocument_Duplicate(t *testing.T) {
	svc := newTestService()
	seedPatient(t, svc, "patient-001")
	ctx := context.Background()
	if err := svc.AddDocument(ctx, "patient-001", sampleDocument("doc-001")); err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	err := svc.AddDocument(ctx, "patient-001", sampleDocument("doc-001"))
	if !errors.Is(err, ErrDuplicateDocument) {
		t.Fatalf("expected ErrDuplicateDocument, got %v", err)
	}
}

func TestService_ListDocuments_FollowsPatientOrder(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	seedPatient(t, svc, "patient-001")

	for _, id := range []string{"doc-b", "doc-a", "doc-c"} {
		if err := svc.AddDocument(ctx, "patient-001", sampleDocument(id)); err != nil {
			t.Fatalf("AddDocument %s: %v", id, err)
		}
	}
	docs, err := svc.ListDocuments(ctx, "patient-001")
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	var got []string
	for _, d := range docs {
		got = append(got, d.ID)
	}
	if strings.Join(got, ",") != "doc-b,doc-a,doc-c" {
		t.Errorf("unexpected order %v", got)
	}
}

func TestService_Paragraph(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	seedPatient(t, svc, "patient-001")
	if err := svc.AddDocument(ctx, "patient-001", sampleDocument("doc-001")); err != nil {
		t.Fatalf("AddDocument: %v", err)
	}

	p, err := svc.Paragraph(ctx, "doc-001", "p2")
	if err != nil {
		t.Fatalf("Paragraph: %v", err)
	}
	if p.Label != "Lipids" {
		t.Errorf("expected Lipids, got %s", p.Label)
	}

	for _, id := range []string{"p3", "P2", "p2 ", ""} {
		if _, err := svc.Paragraph(ctx, "doc-001", id); !errors.Is(err, ErrParagraphNotFound) {
			t.Errorf("Paragraph(%q): expected ErrParagraphNotFound, got %v", id, err)
		}
	}
}

func TestService_GetPatientDocument_Ownership(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	seedPatient(t, svc, "patient-001")
	seedPatient(t, svc, "patient-002")
	if err := svc.AddDocument(ctx, "patient-001", sampleDocument("doc-001")); err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	if _, err := svc.GetPatientDocument(ctx, "patient-002", "doc-001"); !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("expected ErrDocumentNotFound across patients, got %v", err)
	}
	if _, err := svc.GetPatientDocument(ctx, "patient-001", "doc-001"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestService_VerifyAndExport(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	seedPatient(t, svc, "patient-001")
	if err := svc.AddDocument(ctx, "patient-001", sampleDocument("doc-001")); err != nil {
		t.Fatalf("AddDocument: %v", err)
	}

	if _, err := svc.ExportSummary(ctx, "doc-001"); !errors.Is(err, ErrNotVerified) {
		t.Fatalf("expected ErrNotVerified before attestation, got %v", err)
	}
	if _, err := svc.VerifySummary(ctx, "doc-001", false, "dr-jenkins"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid without attestation, got %v", err)
	}

	d, err := svc.VerifySummary(ctx, "doc-001", true, "dr-jenkins")
	if err != nil {
		t.Fatalf("VerifySummary: %v", err)
	}
	if !d.Verified() || *d.VerifiedBy != "dr-jenkins" {
		t.Errorf("expected verification by dr-jenkins, got %+v", d)
	}

	// A second attestation keeps the first.
	svc.now = func() time.Time { return fixedNow().Add(time.Hour) }
	d, err = svc.VerifySummary(ctx, "doc-001", true, "dr-other")
	if err != nil {
		t.Fatalf("VerifySummary again: %v", err)
	}
	if *d.VerifiedBy != "dr-jenkins" || !d.VerifiedAt.Equal(fixedNow()) {
		t.Errorf("first attestation should win, got %s at %v", *d.VerifiedBy, d.VerifiedAt)
	}

	text, err := svc.ExportSummary(ctx, "doc-001")
	if err != nil {
		t.Fatalf("ExportSummary: %v", err)
	}
	for _, want := range []string{"Comprehensive Metabolic Panel", "Key Findings", "- LDL is elevated [Lipid Panel]", "Verified by dr-jenkins"} {
		if !strings.Contains(text, want) {
			t.Errorf("export missing %q:\n%s", want, text)
		}
	}
}

func TestService_VerifySummary_UnknownDocument(t *testing.T) {
	svc := newTestService()
	if _, err := svc.VerifySummary(context.Background(), "doc-404", true, "dr"); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestValidateDocument(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *Document)
	}{
		{"missing title", func(d *Document) { d.Title = " " }},
		{"bad type", func(d *Document) { d.Type = "x-ray" }},
		{"bad status", func(d *Document) { d.Status = "done" }},
		{"empty paragraph id", func(d *Document) { d.Paragraphs[0].ID = "" }},
		{"duplicate paragraph id", func(d *Document) { d.Paragraphs[1].ID = "p1" }},
		{"bad flag", func(d *Document) { d.Paragraphs[1].TableRows[0].Flag = "X" }},
		{"empty heading", func(d *Document) { d.AISummary[0].Heading = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := sampleDocument("doc-001")
			d.Status = "processed"
			tt.mutate(d)
			if err := ValidateDocument(d); !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}

	d := sampleDocument("doc-001")
	d.Status = "processed"
	if err := ValidateDocument(d); err != nil {
		t.Errorf("valid document rejected: %v", err)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	seedPatient(t, svc, "patient-001")
	if err := svc.AddDocument(ctx, "patient-001", sampleDocument("doc-001")); err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	d, _ := svc.GetDocument(ctx, "doc-001")
	d.Paragraphs[0].Content = "tampered"
	again, _ := svc.GetDocument(ctx, "doc-001")
	if again.Paragraphs[0].Content == "tampered" {
		t.Error("store leaked internal state")
	}
}

func TestService_AddDocument_RunsInTransaction(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	seedPatient(t, svc, "patient-001")

	calls := 0
	svc.WithTransactions(func(ctx context.Context, fn func(ctx context.Context) error) error {
		calls++
		return fn(ctx)
	})
	if err := svc.AddDocument(ctx, "patient-001", sampleDocument("doc-001")); err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected one transaction, got %d", calls)
	}

	rollback := errors.New("rolled back")
	svc.WithTransactions(func(ctx context.Context, fn func(ctx context.Context) error) error {
		return rollback
	})
	if err := svc.AddDocument(ctx, "patient-001", sampleDocument("doc-002")); !errors.Is(err, rollback) {
		t.Fatalf("expected transaction error, got %v", err)
	}
}
