package records

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TxRunner runs fn atomically. The postgres wiring passes db.WithTx.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

type Service struct {
	patients  PatientRepository
	documents DocumentRepository
	inTx      TxRunner
	now       func() time.Time
}

func NewService(patients PatientRepository, documents DocumentRepository) *Service {
	return &Service{
		patients:  patients,
		documents: documents,
		inTx: func(ctx context.Context, fn func(ctx context.Context) error) error {
			return fn(ctx)
		},
		now: time.Now,
	}
}

// WithTransactions makes multi-step writes run through run.
func (s *Service) WithTransactions(run TxRunner) *Service {
	s.inTx = run
	return s
}

func (s *Service) ListPatients(ctx context.Context) ([]*Patient, error) {
	return s.patients.List(ctx)
}

func (s *Service) GetPatient(ctx context.Context, id string) (*Patient, error) {
	p, err := s.patients.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get patient %s: %w", id, err)
	}
	return p, nil
}

// ListDocuments returns the patient's documents in the order of the
// patient's document list. Stored documents not on the list are omitted.
func (s *Service) ListDocuments(ctx context.Context, patientID string) ([]*Document, error) {
	p, err := s.GetPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	docs, err := s.documents.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list documents of %s: %w", patientID, err)
	}
	byID := make(map[string]*Document, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}
	out := make([]*Document, 0, len(p.DocumentIDs))
	for _, id := range p.DocumentIDs {
		if d, ok := byID[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Service) GetDocument(ctx context.Context, id string) (*Document, error) {
	d, err := s.documents.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return d, nil
}

// GetPatientDocument fetches a document and checks it belongs to patientID.
func (s *Service) GetPatientDocument(ctx context.Context, patientID, documentID string) (*Document, error) {
	d, err := s.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if d.PatientID != patientID {
		return nil, fmt.Errorf("get document %s for %s: %w", documentID, patientID, ErrDocumentNotFound)
	}
	return d, nil
}

// Paragraph is a direct lookup; ids are compared byte for byte.
func (s *Service) Paragraph(ctx context.Context, documentID, paragraphID string) (*Paragraph, error) {
	d, err := s.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	p, ok := d.Paragraph(paragraphID)
	if !ok {
		return nil, fmt.Errorf("document %s paragraph %q: %w", documentID, paragraphID, ErrParagraphNotFound)
	}
	return p, nil
}

// AddDocument validates d, stores it and links it to the patient.
func (s *Service) AddDocument(ctx context.Context, patientID string, d *Document) error {
	if _, err := s.GetPatient(ctx, patientID); err != nil {
		return err
	}
	d.PatientID = patientID
	if d.ID == "" {
		d.ID = "doc-" + uuid.NewString()[:8]
	}
	if d.Status == "" {
		d.Status = "processed"
		if len(d.AISummary) == 0 {
			d.Status = "pending"
		}
	}
	if d.UploadedAt.IsZero() {
		d.UploadedAt = s.now().UTC()
	}
	d.VerifiedAt, d.VerifiedBy = nil, nil
	if err := ValidateDocument(d); err != nil {
		return err
	}
	return s.inTx(ctx, func(ctx context.Context) error {
		if err := s.documents.Create(ctx, d); err != nil {
			return fmt.Errorf("create document %s: %w", d.ID, err)
		}
		if err := s.patients.AppendDocument(ctx, patientID, d.ID); err != nil {
			return fmt.Errorf("link document %s to %s: %w", d.ID, patientID, err)
		}
		return nil
	})
}

// VerifySummary records a clinician's attestation. Re-verifying keeps the
// first attestation.
func (s *Service) VerifySummary(ctx context.Context, documentID string, attested bool, verifier string) (*Document, error) {
	if !attested {
		return nil, invalidf("attestation is required")
	}
	if strings.TrimSpace(verifier) == "" {
		return nil, invalidf("verifier is required")
	}
	if err := s.documents.MarkVerified(ctx, documentID, verifier, s.now().UTC()); err != nil {
		return nil, fmt.Errorf("verify document %s: %w", documentID, err)
	}
	return s.GetDocument(ctx, documentID)
}

// ExportSummary is available only after verification.
func (s *Service) ExportSummary(ctx context.Context, documentID string) (string, error) {
	d, err := s.GetDocument(ctx, documentID)
	if err != nil {
		return "", err
	}
	if !d.Verified() {
		return "", fmt.Errorf("export %s: %w", documentID, ErrNotVerified)
	}
	return d.ExportText(), nil
}
