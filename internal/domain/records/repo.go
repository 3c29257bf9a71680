package records

import (
	"context"
	"errors"
	"time"
)

var (
	ErrPatientNotFound   = errors.New("patient not found")
	ErrDocumentNotFound  = errors.New("document not found")
	ErrParagraphNotFound = errors.New("paragraph not found")
	ErrDuplicateDocument = errors.New("document already exists")
	ErrNotVerified       = errors.New("summary has not been verified")
)

type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id string) (*Patient, error)
	List(ctx context.Context) ([]*Patient, error)
	AppendDocument(ctx context.Context, patientID, documentID string) error
}

type DocumentRepository interface {
	Create(ctx context.Context, d *Document) error
	GetByID(ctx context.Context, id string) (*Document, error)
	ListByPatient(ctx context.Context, patientID string) ([]*Document, error)
	MarkVerified(ctx context.Context, id, verifier string, at time.Time) error
}
