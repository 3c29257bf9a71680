package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/chartview/internal/platform/db"
)

// =========== Patient Repository ===========

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

const patientCols = `id, name, age, dob, mrn, diagnoses, medications, allergies,
	vitals, document_ids, timeline`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var diagnoses, medications, allergies, vitals, docIDs, timeline []byte
	err := row.Scan(&p.ID, &p.Name, &p.Age, &p.DOB, &p.MRN, &diagnoses, &medications, &allergies,
		&vitals, &docIDs, &timeline)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	for _, f := range []struct {
		raw []byte
		dst interface{}
	}{
		{diagnoses, &p.Diagnoses},
		{medications, &p.Medications},
		{allergies, &p.Allergies},
		{vitals, &p.Vitals},
		{docIDs, &p.DocumentIDs},
		{timeline, &p.Timeline},
	} {
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("decode patient %s: %w", p.ID, err)
		}
	}
	return &p, nil
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	args, err := marshalAll(p.Diagnoses, p.Medications, p.Allergies, p.Vitals, p.DocumentIDs, p.Timeline)
	if err != nil {
		return err
	}
	_, err = db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO patient (id, name, age, dob, mrn, diagnoses, medications, allergies,
			vitals, document_ids, timeline)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		p.ID, p.Name, p.Age, p.DOB, p.MRN, args[0], args[1], args[2], args[3], args[4], args[5])
	return err
}

func (r *patientRepoPG) GetByID(ctx context.Context, id string) (*Patient, error) {
	return scanPatient(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
}

func (r *patientRepoPG) List(ctx context.Context) ([]*Patient, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+patientCols+` FROM patient ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

// AppendDocument adds documentID to the JSONB id list unless already there.
func (r *patientRepoPG) AppendDocument(ctx context.Context, patientID, documentID string) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE patient
		SET document_ids = CASE
			WHEN document_ids ? $2 THEN document_ids
			ELSE document_ids || to_jsonb($2::text)
		END
		WHERE id = $1`, patientID, documentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPatientNotFound
	}
	return nil
}

// =========== Document Repository ===========

type documentRepoPG struct{ pool *pgxpool.Pool }

func NewDocumentRepoPG(pool *pgxpool.Pool) DocumentRepository {
	return &documentRepoPG{pool: pool}
}

const documentCols = `id, patient_id, title, type, status, uploaded_at, date_of_service, provider,
	paragraphs, ai_summary, ai_insight, plain_summary, verified_at, verified_by`

func scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	var paragraphs, summary []byte
	err := row.Scan(&d.ID, &d.PatientID, &d.Title, &d.Type, &d.Status, &d.UploadedAt, &d.DateOfService, &d.Provider,
		&paragraphs, &summary, &d.AIInsight, &d.PlainSummary, &d.VerifiedAt, &d.VerifiedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDocumentNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(paragraphs, &d.Paragraphs); err != nil {
		return nil, fmt.Errorf("decode paragraphs of %s: %w", d.ID, err)
	}
	if err := json.Unmarshal(summary, &d.AISummary); err != nil {
		return nil, fmt.Errorf("decode summary of %s: %w", d.ID, err)
	}
	return &d, nil
}

func (r *documentRepoPG) Create(ctx context.Context, d *Document) error {
	args, err := marshalAll(d.Paragraphs, d.AISummary)
	if err != nil {
		return err
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO document (id, patient_id, title, type, status, uploaded_at, date_of_service,
			provider, paragraphs, ai_summary, ai_insight, plain_summary)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO NOTHING`,
		d.ID, d.PatientID, d.Title, d.Type, d.Status, d.UploadedAt, d.DateOfService,
		d.Provider, args[0], args[1], d.AIInsight, d.PlainSummary)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateDocument
	}
	return nil
}

func (r *documentRepoPG) GetByID(ctx context.Context, id string) (*Document, error) {
	return scanDocument(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+documentCols+` FROM document WHERE id = $1`, id))
}

func (r *documentRepoPG) ListByPatient(ctx context.Context, patientID string) ([]*Document, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+documentCols+` FROM document WHERE patient_id = $1 ORDER BY uploaded_at`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

func (r *documentRepoPG) MarkVerified(ctx context.Context, id, verifier string, at time.Time) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE document SET verified_at = COALESCE(verified_at, $2),
			verified_by = COALESCE(verified_by, $3)
		WHERE id = $1`, id, at, verifier)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

func marshalAll(values ...interface{}) ([][]byte, error) {
	out := make([][]byte, len(values))
	for i, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		if string(b) == "null" {
			b = []byte("[]")
		}
		out[i] = b
	}
	return out, nil
}
