package records

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps patients and documents in process memory. It satisfies
// both PatientRepository and DocumentRepository and hands out copies so
// callers cannot mutate stored state.
type MemoryStore struct {
	mu        sync.RWMutex
	patients  map[string]*Patient
	order     []string
	documents map[string]*Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patients:  make(map[string]*Patient),
		documents: make(map[string]*Document),
	}
}

// Patients returns the store as a PatientRepository.
func (m *MemoryStore) Patients() PatientRepository { return memoryPatients{m} }

// Documents returns the store as a DocumentRepository.
func (m *MemoryStore) Documents() DocumentRepository { return memoryDocuments{m} }

type memoryPatients struct{ m *MemoryStore }

func (r memoryPatients) Create(_ context.Context, p *Patient) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.patients[p.ID]; ok {
		return fmt.Errorf("patient %s already exists", p.ID)
	}
	r.m.patients[p.ID] = clonePatient(p)
	r.m.order = append(r.m.order, p.ID)
	return nil
}

func (r memoryPatients) GetByID(_ context.Context, id string) (*Patient, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	p, ok := r.m.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return clonePatient(p), nil
}

func (r memoryPatients) List(_ context.Context) ([]*Patient, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	out := make([]*Patient, 0, len(r.m.order))
	for _, id := range r.m.order {
		out = append(out, clonePatient(r.m.patients[id]))
	}
	return out, nil
}

func (r memoryPatients) AppendDocument(_ context.Context, patientID, documentID string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	p, ok := r.m.patients[patientID]
	if !ok {
		return ErrPatientNotFound
	}
	if p.HasDocument(documentID) {
		return nil
	}
	p.DocumentIDs = append(p.DocumentIDs, documentID)
	return nil
}

type memoryDocuments struct{ m *MemoryStore }

func (r memoryDocuments) Create(_ context.Context, d *Document) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.documents[d.ID]; ok {
		return ErrDuplicateDocument
	}
	r.m.documents[d.ID] = cloneDocument(d)
	return nil
}

func (r memoryDocuments) GetByID(_ context.Context, id string) (*Document, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	d, ok := r.m.documents[id]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return cloneDocument(d), nil
}

func (r memoryDocuments) ListByPatient(_ context.Context, patientID string) ([]*Document, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []*Document
	for _, d := range r.m.documents {
		if d.PatientID == patientID {
			out = append(out, cloneDocument(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UploadedAt.Before(out[j].UploadedAt) })
	return out, nil
}

func (r memoryDocuments) MarkVerified(_ context.Context, id, verifier string, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	d, ok := r.m.documents[id]
	if !ok {
		return ErrDocumentNotFound
	}
	if d.VerifiedAt != nil {
		return nil
	}
	v := verifier
	t := at
	d.VerifiedAt = &t
	d.VerifiedBy = &v
	return nil
}

func clonePatient(p *Patient) *Patient {
	c := *p
	c.Diagnoses = append([]string(nil), p.Diagnoses...)
	c.Medications = append([]string(nil), p.Medications...)
	c.Allergies = append([]string(nil), p.Allergies...)
	c.Vitals = append([]Vital(nil), p.Vitals...)
	c.DocumentIDs = append([]string(nil), p.DocumentIDs...)
	c.Timeline = append([]TimelineEvent(nil), p.Timeline...)
	return &c
}

func cloneDocument(d *Document) *Document {
	c := *d
	c.Paragraphs = make([]Paragraph, len(d.Paragraphs))
	for i, p := range d.Paragraphs {
		p.TableRows = append([]TableRow(nil), p.TableRows...)
		c.Paragraphs[i] = p
	}
	c.AISummary = make([]SummarySection, len(d.AISummary))
	for i, s := range d.AISummary {
		s.Bullets = append([]SummaryBullet(nil), s.Bullets...)
		c.AISummary[i] = s
	}
	if d.VerifiedAt != nil {
		t := *d.VerifiedAt
		c.VerifiedAt = &t
	}
	if d.VerifiedBy != nil {
		v := *d.VerifiedBy
		c.VerifiedBy = &v
	}
	return &c
}
