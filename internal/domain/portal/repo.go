package portal

import (
	"context"
	"sync"
)

// ProfileRepository stores care team and activity per patient. A patient
// without a stored profile has an empty one.
type ProfileRepository interface {
	Upsert(ctx context.Context, p *Profile) error
	GetByPatient(ctx context.Context, patientID string) (*Profile, error)
}

type memoryProfiles struct {
	mu    sync.RWMutex
	items map[string]*Profile
}

func NewMemoryProfileRepo() ProfileRepository {
	return &memoryProfiles{items: make(map[string]*Profile)}
}

func (r *memoryProfiles) Upsert(_ context.Context, p *Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[p.PatientID] = cloneProfile(p)
	return nil
}

func (r *memoryProfiles) GetByPatient(_ context.Context, patientID string) (*Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.items[patientID]; ok {
		return cloneProfile(p), nil
	}
	return &Profile{PatientID: patientID}, nil
}

func cloneProfile(p *Profile) *Profile {
	out := *p
	out.CareTeam = append([]CareTeamMember(nil), p.CareTeam...)
	out.Activity = append([]ActivityItem(nil), p.Activity...)
	return &out
}
