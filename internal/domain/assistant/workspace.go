package assistant

import (
	"context"
	"fmt"
	"sync"
)

// Workspace tracks which patient each clinician is looking at. Sends go to
// that patient's clinician conversation and reply script.
type Workspace struct {
	svc            *Service
	patients       PatientLookup
	defaultPatient string

	mu      sync.RWMutex
	current map[string]string // user -> patient
}

func NewWorkspace(svc *Service, patients PatientLookup, defaultPatient string) *Workspace {
	return &Workspace{
		svc:            svc,
		patients:       patients,
		defaultPatient: defaultPatient,
		current:        make(map[string]string),
	}
}

func (w *Workspace) CurrentPatient(userID string) string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if id, ok := w.current[userID]; ok {
		return id
	}
	return w.defaultPatient
}

// SetCurrentPatient switches the user's active patient. An unknown patient
// leaves the workspace unchanged.
func (w *Workspace) SetCurrentPatient(ctx context.Context, userID, patientID string) error {
	if _, err := w.patients.GetPatient(ctx, patientID); err != nil {
		return fmt.Errorf("switch to %s: %w", patientID, err)
	}
	w.mu.Lock()
	w.current[userID] = patientID
	w.mu.Unlock()
	return nil
}

func (w *Workspace) History(ctx context.Context, userID string) (string, []*Message, error) {
	pid := w.CurrentPatient(userID)
	msgs, err := w.svc.History(ctx, pid, ChannelClinician)
	return pid, msgs, err
}

func (w *Workspace) Send(ctx context.Context, userID, text string) (*Message, *Pending, error) {
	return w.svc.Send(ctx, w.CurrentPatient(userID), ChannelClinician, text)
}
