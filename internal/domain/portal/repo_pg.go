package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/chartview/internal/platform/db"
)

type profileRepoPG struct{ pool *pgxpool.Pool }

func NewProfileRepoPG(pool *pgxpool.Pool) ProfileRepository {
	return &profileRepoPG{pool: pool}
}

func (r *profileRepoPG) Upsert(ctx context.Context, p *Profile) error {
	team, err := json.Marshal(p.CareTeam)
	if err != nil {
		return fmt.Errorf("encode care team: %w", err)
	}
	activity, err := json.Marshal(p.Activity)
	if err != nil {
		return fmt.Errorf("encode activity: %w", err)
	}
	_, err = db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO portal_profile (patient_id, care_team, recent_activity)
		VALUES ($1, $2, $3)
		ON CONFLICT (patient_id) DO UPDATE
		SET care_team = EXCLUDED.care_team, recent_activity = EXCLUDED.recent_activity, updated_at = NOW()`,
		p.PatientID, team, activity)
	return err
}

func (r *profileRepoPG) GetByPatient(ctx context.Context, patientID string) (*Profile, error) {
	var team, activity []byte
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT care_team, recent_activity FROM portal_profile WHERE patient_id = $1`, patientID,
	).Scan(&team, &activity)
	if errors.Is(err, pgx.ErrNoRows) {
		return &Profile{PatientID: patientID}, nil
	}
	if err != nil {
		return nil, err
	}
	p := &Profile{PatientID: patientID}
	if err := json.Unmarshal(team, &p.CareTeam); err != nil {
		return nil, fmt.Errorf("decode care team for %s: %w", patientID, err)
	}
	if err := json.Unmarshal(activity, &p.Activity); err != nil {
		return nil, fmt.Errorf("decode activity for %s: %w", patientID, err)
	}
	return p, nil
}
