package portal

import (
	"time"

	"github.com/ehr/chartview/internal/domain/records"
)

// CareTeamMember is a clinician listed on the patient's home page.
type CareTeamMember struct {
	Name   string `json:"name" yaml:"name"`
	Role   string `json:"role" yaml:"role"`
	Clinic string `json:"clinic" yaml:"clinic"`
	Status string `json:"status" yaml:"status"`
}

// ActivityItem is one entry of the recent activity feed.
type ActivityItem struct {
	Text string `json:"text" yaml:"text"`
	Time string `json:"time" yaml:"time"`
	Icon string `json:"icon" yaml:"icon"`
}

// Profile holds the portal-only data kept per patient.
type Profile struct {
	PatientID string           `json:"patient_id" yaml:"patient_id"`
	CareTeam  []CareTeamMember `json:"care_team" yaml:"care_team"`
	Activity  []ActivityItem   `json:"recent_activity" yaml:"recent_activity"`
}

var validMemberStatuses = map[string]bool{"active": true, "inactive": true}

var validActivityIcons = map[string]bool{"eye": true, "check-circle": true, "upload": true}

// Home is the patient's landing page.
type Home struct {
	PatientID      string           `json:"patient_id"`
	Name           string           `json:"name"`
	CareTeam       []CareTeamMember `json:"care_team"`
	RecentActivity []ActivityItem   `json:"recent_activity"`
	Vitals         []records.Vital  `json:"vitals"`
	KeyVitals      []records.Vital  `json:"key_vitals"`
	DocumentCount  int              `json:"document_count"`
}

// WalletEntry is a document as the patient sees it.
type WalletEntry struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Type          string    `json:"type"`
	Status        string    `json:"status"`
	UploadedAt    time.Time `json:"uploaded_at"`
	DateOfService string    `json:"date_of_service"`
	Provider      string    `json:"provider"`
	PlainSummary  string    `json:"plain_summary,omitempty"`
}

func walletEntry(d *records.Document) WalletEntry {
	return WalletEntry{
		ID:            d.ID,
		Title:         d.Title,
		Type:          d.Type,
		Status:        d.Status,
		UploadedAt:    d.UploadedAt,
		DateOfService: d.DateOfService,
		Provider:      d.Provider,
		PlainSummary:  d.PlainSummary,
	}
}

// ShareLink is a signed, time-limited read-only link to a chart.
type ShareLink struct {
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
	Email     string    `json:"email,omitempty"`
}

// SharedChart is what a share link recipient can read.
type SharedChart struct {
	Patient   *records.Patient    `json:"patient"`
	Documents []*records.Document `json:"documents"`
	ExpiresAt time.Time           `json:"expires_at"`
}
