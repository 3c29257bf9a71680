package portal

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/chartview/internal/domain/assistant"
	"github.com/ehr/chartview/internal/domain/records"
)

// Records is the part of the records service the portal reads.
type Records interface {
	GetPatient(ctx context.Context, id string) (*records.Patient, error)
	ListDocuments(ctx context.Context, patientID string) ([]*records.Document, error)
	GetPatientDocument(ctx context.Context, patientID, documentID string) (*records.Document, error)
}

type Service struct {
	records  Records
	profiles ProfileRepository
	chat     *assistant.Service
	share    *shareSigner
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(recs Records, profiles ProfileRepository, chat *assistant.Service, share ShareConfig, logger zerolog.Logger) *Service {
	return &Service{
		records:  recs,
		profiles: profiles,
		chat:     chat,
		share:    newShareSigner(share),
		logger:   logger.With().Str("component", "portal").Logger(),
		now:      time.Now,
	}
}

// SaveProfile validates and stores a patient's care team and activity feed.
func (s *Service) SaveProfile(ctx context.Context, p *Profile) error {
	if _, err := s.records.GetPatient(ctx, p.PatientID); err != nil {
		return err
	}
	for _, m := range p.CareTeam {
		if strings.TrimSpace(m.Name) == "" {
			return fmt.Errorf("%w: care team member name is required", records.ErrInvalid)
		}
		if !validMemberStatuses[m.Status] {
			return fmt.Errorf("%w: care team status %q", records.ErrInvalid, m.Status)
		}
	}
	for _, a := range p.Activity {
		if !validActivityIcons[a.Icon] {
			return fmt.Errorf("%w: activity icon %q", records.ErrInvalid, a.Icon)
		}
	}
	return s.profiles.Upsert(ctx, p)
}

func (s *Service) Home(ctx context.Context, patientID string) (*Home, error) {
	p, err := s.records.GetPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	profile, err := s.profiles.GetByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("load portal profile: %w", err)
	}
	home := &Home{
		PatientID:      p.ID,
		Name:           p.Name,
		CareTeam:       profile.CareTeam,
		RecentActivity: profile.Activity,
		Vitals:         p.Vitals,
		KeyVitals:      []records.Vital{},
		DocumentCount:  len(p.DocumentIDs),
	}
	for _, v := range p.Vitals {
		if v.Status != "normal" {
			home.KeyVitals = append(home.KeyVitals, v)
		}
	}
	return home, nil
}

func (s *Service) Wallet(ctx context.Context, patientID string) ([]WalletEntry, error) {
	docs, err := s.records.ListDocuments(ctx, patientID)
	if err != nil {
		return nil, err
	}
	out := make([]WalletEntry, 0, len(docs))
	for _, d := range docs {
		out = append(out, walletEntry(d))
	}
	return out, nil
}

// PlainSummary returns the plain-language summary of one of the patient's
// documents. Documents without one yield an empty string.
func (s *Service) PlainSummary(ctx context.Context, patientID, documentID string) (string, error) {
	d, err := s.records.GetPatientDocument(ctx, patientID, documentID)
	if err != nil {
		return "", err
	}
	return d.PlainSummary, nil
}

func (s *Service) ChatHistory(ctx context.Context, patientID string) ([]*assistant.Message, error) {
	return s.chat.History(ctx, patientID, assistant.ChannelPortal)
}

func (s *Service) ChatPending(patientID string) bool {
	return s.chat.ReplyPending(patientID, assistant.ChannelPortal)
}

func (s *Service) SendChat(ctx context.Context, patientID, text string) (*assistant.Message, *assistant.Pending, error) {
	return s.chat.Send(ctx, patientID, assistant.ChannelPortal, text)
}

// CreateShareLink issues a read-only link to the patient's chart. A zero ttl
// uses the configured default. When email is set the link is "sent", which
// only logs the delivery.
func (s *Service) CreateShareLink(ctx context.Context, patientID, email string, ttl time.Duration) (*ShareLink, error) {
	if ttl < 0 || ttl > MaxShareTTL {
		return nil, fmt.Errorf("%w: ttl must be between 0 and %s", records.ErrInvalid, MaxShareTTL)
	}
	email = strings.TrimSpace(email)
	if email != "" {
		addr, err := mail.ParseAddress(email)
		if err != nil {
			return nil, fmt.Errorf("%w: email: %v", records.ErrInvalid, err)
		}
		email = addr.Address
	}
	if _, err := s.records.GetPatient(ctx, patientID); err != nil {
		return nil, err
	}
	link, err := s.share.issue(patientID, email, ttl, s.now())
	if err != nil {
		return nil, err
	}
	ev := s.logger.Info().Str("patient_id", patientID).Time("expires_at", link.ExpiresAt)
	if email != "" {
		ev = ev.Str("recipient", maskEmail(email))
	}
	ev.Msg("share link issued")
	return link, nil
}

func (s *Service) ResolveShareLink(ctx context.Context, token string) (*SharedChart, error) {
	patientID, exp, err := s.share.parse(token, s.now())
	if err != nil {
		return nil, err
	}
	p, err := s.records.GetPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	docs, err := s.records.ListDocuments(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return &SharedChart{Patient: p, Documents: docs, ExpiresAt: exp}, nil
}
