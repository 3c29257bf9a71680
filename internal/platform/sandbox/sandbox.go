// Package sandbox loads the demo chart (patients, documents, portal profiles,
// reply scripts and opening conversations) from a YAML seed file and applies
// it to the running stores.
package sandbox

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/ehr/chartview/internal/domain/assistant"
	"github.com/ehr/chartview/internal/domain/portal"
	"github.com/ehr/chartview/internal/domain/records"
	"github.com/ehr/chartview/internal/platform/auth"
)

//go:embed seed.yaml
var defaultSeed []byte

// Conversation is an opening message log for one patient and channel.
type Conversation struct {
	PatientID string               `yaml:"patient_id"`
	Channel   string               `yaml:"channel"`
	Messages  []*assistant.Message `yaml:"messages"`
}

// Seed is the parsed seed file.
type Seed struct {
	Patients      []*records.Patient  `yaml:"patients"`
	Documents     []*records.Document `yaml:"documents"`
	Profiles      []*portal.Profile   `yaml:"profiles"`
	Scripts       []*assistant.Script `yaml:"scripts"`
	Conversations []Conversation      `yaml:"conversations"`
}

// Parse decodes a seed file. Unknown keys are rejected.
func Parse(data []byte) (*Seed, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var s Seed
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	for i, c := range s.Conversations {
		if !assistant.ValidChannel(c.Channel) {
			return nil, fmt.Errorf("parse seed: conversation %d (%s): %w %q", i, c.PatientID, assistant.ErrUnknownChannel, c.Channel)
		}
	}
	return &s, nil
}

// Load reads the seed at path, or the built-in demo chart when path is empty.
func Load(path string) (*Seed, error) {
	if path == "" {
		return Parse(defaultSeed)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed %s: %w", path, err)
	}
	return Parse(data)
}

// ProfileSaver is satisfied by *portal.Service.
type ProfileSaver interface {
	SaveProfile(ctx context.Context, p *portal.Profile) error
}

// ConversationResetter is satisfied by *assistant.Service. Resetting through
// it also drops replies still pending for the conversation.
type ConversationResetter interface {
	Reset(ctx context.Context, patientID, channel string, msgs []*assistant.Message) error
}

// Options wires the seeder to the stores. Nil targets are skipped, so the
// CLI seed command can load records alone. Without a Resetter, resets write
// to Conversations directly.
type Options struct {
	Patients      records.PatientRepository
	Records       *records.Service
	Profiles      ProfileSaver
	Scripts       *assistant.ScriptSet
	Conversations assistant.ConversationStore
	Resetter      ConversationResetter
	Logger        zerolog.Logger
}

// Result counts what Apply wrote.
type Result struct {
	Patients      int `json:"patients"`
	Documents     int `json:"documents"`
	Profiles      int `json:"profiles"`
	Scripts       int `json:"scripts"`
	Conversations int `json:"conversations"`
}

// Seeder applies a Seed. Patients and documents that already exist are left
// untouched, which keeps Apply safe against a populated database.
type Seeder struct {
	opts   Options
	logger zerolog.Logger
}

func NewSeeder(opts Options) *Seeder {
	return &Seeder{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "sandbox").Logger(),
	}
}

func (s *Seeder) Apply(ctx context.Context, seed *Seed) (*Result, error) {
	res := &Result{}
	if err := s.applyRecords(ctx, seed, res); err != nil {
		return res, err
	}

	if s.opts.Profiles != nil {
		for _, p := range seed.Profiles {
			if err := s.opts.Profiles.SaveProfile(ctx, p); err != nil {
				return res, fmt.Errorf("seed profile %s: %w", p.PatientID, err)
			}
			res.Profiles++
		}
	}

	if s.opts.Scripts != nil && s.opts.Records != nil {
		for _, sc := range seed.Scripts {
			if err := s.opts.Scripts.Load(ctx, sc, s.opts.Records); err != nil {
				return res, fmt.Errorf("seed script: %w", err)
			}
			res.Scripts++
		}
	}

	if s.opts.Conversations != nil {
		n, err := s.seedConversations(ctx, seed)
		res.Conversations = n
		if err != nil {
			return res, err
		}
	}

	s.logger.Info().
		Int("patients", res.Patients).
		Int("documents", res.Documents).
		Int("profiles", res.Profiles).
		Int("scripts", res.Scripts).
		Int("conversations", res.Conversations).
		Msg("seed applied")
	return res, nil
}

func (s *Seeder) applyRecords(ctx context.Context, seed *Seed, res *Result) error {
	if s.opts.Patients == nil || s.opts.Records == nil {
		return nil
	}
	for _, p := range seed.Patients {
		_, err := s.opts.Records.GetPatient(ctx, p.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, records.ErrPatientNotFound) {
			return fmt.Errorf("seed patient %s: %w", p.ID, err)
		}
		cp := *p
		// documents are linked as they are added below
		cp.DocumentIDs = nil
		if err := s.opts.Patients.Create(ctx, &cp); err != nil {
			return fmt.Errorf("seed patient %s: %w", p.ID, err)
		}
		res.Patients++
	}
	for _, d := range seed.Documents {
		_, err := s.opts.Records.GetDocument(ctx, d.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, records.ErrDocumentNotFound) {
			return fmt.Errorf("seed document %s: %w", d.ID, err)
		}
		cp := *d
		if err := s.opts.Records.AddDocument(ctx, d.PatientID, &cp); err != nil {
			return fmt.Errorf("seed document %s: %w", d.ID, err)
		}
		res.Documents++
	}
	return nil
}

// seedConversations writes the opening logs. A conversation that already has
// history is kept.
func (s *Seeder) seedConversations(ctx context.Context, seed *Seed) (int, error) {
	n := 0
	for _, c := range seed.Conversations {
		hist, err := s.opts.Conversations.History(ctx, c.PatientID, c.Channel)
		if err != nil {
			return n, fmt.Errorf("seed conversation %s/%s: %w", c.PatientID, c.Channel, err)
		}
		if len(hist) > 0 {
			continue
		}
		if err := s.opts.Conversations.Seed(ctx, c.PatientID, c.Channel, c.Messages); err != nil {
			return n, fmt.Errorf("seed conversation %s/%s: %w", c.PatientID, c.Channel, err)
		}
		n++
	}
	return n, nil
}

// ResetConversations restores every scripted or seeded conversation to its
// opening log. A scripted conversation without an opening log is cleared.
func (s *Seeder) ResetConversations(ctx context.Context, seed *Seed) (int, error) {
	var reset func(ctx context.Context, patientID, channel string, msgs []*assistant.Message) error
	switch {
	case s.opts.Resetter != nil:
		reset = s.opts.Resetter.Reset
	case s.opts.Conversations != nil:
		reset = s.opts.Conversations.Seed
	default:
		return 0, nil
	}

	type convKey struct{ patientID, channel string }
	opening := make(map[convKey][]*assistant.Message, len(seed.Conversations))
	var order []convKey
	for _, c := range seed.Conversations {
		k := convKey{c.PatientID, c.Channel}
		if _, ok := opening[k]; !ok {
			order = append(order, k)
		}
		opening[k] = c.Messages
	}
	for _, sc := range seed.Scripts {
		k := convKey{sc.PatientID, sc.Channel}
		if _, ok := opening[k]; !ok {
			opening[k] = nil
			order = append(order, k)
		}
	}

	n := 0
	for _, k := range order {
		if err := reset(ctx, k.patientID, k.channel, opening[k]); err != nil {
			return n, fmt.Errorf("reset conversation %s/%s: %w", k.patientID, k.channel, err)
		}
		n++
	}
	s.logger.Info().Int("conversations", n).Msg("conversations reset")
	return n, nil
}

// Handler exposes the demo reset endpoint to admins.
type Handler struct {
	seeder *Seeder
	seed   *Seed
	mu     sync.Mutex
}

func NewHandler(seeder *Seeder, seed *Seed) *Handler {
	return &Handler{seeder: seeder, seed: seed}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/sandbox", auth.RequireRole(auth.RoleAdmin))
	g.POST("/reset", h.Reset)
}

func (h *Handler) Reset(c echo.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, err := h.seeder.ResetConversations(c.Request().Context(), h.seed)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"status": "reset", "conversations": n})
}
