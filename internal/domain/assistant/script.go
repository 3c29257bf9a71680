package assistant

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ehr/chartview/internal/domain/records"
)

// Select picks the reply for input: the first rule with a keyword contained
// in the lowercased input wins, otherwise the default reply.
func Select(s *Script, input string) Reply {
	lower := strings.ToLower(input)
	for _, r := range s.Rules {
		for _, kw := range r.Keywords {
			if kw != "" && strings.Contains(lower, kw) {
				return s.Replies[r.Name]
			}
		}
	}
	return s.DefaultReply
}

// DocumentSource is satisfied by *records.Service.
type DocumentSource interface {
	GetDocument(ctx context.Context, id string) (*records.Document, error)
}

// ValidateScript checks the script's shape and that every reply source
// resolves to a paragraph of one of the patient's documents.
func ValidateScript(ctx context.Context, s *Script, docs DocumentSource) error {
	if s.PatientID == "" {
		return fmt.Errorf("%w: patient_id is required", ErrInvalidScript)
	}
	if !ValidChannel(s.Channel) {
		return fmt.Errorf("%w: %s/%s: %v %q", ErrInvalidScript, s.PatientID, s.Channel, ErrUnknownChannel, s.Channel)
	}
	if strings.TrimSpace(s.DefaultReply.Content) == "" {
		return fmt.Errorf("%w: %s/%s: default reply is empty", ErrInvalidScript, s.PatientID, s.Channel)
	}
	for _, r := range s.Rules {
		if _, ok := s.Replies[r.Name]; !ok {
			return fmt.Errorf("%w: %s/%s: rule %q has no reply", ErrInvalidScript, s.PatientID, s.Channel, r.Name)
		}
		for _, kw := range r.Keywords {
			if kw == "" || kw != strings.ToLower(kw) {
				return fmt.Errorf("%w: %s/%s: rule %q keyword %q must be non-empty lowercase",
					ErrInvalidScript, s.PatientID, s.Channel, r.Name, kw)
			}
		}
	}

	check := func(name string, reply Reply) error {
		return validateSources(ctx, s.PatientID, reply.Sources, docs, func(src Source, err error) error {
			return fmt.Errorf("%w: %s/%s reply %q source %s#%s: %v",
				ErrInvalidScript, s.PatientID, s.Channel, name, src.DocumentID, src.ParagraphID, err)
		})
	}
	if err := check("default", s.DefaultReply); err != nil {
		return err
	}
	for name, reply := range s.Replies {
		if err := check(name, reply); err != nil {
			return err
		}
	}
	return nil
}

func validateSources(ctx context.Context, patientID string, sources []Source, docs DocumentSource, wrap func(Source, error) error) error {
	for _, src := range sources {
		doc, err := docs.GetDocument(ctx, src.DocumentID)
		if err != nil {
			return wrap(src, err)
		}
		if doc.PatientID != patientID {
			return wrap(src, records.ErrDocumentNotFound)
		}
		if _, ok := doc.Paragraph(src.ParagraphID); !ok {
			return wrap(src, records.ErrParagraphNotFound)
		}
	}
	return nil
}

// ScriptSet holds the loaded scripts keyed by patient and channel.
type ScriptSet struct {
	mu      sync.RWMutex
	scripts map[conversationKey]*Script
}

func NewScriptSet() *ScriptSet {
	return &ScriptSet{scripts: make(map[conversationKey]*Script)}
}

// Load validates s and registers it, replacing any script for the same
// patient and channel.
func (ss *ScriptSet) Load(ctx context.Context, s *Script, docs DocumentSource) error {
	if err := ValidateScript(ctx, s, docs); err != nil {
		return err
	}
	cp := *s
	ss.mu.Lock()
	ss.scripts[conversationKey{s.PatientID, s.Channel}] = &cp
	ss.mu.Unlock()
	return nil
}

func (ss *ScriptSet) Get(patientID, channel string) (*Script, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	s, ok := ss.scripts[conversationKey{patientID, channel}]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", patientID, channel, ErrNoScript)
	}
	return s, nil
}
