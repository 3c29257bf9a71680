package assistant

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/chartview/internal/domain/records"
	"github.com/ehr/chartview/internal/platform/llm"
)

// Responder produces the assistant's answer to input.
type Responder interface {
	Respond(ctx context.Context, script *Script, input string, history []*Message) (Reply, error)
}

// ScriptedResponder answers from the canned reply table.
type ScriptedResponder struct{}

func (ScriptedResponder) Respond(_ context.Context, script *Script, input string, _ []*Message) (Reply, error) {
	return Select(script, input), nil
}

// ChatCompleter is satisfied by *llm.Client.
type ChatCompleter interface {
	Chat(ctx context.Context, messages []llm.Message) (string, error)
}

// PatientDocuments is satisfied by *records.Service.
type PatientDocuments interface {
	GetPatient(ctx context.Context, id string) (*records.Patient, error)
	ListDocuments(ctx context.Context, patientID string) ([]*records.Document, error)
}

// LiveResponder asks a chat model, grounding it in the patient's paragraphs.
// Citations the model emits are kept only when they resolve; any failure
// falls back to the scripted reply.
type LiveResponder struct {
	chat     ChatCompleter
	records  PatientDocuments
	fallback Responder
	logger   zerolog.Logger
	// maxHistory caps how many prior messages are sent as context.
	maxHistory int
}

func NewLiveResponder(chat ChatCompleter, recs PatientDocuments, logger zerolog.Logger) *LiveResponder {
	return &LiveResponder{
		chat:       chat,
		records:    recs,
		fallback:   ScriptedResponder{},
		logger:     logger.With().Str("component", "live-responder").Logger(),
		maxHistory: 10,
	}
}

func (r *LiveResponder) Respond(ctx context.Context, script *Script, input string, history []*Message) (Reply, error) {
	reply, err := r.respond(ctx, script, input, history)
	if err != nil {
		r.logger.Warn().Err(err).Str("patient", script.PatientID).Msg("live reply failed, using scripted reply")
		return r.fallback.Respond(ctx, script, input, history)
	}
	return reply, nil
}

func (r *LiveResponder) respond(ctx context.Context, script *Script, input string, history []*Message) (Reply, error) {
	patient, err := r.records.GetPatient(ctx, script.PatientID)
	if err != nil {
		return Reply{}, err
	}
	docs, err := r.records.ListDocuments(ctx, script.PatientID)
	if err != nil {
		return Reply{}, err
	}

	msgs := []llm.Message{{Role: "system", Content: systemPrompt(patient, docs, script.Channel)}}
	if len(history) > r.maxHistory {
		history = history[len(history)-r.maxHistory:]
	}
	for _, m := range history {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: input})

	text, err := r.chat.Chat(ctx, msgs)
	if err != nil {
		return Reply{}, err
	}

	cites, content := llm.ParseCitations(text)
	byID := make(map[string]*records.Document, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}
	reply := Reply{Content: content}
	for _, c := range cites {
		d, ok := byID[c.DocumentID]
		if !ok {
			continue
		}
		p, ok := d.Paragraph(c.ParagraphID)
		if !ok {
			continue
		}
		reply.Sources = append(reply.Sources, Source{
			Label:       d.Title + ": " + p.Label,
			DocumentID:  d.ID,
			ParagraphID: p.ID,
		})
	}
	return reply, nil
}

func systemPrompt(p *records.Patient, docs []*records.Document, channel string) string {
	var b strings.Builder
	if channel == ChannelPortal {
		fmt.Fprintf(&b, "You explain medical records to the patient %s in plain, friendly language. "+
			"Never give medical advice; suggest speaking with their clinician.\n", p.Name)
	} else {
		fmt.Fprintf(&b, "You are a clinical assistant answering a physician's questions about %s (%d, MRN %s).\n",
			p.Name, p.Age, p.MRN)
	}
	b.WriteString("Answer only from the records below. After each claim cite the paragraph as [document-id#paragraph-id].\n")
	fmt.Fprintf(&b, "\nDiagnoses: %s\nMedications: %s\nAllergies: %s\n",
		strings.Join(p.Diagnoses, "; "), strings.Join(p.Medications, "; "), strings.Join(p.Allergies, "; "))
	for _, d := range docs {
		fmt.Fprintf(&b, "\n## %s (%s, %s)\n", d.Title, d.Provider, d.DateOfService)
		for _, para := range d.Paragraphs {
			fmt.Fprintf(&b, "%s %s: %s\n", llm.CitationTag(d.ID, para.ID), para.Label, paragraphText(para))
		}
	}
	return b.String()
}

func paragraphText(p records.Paragraph) string {
	if !p.IsTable {
		return p.Content
	}
	rows := make([]string, 0, len(p.TableRows))
	for _, r := range p.TableRows {
		rows = append(rows, fmt.Sprintf("%s %s %s (ref %s, %s)", r.Marker, r.Value, r.Unit, r.ReferenceRange, r.Flag))
	}
	return strings.Join(rows, "; ")
}
