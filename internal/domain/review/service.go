package review

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/chartview/internal/domain/records"
	"github.com/ehr/chartview/internal/platform/websocket"
)

const (
	EventHighlighted = "citation.highlighted"
	EventCleared     = "citation.cleared"
)

// DocumentSource is satisfied by *records.Service.
type DocumentSource interface {
	GetDocument(ctx context.Context, id string) (*records.Document, error)
}

// Highlight is the paragraph currently marked for a viewer.
type Highlight struct {
	ViewerID    string    `json:"viewer_id"`
	DocumentID  string    `json:"document_id"`
	ParagraphID string    `json:"paragraph_id"`
	Until       time.Time `json:"highlighted_until"`
}

// Resolution is what a citation click produces: the paragraph, the scroll
// anchor and when the highlight lapses.
type Resolution struct {
	Paragraph        records.Paragraph `json:"paragraph"`
	Position         int               `json:"position"`
	Anchor           string            `json:"anchor"`
	HighlightedUntil time.Time         `json:"highlighted_until"`
}

// Citation is one summary bullet with the label of the paragraph it cites.
type Citation struct {
	Section        string `json:"section"`
	Text           string `json:"text"`
	ParagraphID    string `json:"paragraph_id"`
	CitationLabel  string `json:"citation_label"`
	ParagraphLabel string `json:"paragraph_label"`
}

type active struct {
	Highlight
	generation uint64
	timer      *time.Timer
}

type Service struct {
	docs      DocumentSource
	publisher websocket.Publisher
	duration  time.Duration
	logger    zerolog.Logger
	now       func() time.Time

	mu         sync.Mutex
	generation uint64
	highlights map[string]*active
}

// NewService creates the citation service. publisher may be nil.
func NewService(docs DocumentSource, publisher websocket.Publisher, duration time.Duration, logger zerolog.Logger) *Service {
	return &Service{
		docs:       docs,
		publisher:  publisher,
		duration:   duration,
		logger:     logger.With().Str("component", "review").Logger(),
		now:        time.Now,
		highlights: make(map[string]*active),
	}
}

// ResolveCitation looks paragraphID up in the document's paragraph index and
// highlights it for viewerID. A later resolve for the same viewer replaces
// the highlight and restarts the clear timer.
func (s *Service) ResolveCitation(ctx context.Context, viewerID, documentID, paragraphID string) (*Resolution, error) {
	if viewerID == "" {
		return nil, fmt.Errorf("%w: viewer id is required", records.ErrInvalid)
	}
	doc, err := s.docs.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	pos, ok := doc.ParagraphIndex()[paragraphID]
	if !ok {
		return nil, fmt.Errorf("document %s paragraph %q: %w", documentID, paragraphID, records.ErrParagraphNotFound)
	}

	until := s.now().UTC().Add(s.duration)
	h := Highlight{ViewerID: viewerID, DocumentID: documentID, ParagraphID: paragraphID, Until: until}

	s.mu.Lock()
	s.generation++
	gen := s.generation
	if prev, ok := s.highlights[viewerID]; ok {
		prev.timer.Stop()
	}
	s.highlights[viewerID] = &active{
		Highlight:  h,
		generation: gen,
		timer:      time.AfterFunc(s.duration, func() { s.expire(viewerID, gen) }),
	}
	// published under mu so highlight and clear events leave in state order
	s.publish(ctx, EventHighlighted, h)
	s.mu.Unlock()

	return &Resolution{
		Paragraph:        doc.Paragraphs[pos],
		Position:         pos,
		Anchor:           paragraphID,
		HighlightedUntil: until,
	}, nil
}

// expire clears the viewer's highlight if it still belongs to gen.
func (s *Service) expire(viewerID string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.highlights[viewerID]
	if !ok || cur.generation != gen {
		return
	}
	delete(s.highlights, viewerID)

	s.logger.Debug().Str("viewer", viewerID).Str("paragraph", cur.ParagraphID).Msg("highlight cleared")
	s.publish(context.Background(), EventCleared, cur.Highlight)
}

// CurrentHighlight returns the viewer's active highlight, if any.
func (s *Service) CurrentHighlight(viewerID string) (Highlight, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.highlights[viewerID]
	if !ok {
		return Highlight{}, false
	}
	return cur.Highlight, true
}

// CitationsForDocument flattens the summary into citation badges.
func (s *Service) CitationsForDocument(ctx context.Context, documentID string) ([]Citation, error) {
	doc, err := s.docs.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	idx := doc.ParagraphIndex()
	out := make([]Citation, 0)
	for _, sec := range doc.AISummary {
		for _, b := range sec.Bullets {
			c := Citation{
				Section:       sec.Heading,
				Text:          b.Text,
				ParagraphID:   b.CitationID,
				CitationLabel: b.CitationLabel,
			}
			if pos, ok := idx[b.CitationID]; ok {
				c.ParagraphLabel = doc.Paragraphs[pos].Label
			}
			out = append(out, c)
		}
	}
	return out, nil
}

// Close stops pending clear timers.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, h := range s.highlights {
		h.timer.Stop()
		delete(s.highlights, id)
	}
}

func (s *Service) publish(ctx context.Context, eventType string, h Highlight) {
	if s.publisher == nil {
		return
	}
	ev, err := websocket.NewEvent(eventType, websocket.ViewerTopic(h.ViewerID), h)
	if err != nil {
		s.logger.Error().Err(err).Msg("build highlight event")
		return
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("type", eventType).Msg("publish highlight event")
	}
}
