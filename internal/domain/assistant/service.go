package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/chartview/internal/domain/records"
	"github.com/ehr/chartview/internal/platform/websocket"
)

const (
	EventTyping  = "assistant.typing"
	EventMessage = "assistant.message"
)

const respondTimeout = 30 * time.Second

// PatientLookup is satisfied by *records.Service.
type PatientLookup interface {
	GetPatient(ctx context.Context, id string) (*records.Patient, error)
}

// Pending tracks an assistant reply that has not been appended yet.
type Pending struct {
	done    chan struct{}
	discard chan struct{}
	reply   *Message
	err     error
}

// Done is closed once the reply has been appended or has failed.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the reply is appended or ctx ends.
func (p *Pending) Wait(ctx context.Context) (*Message, error) {
	select {
	case <-p.done:
		return p.reply, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type Service struct {
	store     ConversationStore
	scripts   *ScriptSet
	patients  PatientLookup
	responder Responder
	publisher websocket.Publisher
	latency   time.Duration
	logger    zerolog.Logger
	now       func() time.Time

	mu      sync.Mutex
	pending map[conversationKey]*Pending
	gens    map[conversationKey]uint64 // bumped by Reset
	closing chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

type Options struct {
	Store     ConversationStore
	Scripts   *ScriptSet
	Patients  PatientLookup
	Responder Responder
	Publisher websocket.Publisher
	Latency   time.Duration
	Logger    zerolog.Logger
}

func NewService(opts Options) *Service {
	responder := opts.Responder
	if responder == nil {
		responder = ScriptedResponder{}
	}
	return &Service{
		store:     opts.Store,
		scripts:   opts.Scripts,
		patients:  opts.Patients,
		responder: responder,
		publisher: opts.Publisher,
		latency:   opts.Latency,
		logger:    opts.Logger.With().Str("component", "assistant").Logger(),
		now:       time.Now,
		pending:   make(map[conversationKey]*Pending),
		gens:      make(map[conversationKey]uint64),
		closing:   make(chan struct{}),
	}
}

func (s *Service) checkConversation(ctx context.Context, patientID, channel string) error {
	if !ValidChannel(channel) {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	if _, err := s.patients.GetPatient(ctx, patientID); err != nil {
		return fmt.Errorf("conversation %s/%s: %w", patientID, channel, err)
	}
	return nil
}

// History returns the conversation log in append order.
func (s *Service) History(ctx context.Context, patientID, channel string) ([]*Message, error) {
	if err := s.checkConversation(ctx, patientID, channel); err != nil {
		return nil, err
	}
	return s.store.History(ctx, patientID, channel)
}

// ReplyPending reports whether an assistant reply is outstanding.
func (s *Service) ReplyPending(patientID, channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[conversationKey{patientID, channel}]
	return ok
}

// Send appends the user's message and schedules the assistant reply after
// the configured latency. Only one reply may be outstanding per
// conversation.
func (s *Service) Send(ctx context.Context, patientID, channel, text string) (*Message, *Pending, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil, ErrEmptyMessage
	}
	if err := s.checkConversation(ctx, patientID, channel); err != nil {
		return nil, nil, err
	}
	script, err := s.scripts.Get(patientID, channel)
	if err != nil {
		return nil, nil, err
	}

	key := conversationKey{patientID, channel}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, ErrServiceShutdown
	}
	if _, busy := s.pending[key]; busy {
		s.mu.Unlock()
		return nil, nil, ErrReplyInFlight
	}
	p := &Pending{done: make(chan struct{}), discard: make(chan struct{})}
	s.pending[key] = p
	gen := s.gens[key]
	s.wg.Add(1)
	s.mu.Unlock()

	history, err := s.store.History(ctx, patientID, channel)
	if err == nil {
		userMsg := s.newMessage(patientID, channel, RoleUser, Reply{Content: text})
		if err = s.appendIfCurrent(ctx, key, gen, userMsg); err == nil {
			go s.deliver(key, gen, script, text, history, p)
			return userMsg, p, nil
		}
	}

	s.release(key, p)
	s.wg.Done()
	return nil, nil, fmt.Errorf("send to %s/%s: %w", patientID, channel, err)
}

// appendIfCurrent appends msg unless the conversation was reset since gen.
func (s *Service) appendIfCurrent(ctx context.Context, key conversationKey, gen uint64, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gens[key] != gen {
		return ErrConversationReset
	}
	return s.store.Append(ctx, msg)
}

// release drops p from the pending set unless a reset already replaced it.
func (s *Service) release(key conversationKey, p *Pending) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[key] == p {
		delete(s.pending, key)
	}
}

func (s *Service) deliver(key conversationKey, gen uint64, script *Script, input string, history []*Message, p *Pending) {
	defer s.wg.Done()
	defer func() {
		s.release(key, p)
		close(p.done)
	}()

	topic := websocket.ConversationTopic(key.patientID, key.channel)
	s.publish(EventTyping, topic, map[string]bool{"typing": true})

	timer := time.NewTimer(s.latency)
	select {
	case <-timer.C:
	case <-s.closing:
		timer.Stop()
	case <-p.discard:
		timer.Stop()
		p.err = ErrConversationReset
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), respondTimeout)
	defer cancel()

	reply, err := s.responder.Respond(ctx, script, input, history)
	if err != nil {
		s.logger.Warn().Err(err).Str("patient", key.patientID).Str("channel", key.channel).Msg("responder failed, using default reply")
		reply = script.DefaultReply
	}

	msg := s.newMessage(key.patientID, key.channel, RoleAssistant, reply)
	if err := s.appendIfCurrent(ctx, key, gen, msg); err != nil {
		if !errors.Is(err, ErrConversationReset) {
			s.logger.Error().Err(err).Str("patient", key.patientID).Str("channel", key.channel).Msg("append assistant reply")
		}
		p.err = err
		return
	}
	p.reply = msg
	s.publish(EventMessage, topic, msg)
}

func (s *Service) newMessage(patientID, channel, role string, r Reply) *Message {
	return &Message{
		ID:        "msg-" + uuid.NewString(),
		PatientID: patientID,
		Channel:   channel,
		Role:      role,
		Content:   r.Content,
		Sources:   append([]Source{}, r.Sources...),
		CreatedAt: s.now().UTC(),
	}
}

func (s *Service) publish(eventType, topic string, payload interface{}) {
	if s.publisher == nil {
		return
	}
	ev, err := websocket.NewEvent(eventType, topic, payload)
	if err != nil {
		s.logger.Error().Err(err).Msg("build assistant event")
		return
	}
	if err := s.publisher.Publish(context.Background(), ev); err != nil {
		s.logger.Warn().Err(err).Str("type", eventType).Msg("publish assistant event")
	}
}

// Reset replaces the conversation log with msgs. A reply still pending for
// the conversation is discarded and never appended.
func (s *Service) Reset(ctx context.Context, patientID, channel string, msgs []*Message) error {
	if !ValidChannel(channel) {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	key := conversationKey{patientID, channel}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.gens[key]++
	if p, ok := s.pending[key]; ok {
		close(p.discard)
		delete(s.pending, key)
	}
	if err := s.store.Seed(ctx, patientID, channel, msgs); err != nil {
		return fmt.Errorf("reset %s/%s: %w", patientID, channel, err)
	}
	return nil
}

// Close stops accepting messages, cuts short the latency of outstanding
// replies and waits for them to be appended.
func (s *Service) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.closing)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
