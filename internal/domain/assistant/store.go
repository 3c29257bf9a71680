package assistant

import (
	"context"
	"sync"
)

// ConversationStore is an append-only log per (patient, channel).
type ConversationStore interface {
	Append(ctx context.Context, msg *Message) error
	History(ctx context.Context, patientID, channel string) ([]*Message, error)
	// Seed replaces the log with msgs. Used when loading fixtures.
	Seed(ctx context.Context, patientID, channel string, msgs []*Message) error
}

type MemoryStore struct {
	mu    sync.RWMutex
	convs map[conversationKey][]*Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[conversationKey][]*Message)}
}

func (m *MemoryStore) Append(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := conversationKey{msg.PatientID, msg.Channel}
	m.convs[k] = append(m.convs[k], cloneMessage(msg))
	return nil
}

func (m *MemoryStore) History(_ context.Context, patientID, channel string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.convs[conversationKey{patientID, channel}]
	out := make([]*Message, len(log))
	for i, msg := range log {
		out[i] = cloneMessage(msg)
	}
	return out, nil
}

func (m *MemoryStore) Seed(_ context.Context, patientID, channel string, msgs []*Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := make([]*Message, len(msgs))
	for i, msg := range msgs {
		c := cloneMessage(msg)
		c.PatientID, c.Channel = patientID, channel
		log[i] = c
	}
	m.convs[conversationKey{patientID, channel}] = log
	return nil
}

func cloneMessage(m *Message) *Message {
	c := *m
	c.Sources = append([]Source(nil), m.Sources...)
	return &c
}
