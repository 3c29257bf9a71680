package assistant

import (
	"errors"
	"time"
)

const (
	ChannelClinician = "clinician"
	ChannelPortal    = "portal"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	ErrEmptyMessage      = errors.New("message is empty")
	ErrUnknownChannel    = errors.New("unknown conversation channel")
	ErrReplyInFlight     = errors.New("a reply is already pending for this conversation")
	ErrNoScript          = errors.New("no reply script for patient")
	ErrInvalidScript     = errors.New("invalid reply script")
	ErrServiceShutdown   = errors.New("assistant is shutting down")
	ErrConversationReset = errors.New("conversation was reset")
)

// ValidChannel reports whether ch names a known conversation channel.
func ValidChannel(ch string) bool {
	return ch == ChannelClinician || ch == ChannelPortal
}

// Source points a reply at the paragraph it draws on.
type Source struct {
	Label       string `json:"label" yaml:"label"`
	DocumentID  string `json:"document_id" yaml:"document_id"`
	ParagraphID string `json:"paragraph_id" yaml:"paragraph_id"`
}

// Message is one entry of a conversation log.
type Message struct {
	ID        string    `json:"id" yaml:"id"`
	PatientID string    `json:"patient_id" yaml:"-"`
	Channel   string    `json:"channel" yaml:"-"`
	Role      string    `json:"role" yaml:"role"`
	Content   string    `json:"content" yaml:"content"`
	Sources   []Source  `json:"sources" yaml:"sources"`
	CreatedAt time.Time `json:"timestamp" yaml:"timestamp"`
}

// Reply is a canned assistant answer.
type Reply struct {
	Content string   `json:"content" yaml:"content"`
	Sources []Source `json:"sources" yaml:"sources"`
}

// Rule maps any of its keywords to the reply of the same name.
type Rule struct {
	Name     string   `json:"name" yaml:"name"`
	Keywords []string `json:"keywords" yaml:"keywords"`
}

// Script is the reply table for one patient and channel. Rules are tried in
// order.
type Script struct {
	PatientID    string           `json:"patient_id" yaml:"patient_id"`
	Channel      string           `json:"channel" yaml:"channel"`
	Rules        []Rule           `json:"rules" yaml:"rules"`
	Replies      map[string]Reply `json:"replies" yaml:"replies"`
	DefaultReply Reply            `json:"default_reply" yaml:"default_reply"`
}

type conversationKey struct {
	patientID string
	channel   string
}
