// Package models defines the core data structures for AssistBot.
//
// It includes types for conversations, messages, and API responses, which are
// shared across modules.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// FlowType identifies one of the fixed chatbot conversation flows.
type FlowType string

const (
	// FlowTypePropertySearch collects rental preferences ("Find a property to rent").
	FlowTypePropertySearch FlowType = "property_search"
	// FlowTypeRentInquiry handles questions about a specific property.
	FlowTypeRentInquiry FlowType = "rent_inquiry"
	// FlowTypeScheduleVisit books a property visit.
	FlowTypeScheduleVisit FlowType = "schedule_visit"
	// FlowTypeBugReport collects website/technical issue reports.
	FlowTypeBugReport FlowType = "bug_report"
	// FlowTypeFeedback collects service feedback.
	FlowTypeFeedback FlowType = "feedback"
)

// ConversationStatus represents the lifecycle state of a conversation.
type ConversationStatus string

const (
	// ConversationStatusActive indicates the conversation is in progress.
	ConversationStatusActive ConversationStatus = "active"
	// ConversationStatusAwaitingEmail indicates the flow is paused on the email-collection prompt.
	ConversationStatusAwaitingEmail ConversationStatus = "awaiting_email"
	// ConversationStatusCompleted indicates the flow ran to completion.
	ConversationStatusCompleted ConversationStatus = "completed"
	// ConversationStatusAbandoned indicates an admin closed the conversation.
	ConversationStatusAbandoned ConversationStatus = "abandoned"
)

// MessageRole distinguishes who produced a logged message.
type MessageRole string

const (
	// RolePrompt is a question asked by the bot.
	RolePrompt MessageRole = "prompt"
	// RoleUserResponse is an answer given by the user.
	RoleUserResponse MessageRole = "user_response"
	// RoleSystem is an interleaved system note (e.g., a validation error).
	RoleSystem MessageRole = "system"
)

// InputType defines the expected shape of an answer to a question.
type InputType string

const (
	InputTypeChoice InputType = "choice"
	InputTypeText   InputType = "text"
	InputTypeEmail  InputType = "email"
	InputTypePhone  InputType = "phone"
	InputTypeDate   InputType = "date"
)

// Validation constants for input validation
const (
	// MaxResponseLength defines the maximum allowed length for a user response
	MaxResponseLength = 2000
)

// Error variables for better error handling and testability
var (
	ErrEmptyResponse   = errors.New("response cannot be empty")
	ErrResponseTooLong = errors.New("response exceeds maximum length")
	ErrInvalidChoice   = errors.New("response is not one of the offered options")
	ErrInvalidEmail    = errors.New("response is not a valid email address")
	ErrInvalidPhone    = errors.New("response is not a valid phone number")
	ErrInvalidDate     = errors.New("response is not a recognizable date")
)

// IsValidFlowType checks if the given flow type is one of the five fixed flows.
func IsValidFlowType(ft FlowType) bool {
	switch ft {
	case FlowTypePropertySearch, FlowTypeRentInquiry, FlowTypeScheduleVisit, FlowTypeBugReport, FlowTypeFeedback:
		return true
	default:
		return false
	}
}

// ParseFlowType converts a string into a FlowType, accepting the canonical
// identifiers in any case.
func ParseFlowType(s string) (FlowType, error) {
	ft := FlowType(strings.ToLower(strings.TrimSpace(s)))
	if !IsValidFlowType(ft) {
		return "", fmt.Errorf("unknown flow type %q", s)
	}
	return ft, nil
}

// Answer is a single collected answer, keyed by the question it belongs to.
// Answers are kept as an ordered sequence parallel to the flow's question
// list, not as an untyped map.
type Answer struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Conversation is one traversal of a flow by a single user session.
type Conversation struct {
	ID           string             `json:"id"`
	FlowType     FlowType           `json:"flow_type"`
	CurrentStep  int                `json:"current_step"`
	Answers      []Answer           `json:"answers,omitempty"`
	Status       ConversationStatus `json:"status"`
	ContactEmail string             `json:"contact_email,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the conversation can no longer accept responses.
func (c *Conversation) IsTerminal() bool {
	return c.Status == ConversationStatusCompleted || c.Status == ConversationStatusAbandoned
}

// Answer returns the collected value for a question key, if any.
func (c *Conversation) Answer(key string) (string, bool) {
	for _, a := range c.Answers {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// SetAnswer records a value under a question key, preserving insertion order.
// Re-answering an already-recorded key overwrites the prior value in place.
func (c *Conversation) SetAnswer(key, value string) {
	for i, a := range c.Answers {
		if a.Key == key {
			c.Answers[i].Value = value
			return
		}
	}
	c.Answers = append(c.Answers, Answer{Key: key, Value: value})
}

// Message is one append-only entry in a conversation's message log.
type Message struct {
	ConversationID string      `json:"conversation_id"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	Timestamp      time.Time   `json:"timestamp"`
}

// StartChatRequest is the payload for starting or resuming a conversation.
type StartChatRequest struct {
	FlowType   string `json:"flow_type,omitempty"`
	MenuChoice string `json:"menu_choice,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
}

// ChatResponseRequest is the payload for submitting a user response.
type ChatResponseRequest struct {
	ConversationID string `json:"conversation_id"`
	Response       string `json:"response"`
}

// Validate validates a ChatResponseRequest.
func (r *ChatResponseRequest) Validate() error {
	if strings.TrimSpace(r.ConversationID) == "" {
		return errors.New("conversation_id is required")
	}
	if strings.TrimSpace(r.Response) == "" {
		return ErrEmptyResponse
	}
	return nil
}

// QuestionPrompt is the client-facing shape of a single question.
type QuestionPrompt struct {
	Question   string    `json:"question"`
	Options    []string  `json:"options,omitempty"`
	InputType  InputType `json:"input_type"`
	StepNumber int       `json:"step_number"`
	IsFinal    bool      `json:"is_final"`
}
