package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rentline/assistbot/internal/models"
	"github.com/rentline/assistbot/internal/store"
)

var (
	// ErrConversationNotFound indicates the conversation ID is unknown.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrFlowTerminal indicates the conversation is completed or abandoned
	// and accepts no further responses.
	ErrFlowTerminal = errors.New("conversation is already closed")
)

// Dispatcher handles a completed conversation. Dispatch failures must not
// affect conversation state; the engine logs them and moves on.
type Dispatcher interface {
	Dispatch(ctx context.Context, conv models.Conversation, def *FlowDefinition) error
}

// StartResult is the outcome of starting (or resuming) a conversation.
type StartResult struct {
	ConversationID string                 `json:"conversation_id"`
	FlowType       models.FlowType        `json:"flow_type"`
	Prompt         *models.QuestionPrompt `json:"prompt,omitempty"`
	// Resumed is true when an existing active conversation was picked up
	// instead of a new one being created.
	Resumed bool `json:"resumed,omitempty"`
}

// StepResult is the outcome of recording one user response.
type StepResult struct {
	ConversationID string                    `json:"conversation_id"`
	Status         models.ConversationStatus `json:"status"`
	// Prompt is the next question to show, or the retry prompt when the
	// response was invalid. Nil once the flow has completed.
	Prompt *models.QuestionPrompt `json:"prompt,omitempty"`
	// Invalid is true when the response failed validation; the step did not
	// advance and Reason explains what to fix.
	Invalid bool   `json:"invalid,omitempty"`
	Reason  string `json:"reason,omitempty"`
	// Completed is true when this response finished the flow.
	Completed         bool   `json:"completed,omitempty"`
	CompletionMessage string `json:"completion_message,omitempty"`
}

// Engine drives conversations through their flow definitions. All state
// transitions are persisted through the store before they are reported to
// the caller, and each conversation is serialized behind a keyed mutex so
// concurrent responses cannot interleave a read-modify-write.
type Engine struct {
	store      store.Store
	catalog    *Catalog
	dispatcher Dispatcher
	locks      *keyedMutex
}

// NewEngine creates a flow engine. The dispatcher may be nil, in which case
// completions are logged but not dispatched.
func NewEngine(st store.Store, catalog *Catalog, dispatcher Dispatcher) *Engine {
	return &Engine{
		store:      st,
		catalog:    catalog,
		dispatcher: dispatcher,
		locks:      newKeyedMutex(),
	}
}

// Start begins a new conversation for the given flow type, or resumes an
// existing one when resumeID names a conversation that is still open.
// A resumed conversation re-issues its current prompt without re-recording it.
func (e *Engine) Start(ctx context.Context, flowType models.FlowType, resumeID string) (*StartResult, error) {
	if resumeID != "" {
		res, err := e.resume(ctx, resumeID)
		if err != nil && !errors.Is(err, ErrConversationNotFound) && !errors.Is(err, ErrFlowTerminal) {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
		// Unknown or closed conversation: fall through and start fresh.
		slog.Debug("Engine.Start: resume unavailable, starting new conversation", "resumeID", resumeID, "reason", err)
	}

	def, err := e.catalog.Get(flowType)
	if err != nil {
		slog.Warn("Engine.Start: unknown flow type", "flowType", flowType)
		return nil, fmt.Errorf("cannot start conversation: %w", err)
	}

	conv, err := e.store.CreateConversation(flowType)
	if err != nil {
		slog.Error("Engine.Start: create conversation failed", "flowType", flowType, "error", err)
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	prompt := def.PromptAt(0)
	if err := e.logMessage(conv.ID, models.RolePrompt, prompt.Question); err != nil {
		return nil, err
	}

	slog.Info("Engine.Start: conversation started", "conversationID", conv.ID, "flowType", flowType)
	return &StartResult{
		ConversationID: conv.ID,
		FlowType:       conv.FlowType,
		Prompt:         &prompt,
	}, nil
}

// resume re-issues the current prompt of an open conversation.
func (e *Engine) resume(ctx context.Context, id string) (*StartResult, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	conv, err := e.store.GetConversation(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}
	if conv.IsTerminal() {
		return nil, ErrFlowTerminal
	}

	def, err := e.catalog.Get(conv.FlowType)
	if err != nil {
		return nil, fmt.Errorf("conversation %s references unknown flow: %w", id, err)
	}

	var prompt models.QuestionPrompt
	if conv.Status == models.ConversationStatusAwaitingEmail {
		prompt = def.EmailCollectionPrompt()
	} else {
		prompt = def.PromptAt(conv.CurrentStep)
	}

	slog.Info("Engine.resume: conversation resumed", "conversationID", id, "step", conv.CurrentStep, "status", conv.Status)
	return &StartResult{
		ConversationID: conv.ID,
		FlowType:       conv.FlowType,
		Prompt:         &prompt,
		Resumed:        true,
	}, nil
}

// Respond records one user response against a conversation and advances the
// flow: validate, store the answer, apply branch rules, pause for email
// collection where the flow requires it, and complete the flow after the
// last answer. All state is saved before the result is returned.
func (e *Engine) Respond(ctx context.Context, id, rawAnswer string) (*StepResult, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	conv, err := e.store.GetConversation(id)
	if err != nil {
		slog.Error("Engine.Respond: load failed", "conversationID", id, "error", err)
		return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}
	if conv == nil {
		slog.Debug("Engine.Respond: conversation not found", "conversationID", id)
		return nil, ErrConversationNotFound
	}
	if conv.IsTerminal() {
		slog.Debug("Engine.Respond: conversation already closed", "conversationID", id, "status", conv.Status)
		return nil, ErrFlowTerminal
	}

	def, err := e.catalog.Get(conv.FlowType)
	if err != nil {
		return nil, fmt.Errorf("conversation %s references unknown flow: %w", id, err)
	}

	if err := e.logMessage(id, models.RoleUserResponse, rawAnswer); err != nil {
		return nil, err
	}

	if conv.Status == models.ConversationStatusAwaitingEmail {
		return e.respondEmail(ctx, conv, def, rawAnswer)
	}
	return e.respondQuestion(ctx, conv, def, rawAnswer)
}

// respondQuestion handles a response to a regular flow question.
func (e *Engine) respondQuestion(ctx context.Context, conv *models.Conversation, def *FlowDefinition, rawAnswer string) (*StepResult, error) {
	q := def.Questions[conv.CurrentStep]

	value, err := validateAnswer(q, rawAnswer)
	if err != nil {
		return e.rejectAnswer(conv, def, q, err)
	}

	conv.SetAnswer(q.Key, value)
	slog.Debug("Engine.Respond: answer recorded", "conversationID", conv.ID, "step", conv.CurrentStep, "key", q.Key)

	// Branch rules inspect only the answer just recorded.
	nextStep := conv.CurrentStep + 1
	if q.Branch != nil && q.Branch.Matches(value) {
		slog.Debug("Engine.Respond: branch taken", "conversationID", conv.ID, "from", conv.CurrentStep, "to", q.Branch.GoToStep)
		nextStep = q.Branch.GoToStep
	}

	// The email checkpoint interrupts before the flow advances further,
	// even when a branch landed past it. CurrentStep keeps the landing
	// step so the flow picks up there once the email is collected.
	if def.EmailAfterStep != nil && conv.CurrentStep >= *def.EmailAfterStep &&
		conv.Status == models.ConversationStatusActive && conv.ContactEmail == "" {
		return e.pauseForEmail(conv, def, nextStep)
	}

	if nextStep >= len(def.Questions) {
		if def.EmailAfterStep != nil && conv.ContactEmail == "" {
			return e.pauseForEmail(conv, def, nextStep)
		}
		return e.complete(ctx, conv, def)
	}

	conv.CurrentStep = nextStep
	conv.UpdatedAt = time.Now()
	if err := e.store.SaveConversation(*conv); err != nil {
		return nil, fmt.Errorf("failed to save conversation %s: %w", conv.ID, err)
	}

	prompt := def.PromptAt(nextStep)
	if err := e.logMessage(conv.ID, models.RolePrompt, prompt.Question); err != nil {
		return nil, err
	}

	return &StepResult{
		ConversationID: conv.ID,
		Status:         conv.Status,
		Prompt:         &prompt,
	}, nil
}

// respondEmail handles the response while the conversation is paused on the
// email-collection prompt.
func (e *Engine) respondEmail(ctx context.Context, conv *models.Conversation, def *FlowDefinition, rawAnswer string) (*StepResult, error) {
	email, err := validateEmail(rawAnswer)
	if err != nil {
		reason := "That doesn't look like a valid email address. Please try again."
		if err := e.logMessage(conv.ID, models.RoleSystem, reason); err != nil {
			return nil, err
		}
		prompt := def.EmailCollectionPrompt()
		slog.Debug("Engine.Respond: invalid email, re-prompting", "conversationID", conv.ID)
		return &StepResult{
			ConversationID: conv.ID,
			Status:         conv.Status,
			Prompt:         &prompt,
			Invalid:        true,
			Reason:         reason,
		}, nil
	}

	conv.ContactEmail = email
	conv.Status = models.ConversationStatusActive
	slog.Debug("Engine.Respond: contact email recorded", "conversationID", conv.ID)

	// Resume at the step the flow was headed to when it paused.
	if conv.CurrentStep >= len(def.Questions) {
		return e.complete(ctx, conv, def)
	}

	conv.UpdatedAt = time.Now()
	if err := e.store.SaveConversation(*conv); err != nil {
		return nil, fmt.Errorf("failed to save conversation %s: %w", conv.ID, err)
	}

	prompt := def.PromptAt(conv.CurrentStep)
	if err := e.logMessage(conv.ID, models.RolePrompt, prompt.Question); err != nil {
		return nil, err
	}
	return &StepResult{
		ConversationID: conv.ID,
		Status:         conv.Status,
		Prompt:         &prompt,
	}, nil
}

// rejectAnswer logs the validation failure as a System message and re-issues
// the current prompt without advancing the step.
func (e *Engine) rejectAnswer(conv *models.Conversation, def *FlowDefinition, q Question, verr error) (*StepResult, error) {
	reason := validationReason(q, verr)
	if err := e.logMessage(conv.ID, models.RoleSystem, reason); err != nil {
		return nil, err
	}
	prompt := def.PromptAt(conv.CurrentStep)
	slog.Debug("Engine.Respond: invalid answer, re-prompting",
		"conversationID", conv.ID, "step", conv.CurrentStep, "error", verr)
	return &StepResult{
		ConversationID: conv.ID,
		Status:         conv.Status,
		Prompt:         &prompt,
		Invalid:        true,
		Reason:         reason,
	}, nil
}

// pauseForEmail moves the conversation into the awaiting-email state. The
// landing step is preserved in CurrentStep so the flow resumes there.
func (e *Engine) pauseForEmail(conv *models.Conversation, def *FlowDefinition, landingStep int) (*StepResult, error) {
	conv.Status = models.ConversationStatusAwaitingEmail
	conv.CurrentStep = landingStep
	conv.UpdatedAt = time.Now()
	if err := e.store.SaveConversation(*conv); err != nil {
		return nil, fmt.Errorf("failed to save conversation %s: %w", conv.ID, err)
	}

	prompt := def.EmailCollectionPrompt()
	if err := e.logMessage(conv.ID, models.RolePrompt, prompt.Question); err != nil {
		return nil, err
	}
	slog.Info("Engine.Respond: awaiting contact email", "conversationID", conv.ID, "landingStep", landingStep)
	return &StepResult{
		ConversationID: conv.ID,
		Status:         conv.Status,
		Prompt:         &prompt,
	}, nil
}

// complete finishes the flow: persist the terminal state first, then hand the
// conversation to the dispatcher. A dispatch failure is logged and swallowed;
// the durable outbox retries delivery independently of conversation state.
func (e *Engine) complete(ctx context.Context, conv *models.Conversation, def *FlowDefinition) (*StepResult, error) {
	now := time.Now()
	conv.Status = models.ConversationStatusCompleted
	conv.CompletedAt = &now
	conv.UpdatedAt = now
	if err := e.store.SaveConversation(*conv); err != nil {
		return nil, fmt.Errorf("failed to save conversation %s: %w", conv.ID, err)
	}
	if err := e.logMessage(conv.ID, models.RoleSystem, def.CompletionMessage); err != nil {
		return nil, err
	}

	if e.dispatcher != nil {
		if err := e.dispatcher.Dispatch(ctx, *conv, def); err != nil {
			slog.Error("Engine.complete: dispatch failed", "conversationID", conv.ID, "error", err)
		}
	}

	slog.Info("Engine.complete: conversation completed", "conversationID", conv.ID, "flowType", conv.FlowType)
	return &StepResult{
		ConversationID:    conv.ID,
		Status:            conv.Status,
		Completed:         true,
		CompletionMessage: def.CompletionMessage,
	}, nil
}

// History returns the conversation's message log in insertion order. Limit
// and offset page through the log; limit <= 0 returns everything.
func (e *Engine) History(ctx context.Context, id string, limit, offset int) ([]models.Message, error) {
	conv, err := e.store.GetConversation(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}
	msgs, err := e.store.ListMessages(id, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages for %s: %w", id, err)
	}
	return msgs, nil
}

// Abandon closes an open conversation without completing it. Closing an
// already-terminal conversation returns ErrFlowTerminal.
func (e *Engine) Abandon(ctx context.Context, id string) error {
	unlock := e.locks.Lock(id)
	defer unlock()

	conv, err := e.store.GetConversation(id)
	if err != nil {
		return fmt.Errorf("failed to load conversation %s: %w", id, err)
	}
	if conv == nil {
		return ErrConversationNotFound
	}
	if conv.IsTerminal() {
		return ErrFlowTerminal
	}

	conv.Status = models.ConversationStatusAbandoned
	conv.UpdatedAt = time.Now()
	if err := e.store.SaveConversation(*conv); err != nil {
		return fmt.Errorf("failed to save conversation %s: %w", id, err)
	}
	slog.Info("Engine.Abandon: conversation abandoned", "conversationID", id)
	return nil
}

// ListConversations exposes the store listing for the admin surface.
func (e *Engine) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	return e.store.ListConversations()
}

func (e *Engine) logMessage(conversationID string, role models.MessageRole, content string) error {
	m := models.Message{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Timestamp:      time.Now(),
	}
	if err := e.store.AddMessage(m); err != nil {
		slog.Error("Engine.logMessage: append failed", "conversationID", conversationID, "role", role, "error", err)
		return fmt.Errorf("failed to log message for %s: %w", conversationID, err)
	}
	return nil
}
