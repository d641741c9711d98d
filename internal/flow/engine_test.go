package flow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rentline/assistbot/internal/models"
	"github.com/rentline/assistbot/internal/notify"
	"github.com/rentline/assistbot/internal/store"
)

// recordingDispatcher captures Dispatch calls for assertions.
type recordingDispatcher struct {
	mu    sync.Mutex
	calls []models.Conversation
	fail  bool
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, conv models.Conversation, def *FlowDefinition) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, conv)
	if d.fail {
		return errors.New("dispatch failure")
	}
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func newTestEngine(t *testing.T) (*Engine, *store.InMemoryStore, *recordingDispatcher) {
	t.Helper()
	st := store.NewInMemoryStore()
	disp := &recordingDispatcher{}
	return NewEngine(st, NewCatalog(), disp), st, disp
}

func TestEngineStartIssuesFirstPrompt(t *testing.T) {
	engine, st, _ := newTestEngine(t)
	ctx := context.Background()

	result, err := engine.Start(ctx, models.FlowTypePropertySearch, "")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if result.ConversationID == "" {
		t.Fatal("Start returned empty conversation ID")
	}
	if result.Resumed {
		t.Error("fresh start should not be marked resumed")
	}
	if result.Prompt == nil {
		t.Fatal("Start returned nil prompt")
	}
	if result.Prompt.Question != "What type of property are you looking for?" {
		t.Errorf("unexpected first question: %q", result.Prompt.Question)
	}
	if result.Prompt.StepNumber != 0 {
		t.Errorf("expected step 0, got %d", result.Prompt.StepNumber)
	}

	// The first prompt is logged
	msgs, err := st.ListMessages(result.ConversationID, 0, 0)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != models.RolePrompt {
		t.Errorf("expected exactly one logged prompt, got %d messages", len(msgs))
	}
}

func TestEngineStartUnknownFlow(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	_, err := engine.Start(context.Background(), models.FlowType("mystery"), "")
	if !errors.Is(err, ErrUnknownFlow) {
		t.Errorf("expected ErrUnknownFlow, got %v", err)
	}
}

func TestEnginePropertySearchFullWalkthrough(t *testing.T) {
	engine, st, disp := newTestEngine(t)
	ctx := context.Background()

	started, err := engine.Start(ctx, models.FlowTypePropertySearch, "")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	id := started.ConversationID

	answers := []string{
		"Apartment",
		"Mumbai",
		"₹25,000-₹50,000",
		"2 BHK",
		"No",
		"Within 1 month",
		"Parking",
	}
	for i, answer := range answers[:6] {
		result, err := engine.Respond(ctx, id, answer)
		if err != nil {
			t.Fatalf("Respond %d failed: %v", i, err)
		}
		if result.Invalid {
			t.Fatalf("Respond %d rejected valid answer %q: %s", i, answer, result.Reason)
		}
		if result.Prompt == nil {
			t.Fatalf("Respond %d returned no prompt", i)
		}
		if result.Prompt.StepNumber != i+1 {
			t.Errorf("after answer %d expected step %d, got %d", i, i+1, result.Prompt.StepNumber)
		}
	}

	// The last question's answer triggers the email checkpoint
	result, err := engine.Respond(ctx, id, answers[6])
	if err != nil {
		t.Fatalf("final question Respond failed: %v", err)
	}
	if result.Status != models.ConversationStatusAwaitingEmail {
		t.Fatalf("expected awaiting_email, got %s", result.Status)
	}
	if result.Prompt == nil || result.Prompt.InputType != models.InputTypeEmail {
		t.Fatal("expected email collection prompt")
	}
	if disp.count() != 0 {
		t.Errorf("dispatcher invoked before completion: %d calls", disp.count())
	}

	// Providing the email completes the flow
	result, err = engine.Respond(ctx, id, "Renter@Example.com")
	if err != nil {
		t.Fatalf("email Respond failed: %v", err)
	}
	if !result.Completed {
		t.Fatal("expected completion after email")
	}
	if result.Status != models.ConversationStatusCompleted {
		t.Errorf("expected completed status, got %s", result.Status)
	}
	if result.CompletionMessage == "" {
		t.Error("expected a completion message")
	}

	// Dispatcher invoked exactly once with all seven answers and the email
	if disp.count() != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", disp.count())
	}
	dispatched := disp.calls[0]
	if len(dispatched.Answers) != 7 {
		t.Errorf("expected 7 answers dispatched, got %d", len(dispatched.Answers))
	}
	if dispatched.ContactEmail != "renter@example.com" {
		t.Errorf("expected canonicalized email, got %q", dispatched.ContactEmail)
	}

	// Terminal state is persisted
	conv, err := st.GetConversation(id)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if conv.Status != models.ConversationStatusCompleted {
		t.Errorf("persisted status = %s, want completed", conv.Status)
	}
	if conv.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}

	// Further responses are rejected
	if _, err := engine.Respond(ctx, id, "hello?"); !errors.Is(err, ErrFlowTerminal) {
		t.Errorf("expected ErrFlowTerminal after completion, got %v", err)
	}
}

func TestEngineInvalidAnswerDoesNotAdvance(t *testing.T) {
	engine, st, _ := newTestEngine(t)
	ctx := context.Background()

	started, err := engine.Start(ctx, models.FlowTypePropertySearch, "")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	id := started.ConversationID

	result, err := engine.Respond(ctx, id, "Castle")
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if !result.Invalid {
		t.Fatal("expected invalid result for off-menu choice")
	}
	if result.Reason == "" {
		t.Error("expected a retry reason")
	}
	if result.Prompt == nil || result.Prompt.StepNumber != 0 {
		t.Error("expected the same question re-issued")
	}

	conv, _ := st.GetConversation(id)
	if conv.CurrentStep != 0 {
		t.Errorf("step advanced on invalid answer: %d", conv.CurrentStep)
	}
	if len(conv.Answers) != 0 {
		t.Errorf("invalid answer was recorded: %+v", conv.Answers)
	}

	// Log shows prompt, rejected response, and the system note
	msgs, _ := st.ListMessages(id, 0, 0)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 logged messages, got %d", len(msgs))
	}
	if msgs[1].Role != models.RoleUserResponse || msgs[2].Role != models.RoleSystem {
		t.Errorf("unexpected roles: %s, %s", msgs[1].Role, msgs[2].Role)
	}

	// A valid retry advances normally
	retry, err := engine.Respond(ctx, id, "apartment")
	if err != nil {
		t.Fatalf("retry Respond failed: %v", err)
	}
	if retry.Invalid {
		t.Fatalf("valid retry rejected: %s", retry.Reason)
	}
	conv, _ = st.GetConversation(id)
	if v, _ := conv.Answer("property_type"); v != "Apartment" {
		t.Errorf("expected canonical option stored, got %q", v)
	}
}

func TestEngineBranchSkipsQuestion(t *testing.T) {
	engine, st, _ := newTestEngine(t)
	ctx := context.Background()

	started, err := engine.Start(ctx, models.FlowTypeRentInquiry, "")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	id := started.ConversationID

	// "No" skips the property keyword question
	result, err := engine.Respond(ctx, id, "No")
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if result.Prompt == nil {
		t.Fatal("expected a prompt")
	}
	if result.Prompt.StepNumber != 2 {
		t.Errorf("expected branch to step 2, got %d", result.Prompt.StepNumber)
	}
	if result.Prompt.Question != "What's your preferred contact method?" {
		t.Errorf("unexpected question after branch: %q", result.Prompt.Question)
	}

	conv, _ := st.GetConversation(id)
	if conv.CurrentStep != 2 {
		t.Errorf("persisted step = %d, want 2", conv.CurrentStep)
	}
	if _, ok := conv.Answer("property_keyword"); ok {
		t.Error("skipped question has an answer")
	}
}

func TestEngineBranchNotTakenOnOtherAnswer(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	started, _ := engine.Start(ctx, models.FlowTypeRentInquiry, "")
	result, err := engine.Respond(ctx, started.ConversationID, "Yes")
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if result.Prompt.StepNumber != 1 {
		t.Errorf("expected sequential advance to step 1, got %d", result.Prompt.StepNumber)
	}
}

func TestEngineFeedbackLowRatingSkipsSuggestions(t *testing.T) {
	engine, st, _ := newTestEngine(t)
	ctx := context.Background()

	started, _ := engine.Start(ctx, models.FlowTypeFeedback, "")
	id := started.ConversationID

	if _, err := engine.Respond(ctx, id, "Overall service"); err != nil {
		t.Fatalf("category Respond failed: %v", err)
	}
	result, err := engine.Respond(ctx, id, "⭐ Very Poor (1/5)")
	if err != nil {
		t.Fatalf("rating Respond failed: %v", err)
	}
	if result.Prompt.StepNumber != 3 {
		t.Errorf("expected low rating to branch to step 3, got %d", result.Prompt.StepNumber)
	}

	conv, _ := st.GetConversation(id)
	if _, ok := conv.Answer("suggestions"); ok {
		t.Error("suggestions answered despite branch")
	}
}

func TestEngineAwaitingEmailReprompt(t *testing.T) {
	engine, _, disp := newTestEngine(t)
	ctx := context.Background()

	started, _ := engine.Start(ctx, models.FlowTypeScheduleVisit, "")
	id := started.ConversationID

	answers := []string{"Sunrise Villa", "2026-09-15", "Morning (9AM-12PM)", "Asha Rao", "+91 98765 43210"}
	var last *StepResult
	for _, a := range answers {
		var err error
		last, err = engine.Respond(ctx, id, a)
		if err != nil {
			t.Fatalf("Respond %q failed: %v", a, err)
		}
		if last.Invalid {
			t.Fatalf("answer %q rejected: %s", a, last.Reason)
		}
	}
	if last.Status != models.ConversationStatusAwaitingEmail {
		t.Fatalf("expected awaiting_email, got %s", last.Status)
	}

	// Invalid email re-prompts without leaving the awaiting state
	result, err := engine.Respond(ctx, id, "not-an-email")
	if err != nil {
		t.Fatalf("bad email Respond failed: %v", err)
	}
	if !result.Invalid {
		t.Fatal("expected invalid result for bad email")
	}
	if result.Status != models.ConversationStatusAwaitingEmail {
		t.Errorf("expected to stay awaiting_email, got %s", result.Status)
	}
	if disp.count() != 0 {
		t.Errorf("dispatcher invoked before completion: %d", disp.count())
	}

	result, err = engine.Respond(ctx, id, "asha@example.com")
	if err != nil {
		t.Fatalf("email Respond failed: %v", err)
	}
	if !result.Completed {
		t.Fatal("expected completion")
	}
	if disp.count() != 1 {
		t.Errorf("expected one dispatch, got %d", disp.count())
	}
}

func TestEngineDispatchFailureDoesNotAffectCompletion(t *testing.T) {
	engine, st, disp := newTestEngine(t)
	disp.fail = true
	ctx := context.Background()

	started, _ := engine.Start(ctx, models.FlowTypeRentInquiry, "")
	id := started.ConversationID

	for _, a := range []string{"No", "Email", "Is the flat still available?"} {
		if _, err := engine.Respond(ctx, id, a); err != nil {
			t.Fatalf("Respond %q failed: %v", a, err)
		}
	}
	result, err := engine.Respond(ctx, id, "tenant@example.com")
	if err != nil {
		t.Fatalf("email Respond failed: %v", err)
	}
	if !result.Completed {
		t.Fatal("dispatch failure leaked into the step result")
	}
	conv, _ := st.GetConversation(id)
	if conv.Status != models.ConversationStatusCompleted {
		t.Errorf("expected completed despite dispatch failure, got %s", conv.Status)
	}
}

func TestEngineRespondUnknownConversation(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	_, err := engine.Respond(context.Background(), "missing", "hello")
	if !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestEngineResume(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	started, _ := engine.Start(ctx, models.FlowTypeBugReport, "")
	id := started.ConversationID
	if _, err := engine.Respond(ctx, id, "Website bug"); err != nil {
		t.Fatalf("Respond failed: %v", err)
	}

	resumed, err := engine.Start(ctx, models.FlowTypeBugReport, id)
	if err != nil {
		t.Fatalf("resume Start failed: %v", err)
	}
	if !resumed.Resumed {
		t.Fatal("expected Resumed=true")
	}
	if resumed.ConversationID != id {
		t.Errorf("resume created a new conversation: %s", resumed.ConversationID)
	}
	if resumed.Prompt.StepNumber != 1 {
		t.Errorf("expected resume at step 1, got %d", resumed.Prompt.StepNumber)
	}
}

func TestEngineResumeUnknownIDStartsFresh(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	result, err := engine.Start(context.Background(), models.FlowTypeFeedback, "no-such-id")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if result.Resumed {
		t.Error("unknown resume ID should start a fresh conversation")
	}
	if result.ConversationID == "" || result.ConversationID == "no-such-id" {
		t.Errorf("expected new conversation ID, got %q", result.ConversationID)
	}
}

func TestEngineAbandon(t *testing.T) {
	engine, st, _ := newTestEngine(t)
	ctx := context.Background()

	started, _ := engine.Start(ctx, models.FlowTypeFeedback, "")
	id := started.ConversationID

	if err := engine.Abandon(ctx, id); err != nil {
		t.Fatalf("Abandon failed: %v", err)
	}
	conv, _ := st.GetConversation(id)
	if conv.Status != models.ConversationStatusAbandoned {
		t.Errorf("expected abandoned status, got %s", conv.Status)
	}

	if _, err := engine.Respond(ctx, id, "hello"); !errors.Is(err, ErrFlowTerminal) {
		t.Errorf("expected ErrFlowTerminal for abandoned conversation, got %v", err)
	}
	if err := engine.Abandon(ctx, id); !errors.Is(err, ErrFlowTerminal) {
		t.Errorf("expected ErrFlowTerminal on double abandon, got %v", err)
	}
	if err := engine.Abandon(ctx, "missing"); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestEngineHistory(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	started, _ := engine.Start(ctx, models.FlowTypeRentInquiry, "")
	id := started.ConversationID
	if _, err := engine.Respond(ctx, id, "Yes"); err != nil {
		t.Fatalf("Respond failed: %v", err)
	}

	// prompt, user response, next prompt
	msgs, err := engine.History(ctx, id, 0, 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	wantRoles := []models.MessageRole{models.RolePrompt, models.RoleUserResponse, models.RolePrompt}
	for i, want := range wantRoles {
		if msgs[i].Role != want {
			t.Errorf("message %d: role %s, want %s", i, msgs[i].Role, want)
		}
	}

	// History is a read: calling it twice yields identical results
	again, err := engine.History(ctx, id, 0, 0)
	if err != nil {
		t.Fatalf("second History failed: %v", err)
	}
	if len(again) != len(msgs) {
		t.Errorf("history changed between reads: %d vs %d", len(msgs), len(again))
	}

	page, err := engine.History(ctx, id, 1, 1)
	if err != nil {
		t.Fatalf("paged History failed: %v", err)
	}
	if len(page) != 1 || page[0].Role != models.RoleUserResponse {
		t.Errorf("unexpected page: %+v", page)
	}

	if _, err := engine.History(ctx, "missing", 0, 0); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestEngineOutboxDispatcherIntegration(t *testing.T) {
	st := store.NewInMemoryStore()
	engine := NewEngine(st, NewCatalog(), NewOutboxDispatcher(st))
	ctx := context.Background()

	started, _ := engine.Start(ctx, models.FlowTypeBugReport, "")
	id := started.ConversationID

	answers := []string{
		"Website bug",
		"Chrome on Windows",
		"Search results page crashes when filtering by city.",
		"High - Significant impact",
		"reporter@example.com",
	}
	for _, a := range answers {
		if _, err := engine.Respond(ctx, id, a); err != nil {
			t.Fatalf("Respond %q failed: %v", a, err)
		}
	}

	records, err := st.ClaimDueNotifications(time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueNotifications failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 enqueued notification, got %d", len(records))
	}
	rec := records[0]
	if rec.ConversationID != id {
		t.Errorf("notification for wrong conversation: %s", rec.ConversationID)
	}
	if rec.Kind != NotifyAdminWithSummary {
		t.Errorf("unexpected kind %q", rec.Kind)
	}
	if rec.DedupeKey != id {
		t.Errorf("expected dedupe key %s, got %s", id, rec.DedupeKey)
	}

	var n notify.Notification
	if err := json.Unmarshal([]byte(rec.PayloadJSON), &n); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if n.Subject != "New issue report" {
		t.Errorf("unexpected subject %q", n.Subject)
	}
	if n.Recipient != "reporter@example.com" {
		t.Errorf("unexpected recipient %q", n.Recipient)
	}
}

func TestEngineConcurrentResponsesStaySerialized(t *testing.T) {
	engine, st, _ := newTestEngine(t)
	ctx := context.Background()

	started, _ := engine.Start(ctx, models.FlowTypePropertySearch, "")
	id := started.ConversationID

	// Ten goroutines race to answer the first question. Exactly one answer
	// may be valid for step 0; the rest are either recorded against later
	// steps or rejected, but the conversation must stay internally
	// consistent (step within range, answers keyed by real questions).
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = engine.Respond(ctx, id, "Any")
		}()
	}
	wg.Wait()

	conv, err := st.GetConversation(id)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	catalog := NewCatalog()
	def, _ := catalog.Get(models.FlowTypePropertySearch)
	if conv.Status == models.ConversationStatusActive && conv.CurrentStep >= len(def.Questions) {
		t.Errorf("step %d out of range for active conversation", conv.CurrentStep)
	}
	for _, a := range conv.Answers {
		found := false
		for _, q := range def.Questions {
			if q.Key == a.Key {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("answer recorded under unknown key %q", a.Key)
		}
	}
}
