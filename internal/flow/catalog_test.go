package flow

import (
	"testing"

	"github.com/rentline/assistbot/internal/models"
)

func TestCatalogContainsAllFlows(t *testing.T) {
	catalog := NewCatalog()

	tests := []struct {
		flowType  models.FlowType
		questions int
		emailstep int
	}{
		{models.FlowTypePropertySearch, 7, 6},
		{models.FlowTypeRentInquiry, 4, 3},
		{models.FlowTypeScheduleVisit, 5, 4},
		{models.FlowTypeBugReport, 4, 3},
		{models.FlowTypeFeedback, 4, 3},
	}

	for _, tt := range tests {
		t.Run(string(tt.flowType), func(t *testing.T) {
			def, err := catalog.Get(tt.flowType)
			if err != nil {
				t.Fatalf("Get(%s) failed: %v", tt.flowType, err)
			}
			if len(def.Questions) != tt.questions {
				t.Errorf("expected %d questions, got %d", tt.questions, len(def.Questions))
			}
			if def.EmailAfterStep == nil {
				t.Fatal("expected an email checkpoint")
			}
			if *def.EmailAfterStep != tt.emailstep {
				t.Errorf("expected email after step %d, got %d", tt.emailstep, *def.EmailAfterStep)
			}
			if def.EmailPrompt == "" {
				t.Error("missing email prompt")
			}
			if def.CompletionAction != NotifyAdminWithSummary {
				t.Errorf("unexpected completion action %q", def.CompletionAction)
			}
			if def.CompletionMessage == "" {
				t.Error("missing completion message")
			}
			if def.Subject == "" {
				t.Error("missing notification subject")
			}
			for i, q := range def.Questions {
				if q.Key == "" || q.Prompt == "" {
					t.Errorf("question %d missing key or prompt", i)
				}
				if q.InputType == models.InputTypeChoice && len(q.Options) == 0 {
					t.Errorf("choice question %d has no options", i)
				}
				if q.Branch != nil {
					if q.Branch.GoToStep <= i || q.Branch.GoToStep >= len(def.Questions) {
						t.Errorf("question %d branch target %d out of range", i, q.Branch.GoToStep)
					}
				}
			}
		})
	}
}

func TestCatalogGetUnknownFlow(t *testing.T) {
	catalog := NewCatalog()
	if _, err := catalog.Get(models.FlowType("nope")); err != ErrUnknownFlow {
		t.Errorf("expected ErrUnknownFlow, got %v", err)
	}
}

func TestPromptAt(t *testing.T) {
	catalog := NewCatalog()
	def, _ := catalog.Get(models.FlowTypePropertySearch)

	first := def.PromptAt(0)
	if first.StepNumber != 0 || first.IsFinal {
		t.Errorf("unexpected first prompt metadata: %+v", first)
	}
	last := def.PromptAt(len(def.Questions) - 1)
	if !last.IsFinal {
		t.Error("last question not marked final")
	}

	email := def.EmailCollectionPrompt()
	if email.InputType != models.InputTypeEmail || !email.IsFinal {
		t.Errorf("unexpected email prompt: %+v", email)
	}
}

func TestBranchRuleMatches(t *testing.T) {
	rule := BranchRule{WhenAnswer: []string{"No", "Nope"}, GoToStep: 2}

	tests := []struct {
		answer string
		want   bool
	}{
		{"No", true},
		{"no", true},
		{"  NO  ", true},
		{"Nope", true},
		{"Yes", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := rule.Matches(tt.answer); got != tt.want {
			t.Errorf("Matches(%q) = %v, want %v", tt.answer, got, tt.want)
		}
	}
}

func TestMenuPrompt(t *testing.T) {
	p := MenuPrompt()
	if p.Question == "" {
		t.Error("menu has no greeting")
	}
	if len(p.Options) != 5 {
		t.Errorf("expected 5 menu options, got %d", len(p.Options))
	}
	if p.InputType != models.InputTypeChoice {
		t.Errorf("expected choice input, got %s", p.InputType)
	}
}

func TestFlowTypeFromMenuChoice(t *testing.T) {
	tests := []struct {
		choice string
		want   models.FlowType
	}{
		{"Find a property to rent", models.FlowTypePropertySearch},
		{"ask about a specific property", models.FlowTypeRentInquiry},
		{"Schedule a property visit", models.FlowTypeScheduleVisit},
		{"Report an issue", models.FlowTypeBugReport},
		{"Give feedback", models.FlowTypeFeedback},
		{"something else entirely", models.FlowTypeBugReport},
	}
	for _, tt := range tests {
		if got := FlowTypeFromMenuChoice(tt.choice); got != tt.want {
			t.Errorf("FlowTypeFromMenuChoice(%q) = %s, want %s", tt.choice, got, tt.want)
		}
	}
}
