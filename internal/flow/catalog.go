// Package flow implements the chatbot conversation flow engine.
//
// The catalog defines the fixed question sequence for each flow. It is built
// once at process start and never mutated afterwards.
package flow

import (
	"errors"
	"strings"

	"github.com/rentline/assistbot/internal/models"
)

// ErrUnknownFlow indicates a requested flow type is not in the catalog.
var ErrUnknownFlow = errors.New("unknown flow type")

// BranchRule redirects the next step based on the answer just given.
type BranchRule struct {
	WhenAnswer []string // answers that trigger the branch (case-insensitive)
	GoToStep   int      // step index to jump to instead of advancing by one
}

// Matches reports whether the given answer triggers this branch.
func (r *BranchRule) Matches(answer string) bool {
	for _, w := range r.WhenAnswer {
		if strings.EqualFold(strings.TrimSpace(answer), w) {
			return true
		}
	}
	return false
}

// Question is one entry in a flow's ordered question list.
type Question struct {
	Key       string
	Prompt    string
	Options   []string
	InputType models.InputType
	Branch    *BranchRule
}

// FlowDefinition is the static definition of a conversation flow.
type FlowDefinition struct {
	FlowType  models.FlowType
	Questions []Question

	// EmailAfterStep, when set, is the index of the question whose valid
	// answer triggers email collection before the flow advances further.
	EmailAfterStep *int
	EmailPrompt    string

	CompletionAction  string
	CompletionMessage string
	// Subject is the notification subject used by the completion dispatcher.
	Subject string
}

// PromptAt builds the client-facing prompt for the question at the given step.
func (d *FlowDefinition) PromptAt(step int) models.QuestionPrompt {
	q := d.Questions[step]
	return models.QuestionPrompt{
		Question:   q.Prompt,
		Options:    q.Options,
		InputType:  q.InputType,
		StepNumber: step,
		IsFinal:    step == len(d.Questions)-1,
	}
}

// EmailCollectionPrompt builds the prompt shown while awaiting the contact email.
func (d *FlowDefinition) EmailCollectionPrompt() models.QuestionPrompt {
	return models.QuestionPrompt{
		Question:   d.EmailPrompt,
		InputType:  models.InputTypeEmail,
		StepNumber: len(d.Questions),
		IsFinal:    true,
	}
}

// Catalog holds the immutable flow definitions.
type Catalog struct {
	flows map[models.FlowType]*FlowDefinition
}

// Get returns the definition for a flow type, or ErrUnknownFlow.
func (c *Catalog) Get(ft models.FlowType) (*FlowDefinition, error) {
	def, ok := c.flows[ft]
	if !ok {
		return nil, ErrUnknownFlow
	}
	return def, nil
}

// MenuGreeting is the opening question shown before any flow is chosen.
const MenuGreeting = "Hi! I'm your property assistant. How can I help you today?"

// MenuOptions are the selectable entry points into the five flows.
var MenuOptions = []string{
	"Find a property to rent",
	"Ask about a specific property",
	"Schedule a property visit",
	"Report an issue",
	"Give feedback",
}

// MenuPrompt returns the initial menu shown before a conversation exists.
func MenuPrompt() models.QuestionPrompt {
	return models.QuestionPrompt{
		Question:  MenuGreeting,
		Options:   MenuOptions,
		InputType: models.InputTypeChoice,
	}
}

// FlowTypeFromMenuChoice maps an initial menu selection to a flow type.
// Unrecognized selections fall back to the bug report flow.
func FlowTypeFromMenuChoice(choice string) models.FlowType {
	switch strings.ToLower(strings.TrimSpace(choice)) {
	case "find a property to rent":
		return models.FlowTypePropertySearch
	case "ask about a specific property":
		return models.FlowTypeRentInquiry
	case "schedule a property visit":
		return models.FlowTypeScheduleVisit
	case "report an issue":
		return models.FlowTypeBugReport
	case "give feedback":
		return models.FlowTypeFeedback
	default:
		return models.FlowTypeBugReport
	}
}

// NotifyAdminWithSummary is the completion action shared by all flows: format
// the collected answers and notify the admin channel.
const NotifyAdminWithSummary = "notifyAdminWithSummary"

func intPtr(i int) *int { return &i }

// NewCatalog builds the catalog of all five conversation flows.
func NewCatalog() *Catalog {
	flows := map[models.FlowType]*FlowDefinition{
		models.FlowTypePropertySearch: {
			FlowType: models.FlowTypePropertySearch,
			Questions: []Question{
				{Key: "property_type", Prompt: "What type of property are you looking for?",
					Options: []string{"Apartment", "House", "Studio", "Villa", "Any"}, InputType: models.InputTypeChoice},
				{Key: "city", Prompt: "Which city are you interested in?", InputType: models.InputTypeText},
				{Key: "budget", Prompt: "What's your budget range per month?",
					Options:   []string{"Under ₹10,000", "₹10,000-₹25,000", "₹25,000-₹50,000", "₹50,000-₹1,00,000", "Above ₹1,00,000"},
					InputType: models.InputTypeChoice},
				{Key: "bedrooms", Prompt: "How many bedrooms do you need?",
					Options: []string{"Studio/0", "1 BHK", "2 BHK", "3 BHK", "4+ BHK"}, InputType: models.InputTypeChoice},
				{Key: "pets", Prompt: "Do you have pets?",
					Options: []string{"Yes", "No"}, InputType: models.InputTypeChoice},
				{Key: "move_in", Prompt: "When do you want to move in?",
					Options: []string{"Immediately", "Within 1 month", "1-3 months", "3+ months"}, InputType: models.InputTypeChoice},
				{Key: "amenities", Prompt: "Any specific amenities you need?",
					Options: []string{"Parking", "Gym", "Swimming Pool", "Security", "None specific"}, InputType: models.InputTypeChoice},
			},
			EmailAfterStep:    intPtr(6),
			EmailPrompt:       "Please provide your email address so our team can contact you with suitable property options:",
			CompletionAction:  NotifyAdminWithSummary,
			CompletionMessage: "Thank you for providing your property preferences and email! We have recorded your requirements and our team will contact you shortly with suitable property options.",
			Subject:           "New property search request",
		},
		models.FlowTypeRentInquiry: {
			FlowType: models.FlowTypeRentInquiry,
			Questions: []Question{
				{Key: "specific_property", Prompt: "Do you have a specific property in mind?",
					Options:   []string{"Yes", "No"},
					InputType: models.InputTypeChoice,
					Branch:    &BranchRule{WhenAnswer: []string{"No"}, GoToStep: 2}},
				{Key: "property_keyword", Prompt: "Please provide the property name or keyword you're looking for:",
					InputType: models.InputTypeText},
				{Key: "contact_method", Prompt: "What's your preferred contact method?",
					Options: []string{"Email", "Phone", "WhatsApp"}, InputType: models.InputTypeChoice},
				{Key: "inquiry_details", Prompt: "What would you like to know about the property?",
					InputType: models.InputTypeText},
			},
			EmailAfterStep:    intPtr(3),
			EmailPrompt:       "Please provide your email address:",
			CompletionAction:  NotifyAdminWithSummary,
			CompletionMessage: "Thank you! Your inquiry has been recorded and our team will get back to you with the details shortly.",
			Subject:           "New rent inquiry",
		},
		models.FlowTypeScheduleVisit: {
			FlowType: models.FlowTypeScheduleVisit,
			Questions: []Question{
				{Key: "property", Prompt: "Which property would you like to visit? Please provide the property name or keywords:",
					InputType: models.InputTypeText},
				{Key: "visit_date", Prompt: "What's your preferred date for the visit?",
					InputType: models.InputTypeDate},
				{Key: "visit_time", Prompt: "What time works best for you?",
					Options: []string{"Morning (9AM-12PM)", "Afternoon (12PM-4PM)", "Evening (4PM-7PM)"}, InputType: models.InputTypeChoice},
				{Key: "visitor_name", Prompt: "What's your full name?", InputType: models.InputTypeText},
				{Key: "visitor_phone", Prompt: "What's your contact number?", InputType: models.InputTypePhone},
			},
			EmailAfterStep:    intPtr(4),
			EmailPrompt:       "What's your email address?",
			CompletionAction:  NotifyAdminWithSummary,
			CompletionMessage: "Thank you! 🎉 Your property visit has been scheduled. Our team will contact you to confirm the details shortly.",
			Subject:           "New property visit request",
		},
		models.FlowTypeBugReport: {
			FlowType: models.FlowTypeBugReport,
			Questions: []Question{
				{Key: "issue_type", Prompt: "What type of issue would you like to report?",
					Options:   []string{"Website bug", "Property not found error", "Search not working", "Other technical issue"},
					InputType: models.InputTypeChoice,
					// Device details only matter for technical issues.
					Branch: &BranchRule{WhenAnswer: []string{"Property not found error"}, GoToStep: 2}},
				{Key: "device", Prompt: "What device/browser are you using? (This helps us reproduce the issue)",
					Options: []string{"Chrome on Windows", "Chrome on Mac", "Safari on Mac", "Firefox on Windows",
						"Mobile app on Android", "Mobile app on iOS", "Other"},
					InputType: models.InputTypeChoice},
				{Key: "issue_details", Prompt: "Please describe what exactly happened. Include steps to reproduce the issue if possible:",
					InputType: models.InputTypeText},
				{Key: "urgency", Prompt: "How urgent is this issue for you?",
					Options: []string{"Critical - Blocking my usage", "High - Significant impact",
						"Medium - Minor inconvenience", "Low - When convenient"},
					InputType: models.InputTypeChoice},
			},
			EmailAfterStep:    intPtr(3),
			EmailPrompt:       "Please provide your email address so we can follow up on this issue:",
			CompletionAction:  NotifyAdminWithSummary,
			CompletionMessage: "Thank you for reporting this issue! Our team will investigate and follow up with you shortly.",
			Subject:           "New issue report",
		},
		models.FlowTypeFeedback: {
			FlowType: models.FlowTypeFeedback,
			Questions: []Question{
				{Key: "category", Prompt: "What area would you like to give feedback about?",
					Options: []string{"Property search experience", "Website usability", "Property listings quality",
						"Customer support", "Property visit experience", "Overall service"},
					InputType: models.InputTypeChoice},
				{Key: "rating", Prompt: "Please rate your experience:",
					Options: []string{"⭐⭐⭐⭐⭐ Excellent (5/5)", "⭐⭐⭐⭐ Good (4/5)", "⭐⭐⭐ Average (3/5)",
						"⭐⭐ Poor (2/5)", "⭐ Very Poor (1/5)"},
					InputType: models.InputTypeChoice,
					// Suggestions are only asked for positive ratings.
					Branch: &BranchRule{WhenAnswer: []string{"⭐⭐⭐ Average (3/5)", "⭐⭐ Poor (2/5)", "⭐ Very Poor (1/5)"}, GoToStep: 3}},
				{Key: "suggestions", Prompt: "Any suggestions for improvement or new features you'd like to see?",
					InputType: models.InputTypeText},
				{Key: "feedback_details", Prompt: "Please share the details of your feedback:",
					InputType: models.InputTypeText},
			},
			EmailAfterStep:    intPtr(3),
			EmailPrompt:       "Please provide your email address so we can follow up with you:",
			CompletionAction:  NotifyAdminWithSummary,
			CompletionMessage: "Thank you for your valuable feedback! 🌟 Your input helps us improve our platform!",
			Subject:           "New feedback submission",
		},
	}
	return &Catalog{flows: flows}
}
