package flow

import (
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/rentline/assistbot/internal/models"
)

var phoneDigitsRegex = regexp.MustCompile(`[^0-9]`)

// Accepted date layouts for visit scheduling answers.
var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"01/02/2006",
	"January 2, 2006",
	"2 January 2006",
}

// validateAnswer checks a raw user response against the question's expected
// shape and returns the canonical value to store.
func validateAnswer(q Question, raw string) (string, error) {
	answer := strings.TrimSpace(raw)
	if answer == "" {
		return "", models.ErrEmptyResponse
	}
	if len(answer) > models.MaxResponseLength {
		return "", models.ErrResponseTooLong
	}

	switch q.InputType {
	case models.InputTypeChoice:
		for _, opt := range q.Options {
			if strings.EqualFold(answer, opt) {
				return opt, nil
			}
		}
		return "", models.ErrInvalidChoice
	case models.InputTypeEmail:
		return validateEmail(answer)
	case models.InputTypePhone:
		return validatePhone(answer)
	case models.InputTypeDate:
		return validateDate(answer)
	default:
		// Free text needs no further checks.
		return answer, nil
	}
}

// validateEmail parses and canonicalizes an email address.
func validateEmail(raw string) (string, error) {
	answer := strings.TrimSpace(raw)
	if answer == "" {
		return "", models.ErrEmptyResponse
	}
	addr, err := mail.ParseAddress(answer)
	if err != nil {
		return "", models.ErrInvalidEmail
	}
	if !strings.Contains(addr.Address, "@") {
		return "", models.ErrInvalidEmail
	}
	return strings.ToLower(addr.Address), nil
}

// validatePhone canonicalizes a phone number by stripping all non-numeric
// characters and requires at least 6 digits.
func validatePhone(raw string) (string, error) {
	canonical := phoneDigitsRegex.ReplaceAllString(raw, "")
	if canonical == "" || len(canonical) < 6 {
		return "", models.ErrInvalidPhone
	}
	return canonical, nil
}

// validateDate accepts any of the supported date layouts and stores the
// answer in ISO form.
func validateDate(raw string) (string, error) {
	answer := strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, answer); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return "", models.ErrInvalidDate
}

// validationReason turns a validation error into the human-readable text
// logged as a System message and echoed back with the retry prompt.
func validationReason(q Question, err error) string {
	switch err {
	case models.ErrEmptyResponse:
		return "Please provide an answer."
	case models.ErrResponseTooLong:
		return "That answer is too long. Please shorten it and try again."
	case models.ErrInvalidChoice:
		return "Please choose one of the offered options: " + strings.Join(q.Options, ", ") + "."
	case models.ErrInvalidEmail:
		return "That doesn't look like a valid email address. Please try again."
	case models.ErrInvalidPhone:
		return "That doesn't look like a valid phone number. Please try again."
	case models.ErrInvalidDate:
		return "Please provide a date like 2025-08-14."
	default:
		return "That answer couldn't be processed. Please try again."
	}
}
