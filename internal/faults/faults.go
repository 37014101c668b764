package faults

import "errors"

// Category classifies errors crossing component boundaries. Handlers map
// categories to wire responses; everything else stays wrapped.
type Category string

const (
	// NotFound covers unknown repositories, branches and paths. Always a
	// clean negative answer, never a server fault.
	NotFound Category = "NotFound"

	// RulesMissing means the rule document is absent from the default branch.
	RulesMissing Category = "RulesMissing"

	// RulesInvalid means the rule document is present but fails validation.
	RulesInvalid Category = "RulesInvalid"

	// RuleViolation is an index-time uniqueness conflict on one document.
	RuleViolation Category = "RuleViolation"

	// StoreIO covers underlying git store or index store I/O failures.
	// This is the only category eligible for automatic retry.
	StoreIO Category = "StoreIO"

	// MalformedRequest covers unparseable query envelopes or paths.
	MalformedRequest Category = "MalformedRequest"
)

// Error is a categorized error with an optional cause.
type Error struct {
	Category Category
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Message != "" && e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return string(e.Category)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// New creates a categorized error.
func New(category Category, message string, cause error) *Error {
	return &Error{
		Category: category,
		Message:  message,
		Cause:    cause,
	}
}

// NotFoundf creates a NotFound error without a cause.
func NotFoundf(message string) *Error {
	return New(NotFound, message, nil)
}

// IsCategory reports whether err carries the given category anywhere in
// its chain.
func IsCategory(err error, category Category) bool {
	if err == nil {
		return false
	}

	var typed *Error
	if !errors.As(err, &typed) {
		return false
	}
	return typed.Category == category
}

// CategoryOf returns the category of err, or empty if err is not typed.
func CategoryOf(err error) Category {
	var typed *Error
	if !errors.As(err, &typed) {
		return ""
	}
	return typed.Category
}
