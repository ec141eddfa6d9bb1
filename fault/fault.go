// Package fault defines the structured error taxonomy shared by the glyph
// packages.
//
// Callers should branch on Kind/RuleID rather than matching error strings.
// Error() strings are human-readable and may evolve.
package fault

import "errors"

// Kind is a stable category for programmatic error handling.
type Kind string

const (
	InvalidArtifact            Kind = "InvalidArtifact"
	InvalidWeight              Kind = "InvalidWeight"
	InvalidLayer               Kind = "InvalidLayer"
	DuplicateOrOutOfOrderIndex Kind = "DuplicateOrOutOfOrderIndex"
	InvalidProjection          Kind = "InvalidProjection"
	EmptyLayer                 Kind = "EmptyLayer"
	EmptyChord                 Kind = "EmptyChord"
	DuplicateLayer             Kind = "DuplicateLayer"
	ThresholdMisconfigured     Kind = "ThresholdMisconfigured"
	BelowThreshold             Kind = "BelowThreshold"
	RecursionLimit             Kind = "RecursionLimit"
	InvalidRecord              Kind = "InvalidRecord"
	Internal                   Kind = "Internal"
)

// Error is the structured error type.
//
// RuleID is a stable identifier (e.g. GLYPH-TI-001) naming the violated
// invariant. Message is intended for humans; do not match on it.
type Error struct {
	Kind    Kind
	RuleID  string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// New returns a structured error without a cause.
func New(kind Kind, ruleID, msg string) error {
	return &Error{Kind: kind, RuleID: ruleID, Message: msg}
}

// Wrap returns a structured error wrapping cause. A nil cause behaves like New.
func Wrap(kind Kind, ruleID, msg string, cause error) error {
	if cause == nil {
		return New(kind, ruleID, msg)
	}
	return &Error{Kind: kind, RuleID: ruleID, Message: msg, Cause: cause}
}

// IsKind reports whether err is (or wraps) an *Error with the given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// KindOf returns the Kind of a structured error, or "" if err is not one.
func KindOf(err error) Kind {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Kind
}

// RuleID returns the stable RuleID for a structured error, or "" if unknown.
func RuleID(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.RuleID
}
