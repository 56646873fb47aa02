package execctx

import (
	"errors"
	"fmt"
)

// ErrInvalidContext is matched by every validation failure.
var ErrInvalidContext = errors.New("invalid execution context")

// Rule identifies which validation rule rejected a context.
type Rule string

const (
	RuleRequired      Rule = "required"
	RuleForbidden     Rule = "forbidden_literal"
	RuleReservedKey   Rule = "reserved_key"
	RuleSize          Rule = "size_limit"
	RuleControlChars  Rule = "control_characters"
	RuleDepthExceeded Rule = "depth_exceeded"
)

// InvalidContextError describes a rejected context. It carries the field name
// and never the offending metadata value.
type InvalidContextError struct {
	Field  string
	Rule   Rule
	Reason string
}

func (e *InvalidContextError) Error() string {
	return fmt.Sprintf("invalid execution context: %s: %s (%s)", e.Field, e.Reason, e.Rule)
}

// Is reports whether target is ErrInvalidContext.
func (e *InvalidContextError) Is(target error) bool {
	return target == ErrInvalidContext
}

func invalid(field string, rule Rule, format string, args ...interface{}) *InvalidContextError {
	return &InvalidContextError{
		Field:  field,
		Rule:   rule,
		Reason: fmt.Sprintf(format, args...),
	}
}
