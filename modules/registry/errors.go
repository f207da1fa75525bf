package registry

import (
	"fmt"
	"strings"
)

// Error kinds. These surface to the LLM as tool-result errors; none of
// them are fatal to the pipeline.
const (
	KindToolNotFound      = "ToolNotFound"
	KindDuplicateTool     = "DuplicateTool"
	KindInvalidArguments  = "InvalidArguments"
	KindUnauthorized      = "Unauthorized"
	KindRateLimited       = "RateLimited"
	KindToolTimeout       = "ToolTimeout"
	KindToolHandlerError  = "ToolHandlerError"
	KindSecurityViolation = "SecurityViolation"
)

// FieldError describes a single argument validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is the structured tool error returned by Invoke. Messages are
// safe for the LLM: no stack traces, driver text or config values.
type Error struct {
	Kind    string       `json:"error_kind"`
	Code    string       `json:"error_code"`
	Message string       `json:"message"`
	Fields  []FieldError `json:"fields,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, strings.Join(parts, "; "))
}

func newError(kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}
