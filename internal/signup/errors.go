package signup

import (
	"errors"
	"sort"
	"strings"

	"github.com/bissquit/fanfest-signup/internal/domain"
	"github.com/bissquit/fanfest-signup/internal/pkg/httputil"
)

// Service errors.
var (
	ErrDuplicateSubmission = errors.New("this email has already been registered")
	ErrSignupNotFound      = domain.ErrSignupNotFound
	ErrUnavailable         = errors.New("signup temporarily unavailable")
)

// ValidationError lists rejected submission fields.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.FieldErrors() {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "invalid submission: " + strings.Join(parts, "; ")
}

// FieldErrors returns the rejected fields in a stable order.
func (e *ValidationError) FieldErrors() []httputil.FieldError {
	out := make([]httputil.FieldError, 0, len(e.Fields))
	for field, msg := range e.Fields {
		out = append(out, httputil.FieldError{Field: field, Message: msg})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}
