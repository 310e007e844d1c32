package contract

import (
	"encoding/json"
	"fmt"
	"strings"
)

// APIError is a non-2xx reply from either backend. The screening backend sends
// {"detail": "..."}; the run backend sends {"error_code", "message", "hint"}.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"error_code,omitempty"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "backend status %d", e.Status)
	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Hint != "" {
		fmt.Fprintf(&b, " (hint: %s)", e.Hint)
	}
	return b.String()
}

// NotFound reports a missing request or run.
func (e *APIError) NotFound() bool {
	return e.Status == 404 || e.Code == "not_found"
}

type errorEnvelope struct {
	Detail    json.RawMessage `json:"detail"`
	ErrorCode string          `json:"error_code"`
	Message   string          `json:"message"`
	Hint      *string         `json:"hint"`
}

// DecodeError turns an error body into an APIError, falling back to the raw text.
func DecodeError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		apiErr.Message = strings.TrimSpace(string(body))
		return apiErr
	}
	apiErr.Code = env.ErrorCode
	apiErr.Message = env.Message
	if env.Hint != nil {
		apiErr.Hint = *env.Hint
	}
	if apiErr.Message == "" && len(env.Detail) > 0 {
		var detail string
		if err := json.Unmarshal(env.Detail, &detail); err == nil {
			apiErr.Message = detail
		} else {
			// validation errors arrive as a list of objects
			apiErr.Message = string(env.Detail)
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

// ViolationError lists broken invariants of a decoded response.
type ViolationError struct {
	Subject    string
	Violations []string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("%s violates contract: %s", e.Subject, strings.Join(e.Violations, "; "))
}

type violations struct {
	subject string
	list    []string
}

func (v *violations) addf(format string, args ...any) {
	v.list = append(v.list, fmt.Sprintf(format, args...))
}

func (v *violations) probability(field string, p float64) {
	if p < 0 || p > 1 || p != p {
		v.addf("%s=%v outside [0,1]", field, p)
	}
}

func (v *violations) percent(field string, p float64) {
	if p < 0 || p > 100 || p != p {
		v.addf("%s=%v outside [0,100]", field, p)
	}
}

func (v *violations) err() error {
	if len(v.list) == 0 {
		return nil
	}
	return &ViolationError{Subject: v.subject, Violations: v.list}
}
