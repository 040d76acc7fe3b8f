package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// NetworkError means the request never produced a usable response: the
// connection failed, was aborted, or the response had no readable body.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationIssue is one field-level entry of a 422 "detail" array.
type ValidationIssue struct {
	Loc  []any  `json:"loc"`
	Msg  string `json:"msg"`
	Type string `json:"type,omitempty"`
}

// String renders the issue as "body.message: too long".
func (v ValidationIssue) String() string {
	parts := make([]string, 0, len(v.Loc))
	for _, p := range v.Loc {
		parts = append(parts, fmt.Sprint(p))
	}
	loc := strings.Join(parts, ".")
	if loc == "" {
		return v.Msg
	}
	return loc + ": " + v.Msg
}

// HTTPStatusError is a non-2xx response. Detail holds the best message we
// could extract; Body always keeps the raw response text.
type HTTPStatusError struct {
	Status     int
	StatusText string
	Detail     string
	Body       string
	Validation []ValidationIssue
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message())
}

// Message picks, in order: JSON detail, JSON error.message, the status
// text, the raw body.
func (e *HTTPStatusError) Message() string {
	switch {
	case e.Detail != "":
		return e.Detail
	case e.StatusText != "":
		return e.StatusText
	default:
		return e.Body
	}
}

// newHTTPStatusError never fails: a body that isn't JSON, or JSON of an
// unexpected shape, just leaves Detail empty.
func newHTTPStatusError(status int, body []byte) *HTTPStatusError {
	e := &HTTPStatusError{
		Status:     status,
		StatusText: http.StatusText(status),
		Body:       string(body),
	}

	var envelope struct {
		Detail json.RawMessage `json:"detail"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return e
	}

	if len(envelope.Detail) > 0 {
		var s string
		var issues []ValidationIssue
		switch {
		case json.Unmarshal(envelope.Detail, &s) == nil:
			e.Detail = s
		case json.Unmarshal(envelope.Detail, &issues) == nil:
			e.Validation = issues
			e.Detail = FlattenValidation(issues)
		}
	}
	if e.Detail == "" && len(envelope.Error) > 0 {
		var obj struct {
			Message string `json:"message"`
		}
		var s string
		switch {
		case json.Unmarshal(envelope.Error, &obj) == nil && obj.Message != "":
			e.Detail = obj.Message
		case json.Unmarshal(envelope.Error, &s) == nil:
			e.Detail = s
		}
	}
	return e
}

// FlattenValidation joins field-level issues into one display string,
// one issue per line.
func FlattenValidation(issues []ValidationIssue) string {
	lines := make([]string, 0, len(issues))
	for _, is := range issues {
		lines = append(lines, is.String())
	}
	return strings.Join(lines, "\n")
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *HTTPStatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

// IsUnauthorized reports whether err is a 401 from the server.
func IsUnauthorized(err error) bool {
	return StatusCode(err) == http.StatusUnauthorized
}
