package core

import (
	"errors"
	"fmt"
	"strings"
)

var ErrNotFound = errors.New("not found")

// ConsistencyWarning reports a referenced entity missing from the local store.
// It signals client/server drift and never aborts the operation that found it.
type ConsistencyWarning struct {
	Op     string
	Entity string
	ID     int64
	// Owner names the entity holding the stale reference, e.g. "group 4".
	Owner string
}

func (w ConsistencyWarning) Error() string {
	if w.Owner != "" {
		return fmt.Sprintf("%s: inconsistent state: %s %d referenced by %s not found", w.Op, w.Entity, w.ID, w.Owner)
	}
	return fmt.Sprintf("%s: inconsistent state: %s %d not found", w.Op, w.Entity, w.ID)
}

// ConsistencyError reports that the entity an operation is scoped to does not exist.
// Operations return their input unchanged alongside it.
type ConsistencyError struct {
	Op     string
	Entity string
	ID     int64
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("%s: %s %d not found", e.Op, e.Entity, e.ID)
}

func (e *ConsistencyError) Unwrap() error { return ErrNotFound }

// RequestError is a failed call to the remote API.
type RequestError struct {
	Op         string
	Method     string
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *RequestError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Method != "" {
		fmt.Fprintf(&b, ": %s %s", e.Method, e.URL)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *RequestError) Unwrap() error { return e.Err }

// FieldError is one per-field problem. ID is the server row it concerns, if known.
type FieldError struct {
	ID      int64  `json:"id,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ValidationError struct {
	Errors []FieldError `json:"errors"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		if fe.Field != "" {
			parts = append(parts, fe.Field+": "+fe.Message)
		} else {
			parts = append(parts, fe.Message)
		}
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// CellErrors decomposes the error into cell annotations. Errors without a server
// row id are attributed to row. It reports false when any error has no field,
// in which case callers fall back to a generic notification.
func (e *ValidationError) CellErrors(row RowID) ([]CellError, bool) {
	if len(e.Errors) == 0 {
		return nil, false
	}
	out := make([]CellError, 0, len(e.Errors))
	for _, fe := range e.Errors {
		if fe.Field == "" {
			return nil, false
		}
		id := row
		if fe.ID != 0 {
			id = ServerRow(fe.ID)
		}
		out = append(out, CellError{ID: id, Field: fe.Field, Message: fe.Message})
	}
	return out, true
}
