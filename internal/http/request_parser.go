// Package http provides HTTP server and handler implementations.
//
// This file implements utilities for parsing path values, query parameters
// and JSON bodies of table requests.

package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"greenbudget/internal/core"
)

// maxBodyBytes bounds request bodies; a bulk edit of a large table stays well
// below it.
const maxBodyBytes = 4 << 20

// TableParams identifies the line item table a request is about.
type TableParams struct {
	Budget int64
	Parent core.ParentRef
}

// ParseTableParams reads /budgets/{budget}/tables/{kind}/{parent}.
func ParseTableParams(r *http.Request) (TableParams, error) {
	budget, err := ParseID(r, "budget")
	if err != nil {
		return TableParams{}, err
	}
	kind := core.ParentKind(strings.ToLower(r.PathValue("kind")))
	if !kind.IsValid() {
		return TableParams{}, fmt.Errorf("table kind %q: %w", r.PathValue("kind"), core.ErrInvalidParent)
	}
	parent, err := ParseID(r, "parent")
	if err != nil {
		return TableParams{}, err
	}
	if kind == core.ParentBudget && parent != budget {
		return TableParams{}, fmt.Errorf("budget table %d of budget %d: %w", parent, budget, core.ErrInvalidParent)
	}
	return TableParams{Budget: budget, Parent: core.ParentRef{Kind: kind, ID: parent}}, nil
}

// ParseID reads a positive integer path value.
func ParseID(r *http.Request, name string) (int64, error) {
	v := strings.TrimSpace(r.PathValue(name))
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id %q", name, v)
	}
	return id, nil
}

// DecodeJSON decodes the request body into v, rejecting unknown fields.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

// WantWait reports whether the client asked to wait for the triggered task.
// Waiting is the default; ?wait=false returns the optimistic state at once.
func WantWait(r *http.Request) bool {
	v := strings.TrimSpace(r.URL.Query().Get("wait"))
	if v == "" {
		return true
	}
	b, err := strconv.ParseBool(v)
	return err != nil || b
}

// ListParams holds the optional search and paging query parameters.
type ListParams struct {
	Search    *string
	Page      int
	PageSize  int
	HasPaging bool
}

func ParseListParams(r *http.Request) (ListParams, error) {
	q := r.URL.Query()
	var p ListParams
	if q.Has("search") {
		s := strings.TrimSpace(q.Get("search"))
		p.Search = &s
	}
	for name, dst := range map[string]*int{"page": &p.Page, "page_size": &p.PageSize} {
		v := strings.TrimSpace(q.Get(name))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return ListParams{}, fmt.Errorf("invalid %s %q", name, v)
		}
		*dst = n
		p.HasPaging = true
	}
	return p, nil
}

// ParseNotificationParams reads ?since=<RFC3339>&limit=<n>. limit defaults to
// def and is capped at max.
func ParseNotificationParams(r *http.Request, def, max int) (since time.Time, limit int, err error) {
	q := r.URL.Query()
	limit = def
	if v := strings.TrimSpace(q.Get("since")); v != "" {
		if since, err = time.Parse(time.RFC3339, v); err != nil {
			return time.Time{}, 0, fmt.Errorf("invalid since %q: want RFC 3339", v)
		}
	}
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return time.Time{}, 0, fmt.Errorf("invalid limit %q", v)
		}
		limit = n
	}
	if max > 0 && limit > max {
		limit = max
	}
	return since, limit, nil
}
