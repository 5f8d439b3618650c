package http

import (
	"context"
	"net/http"

	"greenbudget/internal/core"
	"greenbudget/internal/log"
	"greenbudget/internal/services"
	"greenbudget/internal/store"
	"greenbudget/internal/tasks"
)

// TableResponse is the body returned by every table endpoint.
type TableResponse[S any] struct {
	// Placeholders are the ids given to rows added by the request.
	Placeholders []string `json:"placeholders,omitempty"`
	State        S        `json:"state"`
}

type (
	addRowsRequest struct {
		Rows []core.LineItem `json:"rows"`
	}
	changesRequest struct {
		Changes []core.Change `json:"changes"`
	}
	deleteRowsRequest struct {
		IDs []core.RowID `json:"ids"`
	}
	createGroupRequest struct {
		Name     string  `json:"name"`
		Color    string  `json:"color"`
		Children []int64 `json:"children"`
	}
)

// detached keeps the request's values, the logger among them, but not its
// cancellation: writes must reach the server once accepted.
func detached(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

// finish waits for h unless the client opted out, then writes the current
// state. A failed task is reported with the state it left behind.
func finish[S any](w http.ResponseWriter, r *http.Request, h *tasks.Handle, placeholders []string, state func() S) {
	status := http.StatusOK
	if h != nil {
		if !WantWait(r) {
			status = http.StatusAccepted
		} else if err := h.Wait(r.Context()); err != nil {
			log.FromContext(r.Context()).WarnContext(r.Context(), "table task failed",
				log.FieldPath, r.URL.Path, log.FieldError, err)
			resp := ErrorFrom(err)
			if body, ok := resp.body.(ErrorBody); ok {
				body.State = state()
				resp.Body(body)
			}
			resp.Write(w)
			return
		}
	}
	NewJSONResponse().Status(status).Body(TableResponse[S]{Placeholders: placeholders, State: state()}).Write(w)
}

// lineItemTable resolves the table addressed by the request path. It writes
// the error response and returns false when the path is invalid.
func (s *Server) lineItemTable(w http.ResponseWriter, r *http.Request) (*services.Session, *services.LineItemTable, bool) {
	params, err := ParseTableParams(r)
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return nil, nil, false
	}
	sess := s.registry.Session(params.Budget)
	t, err := sess.Table(params.Parent)
	if err != nil {
		ErrorFrom(err).Write(w)
		return nil, nil, false
	}
	return sess, t, true
}

func (s *Server) handleTableSnapshot(w http.ResponseWriter, r *http.Request) {
	sess, t, ok := s.lineItemTable(w, r)
	if !ok {
		return
	}
	ctx := detached(r)
	// Rows are computed with the budget's fringes; load them alongside.
	related := []*tasks.Handle{
		ensureLoaded[core.Fringe](ctx, sess.Fringes),
		ensureLoaded[core.Actual](ctx, sess.Actuals),
	}
	_, h, err := sess.Open(ctx, t.Parent())
	if err != nil {
		ErrorFrom(err).Write(w)
		return
	}
	if WantWait(r) {
		for _, rh := range related {
			if rh == nil {
				continue
			}
			if err := rh.Wait(r.Context()); err != nil {
				log.FromContext(ctx).WarnContext(ctx, "loading budget lists failed", log.FieldError, err)
			}
		}
	}
	finish(w, r, h, nil, t.State)
}

func (s *Server) handleTableAddRows(w http.ResponseWriter, r *http.Request) {
	_, t, ok := s.lineItemTable(w, r)
	if !ok {
		return
	}
	var req addRowsRequest
	if err := DecodeJSON(r, &req); err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	if len(req.Rows) == 0 {
		BadRequestError("rows must not be empty").Write(w)
		return
	}
	ids, h := t.AddRows(detached(r), req.Rows...)
	finish(w, r, h, ids, t.State)
}

func (s *Server) handleTableChanges(w http.ResponseWriter, r *http.Request) {
	_, t, ok := s.lineItemTable(w, r)
	if !ok {
		return
	}
	var req changesRequest
	if err := DecodeJSON(r, &req); err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	h := t.HandleChanges(detached(r), req.Changes)
	finish(w, r, h, nil, t.State)
}

func (s *Server) handleTableDeleteRows(w http.ResponseWriter, r *http.Request) {
	_, t, ok := s.lineItemTable(w, r)
	if !ok {
		return
	}
	var req deleteRowsRequest
	if err := DecodeJSON(r, &req); err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	h := t.DeleteRows(detached(r), req.IDs)
	finish(w, r, h, nil, t.State)
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	_, t, ok := s.lineItemTable(w, r)
	if !ok {
		return
	}
	var req createGroupRequest
	if err := DecodeJSON(r, &req); err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	h := t.GroupRows(detached(r), req.Name, req.Color, req.Children)
	finish(w, r, h, nil, t.State)
}

func (s *Server) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	_, t, ok := s.lineItemTable(w, r)
	if !ok {
		return
	}
	id, err := ParseID(r, "group")
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	var patch core.Patch
	if err := DecodeJSON(r, &patch); err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	h, err := t.UpdateGroup(detached(r), id, patch)
	if err != nil {
		ErrorFrom(err).Write(w)
		return
	}
	finish(w, r, h, nil, t.State)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	_, t, ok := s.lineItemTable(w, r)
	if !ok {
		return
	}
	id, err := ParseID(r, "group")
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	h, err := t.DeleteGroup(detached(r), id)
	if err != nil {
		ErrorFrom(err).Write(w)
		return
	}
	finish(w, r, h, nil, t.State)
}

func (s *Server) handleAddToGroup(w http.ResponseWriter, r *http.Request) {
	s.handleMembership(w, r, (*services.LineItemTable).AddToGroup)
}

func (s *Server) handleRemoveFromGroup(w http.ResponseWriter, r *http.Request) {
	s.handleMembership(w, r, (*services.LineItemTable).RemoveFromGroup)
}

func (s *Server) handleMembership(w http.ResponseWriter, r *http.Request,
	op func(*services.LineItemTable, context.Context, int64, int64) (*tasks.Handle, error)) {
	_, t, ok := s.lineItemTable(w, r)
	if !ok {
		return
	}
	group, err := ParseID(r, "group")
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	item, err := ParseID(r, "item")
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	h, err := op(t, detached(r), group, item)
	if err != nil {
		ErrorFrom(err).Write(w)
		return
	}
	finish(w, r, h, nil, t.State)
}

// loader is a table whose list may need its first load.
type loader[M store.Model[M]] interface {
	List() store.ListStore[M]
	Load(ctx context.Context) *tasks.Handle
}

// ensureLoaded starts the first load of t; later calls are no-ops.
func ensureLoaded[M store.Model[M]](ctx context.Context, t loader[M]) *tasks.Handle {
	if l := t.List(); l.Responded || l.Loading {
		return nil
	}
	return t.Load(ctx)
}
