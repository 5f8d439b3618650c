package http

import (
	"net/http"

	"greenbudget/internal/core"
	"greenbudget/internal/services"
	"greenbudget/internal/store"
	"greenbudget/internal/tasks"
)

func fringesOf(s *services.Session) *services.FringeTable { return s.Fringes }

func actualsOf(s *services.Session) *services.ActualTable { return s.Actuals }

// registerList mounts the list, create, change and delete endpoints of a
// budget-wide list under prefix.
func registerList[M store.Model[M]](mux *http.ServeMux, prefix string, s *Server, pick func(*services.Session) *services.Table[store.ListStore[M], M]) {
	h := listHandlers[M]{server: s, pick: pick}
	mux.HandleFunc("GET "+prefix, h.list)
	mux.HandleFunc("POST "+prefix+"/rows", h.addRows)
	mux.HandleFunc("POST "+prefix+"/changes", h.changes)
	mux.HandleFunc("DELETE "+prefix+"/rows", h.deleteRows)
}

type listHandlers[M store.Model[M]] struct {
	server *Server
	pick   func(*services.Session) *services.Table[store.ListStore[M], M]
}

func (h listHandlers[M]) table(w http.ResponseWriter, r *http.Request) (*services.Table[store.ListStore[M], M], bool) {
	budget, err := ParseID(r, "budget")
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return nil, false
	}
	return h.pick(h.server.registry.Session(budget)), true
}

func (h listHandlers[M]) list(w http.ResponseWriter, r *http.Request) {
	t, ok := h.table(w, r)
	if !ok {
		return
	}
	params, err := ParseListParams(r)
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}

	ctx := detached(r)
	var handle *tasks.Handle
	switch {
	case params.Search != nil || params.HasPaging:
		if params.Search != nil {
			handle = t.Search(ctx, *params.Search)
		}
		if params.HasPaging {
			l := t.List()
			page, size := params.Page, params.PageSize
			if page == 0 {
				page = l.Page
			}
			if size == 0 {
				size = l.PageSize
			}
			handle = t.SetPage(ctx, page, size)
		}
	default:
		handle = ensureLoaded[M](ctx, t)
	}
	finish(w, r, handle, nil, t.List)
}

func (h listHandlers[M]) addRows(w http.ResponseWriter, r *http.Request) {
	t, ok := h.table(w, r)
	if !ok {
		return
	}
	var req struct {
		Rows []M `json:"rows"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	if len(req.Rows) == 0 {
		BadRequestError("rows must not be empty").Write(w)
		return
	}
	ids, handle := t.AddRows(detached(r), req.Rows...)
	finish(w, r, handle, ids, t.List)
}

func (h listHandlers[M]) changes(w http.ResponseWriter, r *http.Request) {
	t, ok := h.table(w, r)
	if !ok {
		return
	}
	var req changesRequest
	if err := DecodeJSON(r, &req); err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	handle := t.HandleChanges(detached(r), req.Changes)
	finish(w, r, handle, nil, t.List)
}

func (h listHandlers[M]) deleteRows(w http.ResponseWriter, r *http.Request) {
	t, ok := h.table(w, r)
	if !ok {
		return
	}
	var req struct {
		IDs []core.RowID `json:"ids"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}
	handle := t.DeleteRows(detached(r), req.IDs)
	finish(w, r, handle, nil, t.List)
}
