// Package services runs table events against the local store and the remote API.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"greenbudget/internal/changes"
	"greenbudget/internal/core"
	"greenbudget/internal/log"
	"greenbudget/internal/notify"
	"greenbudget/internal/ports"
	"greenbudget/internal/reconcile"
	"greenbudget/internal/storage"
	"greenbudget/internal/store"
	"greenbudget/internal/tasks"
)

// Lens focuses a state S on one of its lists.
type Lens[S any, M store.Model[M]] struct {
	Get func(S) store.ListStore[M]
	Set func(S, store.ListStore[M]) S
}

// Identity is the lens of a state that is the list itself.
func Identity[M store.Model[M]]() Lens[store.ListStore[M], M] {
	return Lens[store.ListStore[M], M]{
		Get: func(l store.ListStore[M]) store.ListStore[M] { return l },
		Set: func(_ store.ListStore[M], l store.ListStore[M]) store.ListStore[M] { return l },
	}
}

// DraftStore persists placeholder rows so they survive a restart.
type DraftStore interface {
	SaveDrafts(ctx context.Context, tableKey string, drafts []storage.Draft) error
	LoadDrafts(ctx context.Context, tableKey string) ([]storage.Draft, error)
}

// Hooks keep state derived from the list consistent. Every hook runs inside
// the store update that changed the list; nil hooks are skipped.
type Hooks[S any] struct {
	// Loaded runs after a fetched page was applied.
	Loaded func(S) S
	// Changed runs after rows were added or patched locally.
	Changed func(S, []core.RowID) S
	// Removed runs after confirmed rows were removed locally.
	Removed func(S, []int64) S
	// Responded applies the aggregates returned by a bulk request.
	Responded func(S, ports.BulkResponse) S
}

// Fetcher loads the table's data and returns the transition applying it.
type Fetcher[S any] func(ctx context.Context, q ports.ListQuery) (func(S) (S, error), error)

type TableConfig[S any, M store.Model[M]] struct {
	// Name keys tasks and drafts, e.g. "account:4/subaccounts".
	Name       string
	Domain     store.Domain
	Parent     core.ParentRef
	Lens       Lens[S, M]
	Collection ports.Collection[M]
	Key        reconcile.KeyFunc[M]
	Ready      func(M) bool
	// Payload turns a placeholder row into a create payload.
	Payload  func(M) core.Patch
	Hooks    Hooks[S]
	Fetch    Fetcher[S]
	PageSize int

	Runner   *tasks.Runner
	Notifier notify.Notifier
	Drafts   DraftStore
	Logger   *log.Logger
}

// Table applies table events to a store of S, whose lens picks the list of M
// the events are about.
type Table[S any, M store.Model[M]] struct {
	cfg    TableConfig[S, M]
	store  *store.Store[S]
	logger *log.Logger

	draftsOnce sync.Once
}

func NewTable[S any, M store.Model[M]](initial S, cfg TableConfig[S, M]) *Table[S, M] {
	if cfg.Payload == nil {
		cfg.Payload = func(m M) core.Patch { return toPatch(m) }
	}
	if cfg.Ready == nil {
		cfg.Ready = func(M) bool { return true }
	}
	if cfg.Runner == nil {
		cfg.Runner = tasks.NewRunner(cfg.Notifier, cfg.Logger)
	}
	t := &Table[S, M]{
		cfg:    cfg,
		store:  store.New(initial),
		logger: log.OrDiscard(cfg.Logger).WithComponent(log.ComponentStore).With(log.FieldTable, cfg.Name),
	}
	if t.cfg.Fetch == nil {
		t.cfg.Fetch = t.fetchList
	}
	if cfg.PageSize > 0 {
		_, _ = t.update(func(l store.ListStore[M]) (store.ListStore[M], error) {
			return store.Reduce[M](l, store.SetPage[M]{Page: 1, PageSize: cfg.PageSize})
		})
	}
	return t
}

func (t *Table[S, M]) Name() string { return t.cfg.Name }

func (t *Table[S, M]) Domain() store.Domain { return t.cfg.Domain }

func (t *Table[S, M]) Parent() core.ParentRef { return t.cfg.Parent }

func (t *Table[S, M]) Store() *store.Store[S] { return t.store }

func (t *Table[S, M]) State() S { return t.store.State() }

// List returns the focused list of the current snapshot.
func (t *Table[S, M]) List() store.ListStore[M] { return t.cfg.Lens.Get(t.store.State()) }

func (t *Table[S, M]) key(op string) string { return t.cfg.Name + "/" + op }

// update applies fn to the focused list and hook to the resulting state.
func (t *Table[S, M]) update(fn func(store.ListStore[M]) (store.ListStore[M], error), hooks ...func(S) S) (S, error) {
	return t.store.Update(func(s S) (S, error) {
		l, err := fn(t.cfg.Lens.Get(s))
		if err != nil {
			return s, err
		}
		s = t.cfg.Lens.Set(s, l)
		for _, h := range hooks {
			if h != nil {
				s = h(s)
			}
		}
		return s, nil
	})
}

func (t *Table[S, M]) dispatch(actions ...store.Action[M]) error {
	_, err := t.update(func(l store.ListStore[M]) (store.ListStore[M], error) {
		return reduceAll(l, actions...)
	})
	return err
}

func reduceAll[M store.Model[M]](l store.ListStore[M], actions ...store.Action[M]) (store.ListStore[M], error) {
	var err error
	for _, a := range actions {
		if l, err = store.Reduce(l, a); err != nil {
			return l, err
		}
	}
	return l, nil
}

// Load fetches the current page. A newer load cancels an in-flight one.
func (t *Table[S, M]) Load(ctx context.Context) *tasks.Handle {
	return t.cfg.Runner.TakeLatest(ctx, tasks.Task{
		Key:     t.key("load"),
		Domain:  t.cfg.Domain.String(),
		Message: fmt.Sprintf("There was a problem retrieving the %ss.", t.cfg.Domain),
		Run: func(ctx context.Context) error {
			if err := t.dispatch(store.Request[M]{}); err != nil {
				return err
			}
			l := t.List()
			apply, err := t.cfg.Fetch(ctx, ports.ListQuery{Search: l.Search, Page: l.Page, PageSize: l.PageSize})
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := t.store.Update(func(s S) (S, error) { return apply(s) }); err != nil {
				return err
			}
			t.restoreDrafts(ctx)
			_, err = t.store.Update(func(s S) (S, error) {
				if h := t.cfg.Hooks.Loaded; h != nil {
					s = h(s)
				}
				return s, nil
			})
			return err
		},
		Cleanup: func() { _ = t.dispatch(store.Loading[M]{On: false}) },
	})
}

// Search sets the search term and reloads from the first page.
func (t *Table[S, M]) Search(ctx context.Context, search string) *tasks.Handle {
	_ = t.dispatch(store.SetSearch[M]{Search: search})
	return t.Load(ctx)
}

// SetPage moves to another page and reloads.
func (t *Table[S, M]) SetPage(ctx context.Context, page, pageSize int) *tasks.Handle {
	_ = t.dispatch(store.SetPage[M]{Page: page, PageSize: pageSize})
	return t.Load(ctx)
}

func (t *Table[S, M]) Select(ids ...int64) error { return t.dispatch(store.Select[M]{IDs: ids}) }

func (t *Table[S, M]) Deselect(ids ...int64) error { return t.dispatch(store.Deselect[M]{IDs: ids}) }

func (t *Table[S, M]) fetchList(ctx context.Context, q ports.ListQuery) (func(S) (S, error), error) {
	resp, err := t.cfg.Collection.List(ctx, t.cfg.Parent, q)
	if err != nil {
		return nil, err
	}
	return func(s S) (S, error) {
		l, err := store.Reduce[M](t.cfg.Lens.Get(s), store.Response[M]{Data: resp.Data, Count: resp.Count})
		if err != nil {
			return s, err
		}
		return t.cfg.Lens.Set(s, l), nil
	}, nil
}

// AddRows adds placeholder rows and submits those that are ready for creation.
// It returns the placeholder ids and the create task, nil when nothing was ready.
func (t *Table[S, M]) AddRows(ctx context.Context, rows ...M) ([]string, *tasks.Handle) {
	ps := make([]store.Placeholder[M], len(rows))
	ids := make([]string, len(rows))
	for i, r := range rows {
		ps[i] = store.NewPlaceholder(r)
		ids[i] = ps[i].ID
	}
	_, _ = t.update(func(l store.ListStore[M]) (store.ListStore[M], error) {
		return store.Reduce[M](l, store.AddPlaceholders[M]{Placeholders: ps})
	}, t.changed(placeholderRows(ids)))
	t.saveDrafts(ctx)

	if len(reconcile.Candidates(t.List().Placeholders, t.cfg.Ready, t.cfg.Key)) == 0 {
		return ids, nil
	}
	return ids, t.cfg.Runner.Enqueue(ctx, tasks.Task{
		Key:     t.key("write"),
		Domain:  t.cfg.Domain.String(),
		Message: fmt.Sprintf("There was a problem creating the %ss.", t.cfg.Domain),
		Run:     t.createCandidates,
	})
}

func (t *Table[S, M]) changed(rows []core.RowID) func(S) S {
	h := t.cfg.Hooks.Changed
	if h == nil || len(rows) == 0 {
		return nil
	}
	return func(s S) S { return h(s, rows) }
}

// HandleChanges applies change records optimistically, then bulk updates the
// confirmed rows and creates the placeholders that became ready, in that order.
// Rows the patch cannot be applied to get cell errors and are not sent.
func (t *Table[S, M]) HandleChanges(ctx context.Context, records []core.Change) *tasks.Handle {
	merged := changes.MergeRowChanges(records)

	var applied []core.Change
	var rejected []core.CellError
	var cleared []core.RowID
	_, _ = t.update(func(l store.ListStore[M]) (store.ListStore[M], error) {
		for _, c := range merged {
			var a store.Action[M] = store.Update[M]{ID: c.ID.Server, Patch: c.Patch()}
			if c.ID.IsPlaceholder() {
				a = store.UpdatePlaceholder[M]{ID: c.ID.Placeholder, Patch: c.Patch()}
			}
			next, err := store.Reduce(l, a)
			if err != nil {
				rejected = append(rejected, t.rejection(c, err)...)
				continue
			}
			l = next
			applied = append(applied, c)
			cleared = append(cleared, c.ID)
		}
		l, _ = store.Reduce[M](l, store.CellErrors[M]{Set: rejected, Clear: cleared})
		return l, nil
	}, func(s S) S {
		// applied is only known once the reducer above has run.
		if h := t.changed(rowIDs(applied)); h != nil {
			return h(s)
		}
		return s
	})

	confirmed, placeholders := changes.Partition(applied)
	if len(placeholders) > 0 {
		t.saveDrafts(ctx)
	}
	payloads := ports.Payloads(confirmed)
	ids := make([]int64, len(payloads))
	for i, p := range payloads {
		ids[i] = p.ID
	}
	if len(payloads) > 0 {
		_ = t.dispatch(store.Updating[M]{IDs: ids, On: true})
	}

	return t.cfg.Runner.Enqueue(ctx, tasks.Task{
		Key:    t.key("write"),
		Domain: t.cfg.Domain.String(),
		Run: func(ctx context.Context) error {
			if len(payloads) > 0 {
				resp, err := t.cfg.Collection.BulkUpdate(ctx, t.cfg.Parent, payloads)
				if err != nil {
					return err
				}
				t.respond(resp)
			}
			return t.createCandidates(ctx)
		},
		Cleanup: func() {
			if len(ids) > 0 {
				_ = t.dispatch(store.Updating[M]{IDs: ids, On: false})
			}
		},
		OnValidation: func(ve *core.ValidationError) bool {
			var row core.RowID
			if len(ids) == 1 {
				row = core.ServerRow(ids[0])
			}
			cells, ok := ve.CellErrors(row)
			if !ok {
				return false
			}
			for _, c := range cells {
				if c.ID.IsZero() {
					return false
				}
			}
			_ = t.dispatch(store.CellErrors[M]{Set: cells})
			return true
		},
	})
}

func rowIDs(cs []core.Change) []core.RowID {
	out := make([]core.RowID, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}

// rejection turns a failed local patch into cell errors. Missing rows are
// client/server drift and only logged.
func (t *Table[S, M]) rejection(c core.Change, err error) []core.CellError {
	var ve *core.ValidationError
	if errors.As(err, &ve) {
		if cells, ok := ve.CellErrors(c.ID); ok {
			return cells
		}
	}
	t.logger.Warn("change not applied",
		log.FieldEntityID, c.ID.String(),
		log.FieldError, err,
		"error_type", log.ErrorTypeConsistency)
	return nil
}

// createCandidates bulk creates the ready placeholders and activates them.
// Rows held back because of a duplicate key go out in a following round.
func (t *Table[S, M]) createCandidates(ctx context.Context) error {
	for {
		candidates := reconcile.Candidates(t.List().Placeholders, t.cfg.Ready, t.cfg.Key)
		if len(candidates) == 0 {
			return nil
		}
		n, err := t.create(ctx, candidates)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

func (t *Table[S, M]) create(ctx context.Context, candidates []store.Placeholder[M]) (int, error) {
	_ = t.dispatch(store.Creating[M]{On: true})
	defer func() { _ = t.dispatch(store.Creating[M]{On: false}) }()

	rows := make([]core.Patch, len(candidates))
	for i, p := range candidates {
		rows[i] = t.cfg.Payload(p.Row)
	}
	resp, err := t.cfg.Collection.BulkCreate(ctx, t.cfg.Parent, rows)
	if err != nil {
		return 0, err
	}

	res := reconcile.ReconcileBulkCreate(candidates, resp.Children, t.cfg.Key)
	var created []core.RowID
	for _, a := range res.Activations {
		created = append(created, core.ServerRow(a.Model.GetID()))
	}
	for _, m := range res.Unmatched {
		created = append(created, core.ServerRow(m.GetID()))
	}
	_, err = t.update(func(l store.ListStore[M]) (store.ListStore[M], error) {
		return reconcile.Apply(l, res, t.cfg.Logger), nil
	}, t.changed(created), t.responded(ports.BulkResponse{Parent: resp.Parent, Budget: resp.Budget}))
	if err != nil {
		return 0, err
	}
	t.saveDrafts(ctx)

	t.logger.InfoContext(ctx, "rows created",
		log.FieldOperation, log.OpBulkCreate,
		log.FieldCount, len(resp.Children),
		"activated", len(res.Activations))

	if len(res.Unmatched) > 0 && t.cfg.Notifier != nil {
		n := notify.New(notify.LevelWarning, t.cfg.Domain.String(),
			fmt.Sprintf("%d created %s(s) could not be matched to the rows you added. Please review the table for duplicates.",
				len(res.Unmatched), t.cfg.Domain))
		if nerr := t.cfg.Notifier.Notify(context.WithoutCancel(ctx), n); nerr != nil {
			t.logger.Warn("notification not delivered", log.FieldError, nerr)
		}
	}
	return len(res.Activations), nil
}

func (t *Table[S, M]) responded(resp ports.BulkResponse) func(S) S {
	h := t.cfg.Hooks.Responded
	if h == nil {
		return nil
	}
	return func(s S) S { return h(s, resp) }
}

func (t *Table[S, M]) respond(resp ports.BulkResponse) {
	_, _ = t.store.Update(func(s S) (S, error) {
		if h := t.responded(resp); h != nil {
			s = h(s)
		}
		return s, nil
	})
}

// DeleteRows removes rows locally and deletes the confirmed ones remotely.
// A failed delete reloads the table to bring the rows back.
func (t *Table[S, M]) DeleteRows(ctx context.Context, rows []core.RowID) *tasks.Handle {
	var ids []int64
	var placeholders []string
	for _, r := range rows {
		if r.IsPlaceholder() {
			placeholders = append(placeholders, r.Placeholder)
		} else if !r.IsZero() {
			ids = append(ids, r.Server)
		}
	}

	var removed func(S) S
	if h := t.cfg.Hooks.Removed; h != nil && len(ids) > 0 {
		removed = func(s S) S { return h(s, ids) }
	}
	_, _ = t.update(func(l store.ListStore[M]) (store.ListStore[M], error) {
		for _, id := range placeholders {
			l, _ = store.Reduce[M](l, store.RemovePlaceholder[M]{ID: id})
		}
		if len(ids) > 0 {
			l, _ = reduceAll(l,
				store.Remove[M]{IDs: ids},
				store.Deleting[M]{IDs: ids, On: true},
				store.CellErrors[M]{Clear: rows})
		}
		return l, nil
	}, removed, t.changed(placeholderRows(placeholders)))
	if len(placeholders) > 0 {
		t.saveDrafts(ctx)
	}
	if len(ids) == 0 {
		return nil
	}

	return t.cfg.Runner.Enqueue(ctx, tasks.Task{
		Key:     t.key("write"),
		Domain:  t.cfg.Domain.String(),
		Message: fmt.Sprintf("There was a problem deleting the %ss.", t.cfg.Domain),
		Run: func(ctx context.Context) error {
			resp, err := t.cfg.Collection.BulkDelete(ctx, t.cfg.Parent, ids)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					t.Load(context.WithoutCancel(ctx))
				}
				return err
			}
			t.respond(resp)
			return nil
		},
		Cleanup: func() { _ = t.dispatch(store.Deleting[M]{IDs: ids, On: false}) },
	})
}

// placeholderRows lists removed placeholders; hooks treat them as changed so
// the parent totals drop their values.
func placeholderRows(ids []string) []core.RowID {
	out := make([]core.RowID, len(ids))
	for i, id := range ids {
		out[i] = core.PlaceholderRow(id)
	}
	return out
}

func (t *Table[S, M]) saveDrafts(ctx context.Context) {
	if t.cfg.Drafts == nil {
		return
	}
	ps := t.List().Placeholders
	drafts := make([]storage.Draft, 0, len(ps))
	for _, p := range ps {
		data, err := json.Marshal(p.Row)
		if err != nil {
			t.logger.Error("draft not encoded", "placeholder", p.ID, log.FieldError, err)
			continue
		}
		drafts = append(drafts, storage.Draft{ID: p.ID, Payload: data})
	}
	if err := t.cfg.Drafts.SaveDrafts(context.WithoutCancel(ctx), t.cfg.Name, drafts); err != nil {
		t.logger.Error("drafts not saved", log.FieldError, err, "error_type", log.ErrorTypeDatabase)
	}
}

// restoreDrafts brings back the placeholders saved by a previous process, once.
func (t *Table[S, M]) restoreDrafts(ctx context.Context) {
	if t.cfg.Drafts == nil {
		return
	}
	t.draftsOnce.Do(func() {
		drafts, err := t.cfg.Drafts.LoadDrafts(ctx, t.cfg.Name)
		if err != nil {
			t.logger.Error("drafts not loaded", log.FieldError, err, "error_type", log.ErrorTypeDatabase)
			return
		}
		var ps []store.Placeholder[M]
		var rows []core.RowID
		for _, d := range drafts {
			if _, ok := t.List().Placeholder(d.ID); ok {
				continue
			}
			var m M
			if err := json.Unmarshal(d.Payload, &m); err != nil {
				t.logger.Warn("draft dropped", "placeholder", d.ID, log.FieldError, err)
				continue
			}
			ps = append(ps, store.Placeholder[M]{ID: d.ID, Row: m})
			rows = append(rows, core.PlaceholderRow(d.ID))
		}
		if len(ps) == 0 {
			return
		}
		_, _ = t.update(func(l store.ListStore[M]) (store.ListStore[M], error) {
			return store.Reduce[M](l, store.AddPlaceholders[M]{Placeholders: ps})
		}, t.changed(rows))
		t.logger.Info("drafts restored", log.FieldCount, len(ps))
	})
}

// toPatch encodes a row as a create payload, leaving out its id and nulls.
func toPatch(m any, drop ...string) core.Patch {
	data, err := json.Marshal(m)
	if err != nil {
		return core.Patch{}
	}
	var p core.Patch
	if err := json.Unmarshal(data, &p); err != nil {
		return core.Patch{}
	}
	delete(p, "id")
	for _, f := range drop {
		delete(p, f)
	}
	for k, v := range p {
		if v == nil {
			delete(p, k)
		}
	}
	return p
}
