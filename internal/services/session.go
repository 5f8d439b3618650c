package services

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"greenbudget/internal/core"
	"greenbudget/internal/log"
	"greenbudget/internal/reconcile"
	"greenbudget/internal/store"
	"greenbudget/internal/tasks"
)

type (
	FringeTable = Table[store.ListStore[core.Fringe], core.Fringe]
	ActualTable = Table[store.ListStore[core.Actual], core.Actual]
)

// Session holds the open tables of one budget: its accounts, fringes and
// actuals, plus the sub-account tables opened so far.
type Session struct {
	budgetID int64
	deps     Deps
	logger   *log.Logger

	Accounts *LineItemTable
	Fringes  *FringeTable
	Actuals  *ActualTable

	mu          sync.Mutex
	tables      map[core.ParentRef]*LineItemTable
	unsubscribe []func()
}

func NewSession(budgetID int64, deps Deps) *Session {
	if deps.Runner == nil {
		deps.Runner = tasks.NewRunner(deps.Notifier, deps.Logger)
	}
	budgetRef := core.ParentRef{Kind: core.ParentBudget, ID: budgetID}
	s := &Session{
		budgetID: budgetID,
		deps:     deps,
		logger:   log.OrDiscard(deps.Logger).WithComponent(log.ComponentStore).With(log.FieldBudget, budgetID),
		tables:   make(map[core.ParentRef]*LineItemTable),
	}
	s.Accounts = NewLineItemTable(budgetID, budgetRef, deps)
	s.Fringes = NewTable(store.ListStore[core.Fringe]{Page: 1}, TableConfig[store.ListStore[core.Fringe], core.Fringe]{
		Name:       fmt.Sprintf("budget:%d/fringes", budgetID),
		Domain:     store.DomainFringe,
		Parent:     budgetRef,
		Lens:       Identity[core.Fringe](),
		Collection: deps.Service.Fringes(),
		Key:        reconcile.FringeKey,
		Ready:      reconcile.FringeHasRequiredFields,
		Runner:     deps.Runner,
		Notifier:   deps.Notifier,
		Drafts:     deps.Drafts,
		Logger:     deps.Logger,
	})
	s.Actuals = NewTable(store.ListStore[core.Actual]{Page: 1}, TableConfig[store.ListStore[core.Actual], core.Actual]{
		Name:       fmt.Sprintf("budget:%d/actuals", budgetID),
		Domain:     store.DomainActual,
		Parent:     budgetRef,
		Lens:       Identity[core.Actual](),
		Collection: deps.Service.Actuals(),
		Key:        reconcile.ActualKey,
		Ready:      reconcile.ActualHasRequiredFields,
		Runner:     deps.Runner,
		Notifier:   deps.Notifier,
		Drafts:     deps.Drafts,
		Logger:     deps.Logger,
	})

	// Fringe and actual edits feed the tables whose figures depend on them.
	// Sub-account tables subscribe in Table and push their totals onto the
	// row owning them one level up. Listeners read the latest snapshot since
	// concurrent updates may notify out of order.
	s.unsubscribe = append(s.unsubscribe,
		s.Fringes.Store().Subscribe(func(store.ListStore[core.Fringe]) {
			fringes := s.Fringes.List().Data
			for _, t := range s.Tables() {
				t.SetFringes(fringes)
			}
		}),
		s.Actuals.Store().Subscribe(func(store.ListStore[core.Actual]) {
			actuals := s.Actuals.List().Data
			for _, t := range s.Tables() {
				t.SetActuals(actuals)
			}
		}),
	)
	return s
}

func (s *Session) BudgetID() int64 { return s.budgetID }

// Table returns the line item table owned by parent, creating it on first use.
func (s *Session) Table(parent core.ParentRef) (*LineItemTable, error) {
	switch parent.Kind {
	case core.ParentBudget:
		if parent.ID != s.budgetID {
			return nil, fmt.Errorf("budget %d is not part of session %d: %w", parent.ID, s.budgetID, core.ErrInvalidParent)
		}
		return s.Accounts, nil
	case core.ParentAccount, core.ParentSubAccount:
		if parent.ID <= 0 {
			return nil, fmt.Errorf("%s: %w", parent, core.ErrInvalidParent)
		}
	default:
		return nil, fmt.Errorf("%s: %w", parent, core.ErrInvalidParent)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[parent]
	if !ok {
		t = NewLineItemTable(s.budgetID, parent, s.deps)
		s.tables[parent] = t
		s.unsubscribe = append(s.unsubscribe, t.Store().Subscribe(func(store.TableState) {
			s.pushTotals(t)
		}))
	}
	return t, nil
}

// pushTotals copies the totals of a loaded child table onto its parent row in
// the table holding that row. The owning table's own listeners carry the
// change further up.
func (s *Session) pushTotals(child *LineItemTable) {
	state := child.State()
	if !state.Items.Responded {
		return
	}
	owner, ok := s.owner(state.Parent)
	if !ok {
		return
	}
	if owner.SetChildTotals(state.Parent.ID, state.Totals) {
		s.logger.Debug("parent row updated from child table",
			log.FieldTable, owner.Name(), log.FieldEntityID, state.Parent.ID)
	}
}

// owner returns the open table holding the line item parent refers to.
func (s *Session) owner(parent core.ParentRef) (*LineItemTable, bool) {
	for _, t := range s.Tables() {
		if t.Parent() == parent {
			continue
		}
		li, ok := t.State().Item(parent.ID)
		if ok && core.ParentKindOf(li.Type) == parent.Kind {
			return t, true
		}
	}
	return nil, false
}

// Open returns the table owned by parent and starts its first load. The
// handle is nil when the table was loaded before.
func (s *Session) Open(ctx context.Context, parent core.ParentRef) (*LineItemTable, *tasks.Handle, error) {
	t, err := s.Table(parent)
	if err != nil {
		return nil, nil, err
	}
	if l := t.List(); l.Responded || l.Loading {
		return t, nil, nil
	}
	return t, t.Load(ctx), nil
}

// Tables returns the accounts table and every opened sub-account table.
func (s *Session) Tables() []*LineItemTable {
	s.mu.Lock()
	out := make([]*LineItemTable, 0, len(s.tables)+1)
	for _, t := range s.tables {
		out = append(out, t)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return append([]*LineItemTable{s.Accounts}, out...)
}

// Refresh reloads every table of the session and waits for the loads.
func (s *Session) Refresh(ctx context.Context) error {
	handles := []*tasks.Handle{s.Fringes.Load(ctx), s.Actuals.Load(ctx)}
	for _, t := range s.Tables() {
		handles = append(handles, t.Load(ctx))
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		g.Go(func() error { return h.Wait(ctx) })
	}
	return g.Wait()
}

// Close stops feeding fringe and actual edits to the tables and cancels the
// loads in flight.
func (s *Session) Close() {
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()
	for _, u := range unsubscribe {
		u()
	}
	s.deps.Runner.Cancel(s.Fringes.key("load"))
	s.deps.Runner.Cancel(s.Actuals.key("load"))
	for _, t := range s.Tables() {
		s.deps.Runner.Cancel(t.key("load"))
	}
}

// Registry holds the sessions of the budgets being edited.
type Registry struct {
	deps Deps

	mu       sync.Mutex
	sessions map[int64]*Session
}

func NewRegistry(deps Deps) *Registry {
	if deps.Runner == nil {
		deps.Runner = tasks.NewRunner(deps.Notifier, deps.Logger)
	}
	return &Registry{deps: deps, sessions: make(map[int64]*Session)}
}

// Runner is the task runner shared by every session.
func (r *Registry) Runner() *tasks.Runner { return r.deps.Runner }

// Session returns the session of a budget, opening it on first use.
func (r *Registry) Session(budgetID int64) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[budgetID]
	if !ok {
		s = NewSession(budgetID, r.deps)
		r.sessions[budgetID] = s
	}
	return s
}

func (r *Registry) Lookup(budgetID int64) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[budgetID]
	return s, ok
}

// Sessions returns the open sessions ordered by budget id.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].budgetID < out[j].budgetID })
	return out
}

// Close drops the session of a budget.
func (r *Registry) Close(budgetID int64) {
	r.mu.Lock()
	s, ok := r.sessions[budgetID]
	delete(r.sessions, budgetID)
	r.mu.Unlock()
	if ok {
		s.Close()
	}
}
