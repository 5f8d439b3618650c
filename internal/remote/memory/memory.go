// Package memory is an in-process implementation of the budgeting API used for
// local development and tests. Bulk creates return their rows in reverse order
// so callers cannot rely on positions.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"greenbudget/internal/core"
	"greenbudget/internal/ports"
)

type Server struct {
	mu     sync.Mutex
	nextID int64
	delay  time.Duration
	fail   map[string]error

	budgets    map[int64]*core.Budget
	items      map[int64]*core.LineItem
	itemBudget map[int64]int64
	fringes    map[int64]*scoped[core.Fringe]
	actuals    map[int64]*scoped[core.Actual]
	groups     map[int64]*scopedGroup
}

type scoped[M any] struct {
	budget int64
	model  M
}

type scopedGroup struct {
	parent core.ParentRef
	group  core.Group
}

func New() *Server {
	return &Server{
		nextID:     1,
		fail:       make(map[string]error),
		budgets:    make(map[int64]*core.Budget),
		items:      make(map[int64]*core.LineItem),
		itemBudget: make(map[int64]int64),
		fringes:    make(map[int64]*scoped[core.Fringe]),
		actuals:    make(map[int64]*scoped[core.Actual]),
		groups:     make(map[int64]*scopedGroup),
	}
}

// SetDelay makes every call wait d, honouring cancellation.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// FailNext makes the next call of op ("list", "bulk_create", "bulk_update",
// "bulk_delete", "group_create", ...) return err.
func (s *Server) FailNext(op string, err error) {
	s.mu.Lock()
	s.fail[op] = err
	s.mu.Unlock()
}

func (s *Server) CreateBudget(name string) core.Budget {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := &core.Budget{ID: s.id(), Name: name}
	s.budgets[b.ID] = b
	return *b
}

func (s *Server) Budget(id int64) (core.Budget, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[id]
	if !ok {
		return core.Budget{}, false
	}
	return *b, true
}

// Item returns a stored line item.
func (s *Server) Item(id int64) (core.LineItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	li, ok := s.items[id]
	if !ok {
		return core.LineItem{}, false
	}
	return li.Clone(), true
}

func (s *Server) LineItems() ports.Collection[core.LineItem] { return lineItems{s} }
func (s *Server) Fringes() ports.Collection[core.Fringe]     { return fringes{s} }
func (s *Server) Actuals() ports.Collection[core.Actual]     { return actuals{s} }
func (s *Server) Groups() ports.GroupService                 { return groups{s} }

// begin waits out the configured delay and returns the injected failure for op.
// It must be called without the lock held.
func (s *Server) begin(ctx context.Context, op string) error {
	s.mu.Lock()
	d := s.delay
	err := s.fail[op]
	delete(s.fail, op)
	s.mu.Unlock()

	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return err
}

func (s *Server) id() int64 {
	id := s.nextID
	s.nextID++
	return id
}

// budgetOf resolves the budget a parent belongs to.
func (s *Server) budgetOf(p core.ParentRef) (int64, error) {
	switch p.Kind {
	case core.ParentBudget:
		if _, ok := s.budgets[p.ID]; !ok {
			return 0, notFound("budget", p.ID)
		}
		return p.ID, nil
	case core.ParentAccount, core.ParentSubAccount:
		li, ok := s.items[p.ID]
		if !ok || core.ParentKindOf(li.Type) != p.Kind {
			return 0, notFound(string(p.Kind), p.ID)
		}
		return s.itemBudget[p.ID], nil
	default:
		return 0, &core.ValidationError{Errors: []core.FieldError{{Message: fmt.Sprintf("invalid parent kind %q", p.Kind)}}}
	}
}

// children lists the line items owned by p, in creation order.
func (s *Server) children(p core.ParentRef) []*core.LineItem {
	var out []*core.LineItem
	for _, li := range s.items {
		if li.Parent != p.ID || li.Type != p.Kind.ChildType() {
			continue
		}
		if p.Kind == core.ParentBudget && s.itemBudget[li.ID] != p.ID {
			continue
		}
		out = append(out, li)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Server) parentOf(li *core.LineItem) core.ParentRef {
	if li.Type == core.TypeAccount {
		return core.ParentRef{Kind: core.ParentBudget, ID: li.Parent}
	}
	parent := s.items[li.Parent]
	if parent == nil {
		return core.ParentRef{Kind: core.ParentAccount, ID: li.Parent}
	}
	return core.ParentRef{Kind: core.ParentKindOf(parent.Type), ID: li.Parent}
}

// rollup recomputes p and every ancestor up to the budget.
func (s *Server) rollup(p core.ParentRef) {
	for p.Kind != core.ParentBudget {
		li := s.items[p.ID]
		if li == nil {
			return
		}
		var est, act []decimal.NullDecimal
		for _, c := range s.children(p) {
			est = append(est, c.Estimated)
			act = append(act, c.Actual)
		}
		if len(li.Children) > 0 {
			li.Estimated = core.Null(core.Sum(est...))
			li.Actual = core.Null(core.Sum(act...))
			li.Variance = core.Null(li.Estimated.Decimal.Sub(li.Actual.Decimal))
		}
		s.refreshGroups(p)
		p = s.parentOf(li)
	}
	s.refreshGroups(p)

	b := s.budgets[p.ID]
	if b == nil {
		return
	}
	var est, act []decimal.NullDecimal
	for _, a := range s.children(p) {
		est = append(est, a.Estimated)
		act = append(act, a.Actual)
	}
	b.Totals = core.NewTotals(core.Sum(est...), core.Sum(act...))
}

// computeLeaf derives a leaf's estimate and actual the way the API does.
func (s *Server) computeLeaf(li *core.LineItem) {
	if !li.IsLeaf() {
		return
	}
	if li.Quantity.Valid && li.Rate.Valid {
		m := decimal.NewFromInt(1)
		if li.Multiplier.Valid {
			m = li.Multiplier.Decimal
		}
		est := m.Mul(li.Quantity.Decimal).Mul(li.Rate.Decimal)
		for _, fid := range li.Fringes {
			if f, ok := s.fringes[fid]; ok {
				est = f.model.Apply(est)
			}
		}
		li.Estimated = core.Null(est)
	}
	var amounts []decimal.NullDecimal
	for _, a := range s.actuals {
		if a.model.Parent == li.ID {
			amounts = append(amounts, a.model.Amount)
		}
	}
	if len(amounts) > 0 {
		li.Actual = core.Null(core.Sum(amounts...))
	}
	switch {
	case li.Actual.Valid:
		li.Variance = core.Null(core.Value(li.Estimated).Sub(li.Actual.Decimal))
	case li.Estimated.Valid:
		li.Variance = li.Estimated
	}
}

func (s *Server) refreshGroups(p core.ParentRef) {
	for _, g := range s.groups {
		if g.parent != p {
			continue
		}
		var est, act []decimal.NullDecimal
		for _, id := range g.group.Children {
			if li, ok := s.items[id]; ok {
				est = append(est, li.Estimated)
				act = append(act, li.Actual)
			}
		}
		g.group.Totals = core.NewTotals(core.Sum(est...), core.Sum(act...))
	}
}

func (s *Server) aggregates(p core.ParentRef, budgetID int64) ports.BulkResponse {
	var resp ports.BulkResponse
	if p.Kind != core.ParentBudget {
		if li, ok := s.items[p.ID]; ok {
			c := li.Clone()
			resp.Parent = &c
		}
	}
	if b, ok := s.budgets[budgetID]; ok {
		c := *b
		resp.Budget = &c
	}
	return resp
}

func page[M any](rows []M, q ports.ListQuery) ports.ListResponse[M] {
	resp := ports.ListResponse[M]{Count: len(rows)}
	if q.PageSize <= 0 {
		resp.Data = rows
		return resp
	}
	start := (max(q.Page, 1) - 1) * q.PageSize
	if start >= len(rows) {
		resp.Data = []M{}
		return resp
	}
	resp.Data = rows[start:min(start+q.PageSize, len(rows))]
	return resp
}

func matches(search string, fields ...string) bool {
	if search == "" {
		return true
	}
	search = strings.ToLower(search)
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), search) {
			return true
		}
	}
	return false
}

func reversed[M any](in []M) []M {
	out := make([]M, len(in))
	for i, m := range in {
		out[len(in)-1-i] = m
	}
	return out
}

func notFound(entity string, id int64) error {
	return &core.RequestError{Op: entity, StatusCode: 404, Err: fmt.Errorf("%s %d: %w", entity, id, core.ErrNotFound)}
}

// rowError reports a rejected row as a validation failure.
func rowError(err error) error {
	var ve *core.ValidationError
	if errors.As(err, &ve) {
		return ve
	}
	return &core.ValidationError{Errors: []core.FieldError{{Message: err.Error()}}}
}
