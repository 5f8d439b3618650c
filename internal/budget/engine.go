package budget

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"greenbudget/internal/core"
	"greenbudget/internal/log"
	"greenbudget/internal/store"
)

// Report collects the non-fatal problems found during a recalculation.
// Err is set when the entity the operation is scoped to does not exist; the
// table is then returned unchanged.
type Report struct {
	Warnings []core.ConsistencyWarning
	Err      error
}

func (r Report) OK() bool { return r.Err == nil && len(r.Warnings) == 0 }

func (r *Report) merge(o Report) {
	r.Warnings = append(r.Warnings, o.Warnings...)
	r.Err = errors.Join(r.Err, o.Err)
}

// Engine recalculates derived metrics on table snapshots. It never mutates its
// input and is safe for concurrent use.
type Engine struct {
	policy Policy
	logger *log.Logger
}

func NewEngine(policy Policy, logger *log.Logger) *Engine {
	return &Engine{policy: policy, logger: log.OrDiscard(logger).WithComponent(log.ComponentBudget)}
}

func (e *Engine) Policy() Policy { return e.policy }

// RecalculateGroupMetrics sets the group's totals to the sums over its members.
// Members missing from the table are reported and excluded.
func (e *Engine) RecalculateGroupMetrics(t store.TableState, groupID int64) (store.TableState, Report) {
	const op = "recalculate_group"
	g, ok := t.Groups.Get(groupID)
	if !ok {
		return t, e.fail(&core.ConsistencyError{Op: op, Entity: "group", ID: groupID})
	}

	var rep Report
	var est, act decimal.Decimal
	for _, id := range g.Children {
		li, ok := t.Items.Get(id)
		if !ok {
			rep.Warnings = append(rep.Warnings, core.ConsistencyWarning{
				Op: op, Entity: "line item", ID: id, Owner: "group " + itoa(groupID),
			})
			continue
		}
		est = est.Add(core.Value(li.Estimated))
		act = act.Add(core.Value(li.Actual))
	}

	g = g.Clone()
	g.Totals = core.NewTotals(est, act)
	groups, err := store.Reduce[core.Group](t.Groups, store.Replace[core.Group]{Model: g})
	if err != nil {
		rep.Err = err
		return t, e.report(rep)
	}
	t.Groups = groups
	return t, e.report(rep)
}

// RecalculateLineItemMetrics derives a leaf's estimate from quantity, rate,
// multiplier and fringes, then refreshes its variance. The estimate of a
// non-leaf item is owned by its own table and left as is.
func (e *Engine) RecalculateLineItemMetrics(t store.TableState, id int64) (store.TableState, Report) {
	const op = "recalculate_line_item"
	li, ok := t.Items.Get(id)
	if !ok {
		return t, e.fail(&core.ConsistencyError{Op: op, Entity: "line item", ID: id})
	}

	li, rep := e.computeRow(op, t, li)
	items, err := store.Reduce[core.LineItem](t.Items, store.Replace[core.LineItem]{Model: li})
	if err != nil {
		rep.Err = err
		return t, e.report(rep)
	}
	t.Items = items
	return t, e.report(rep)
}

// RecalculatePlaceholder applies the leaf computation to a placeholder row so
// parent totals see its estimate before the server confirms it.
func (e *Engine) RecalculatePlaceholder(t store.TableState, placeholderID string) (store.TableState, Report) {
	const op = "recalculate_placeholder"
	p, ok := t.Items.Placeholder(placeholderID)
	if !ok {
		return t, e.fail(fmt.Errorf("%s: placeholder %s: %w", op, placeholderID, core.ErrNotFound))
	}

	row, rep := e.computeRow(op, t, p.Row)
	out := t.Items
	out.Placeholders = append([]store.Placeholder[core.LineItem](nil), out.Placeholders...)
	for i := range out.Placeholders {
		if out.Placeholders[i].ID == placeholderID {
			out.Placeholders[i].Row = row
		}
	}
	t.Items = out
	return t, e.report(rep)
}

// RecalculateParent recomputes the totals of the table's parent from its rows,
// one level up only. Estimated sums confirmed rows and placeholders; actual
// follows the policy of the parent's level.
func (e *Engine) RecalculateParent(t store.TableState) (store.TableState, Report) {
	rows := make([]decimal.NullDecimal, 0, len(t.Items.Data)+len(t.Items.Placeholders))
	actuals := make([]decimal.NullDecimal, 0, cap(rows))
	for _, li := range t.Items.Data {
		rows = append(rows, li.Estimated)
		actuals = append(actuals, li.Actual)
	}
	for _, p := range t.Items.Placeholders {
		rows = append(rows, p.Row.Estimated)
		actuals = append(actuals, p.Row.Actual)
	}

	est := core.Sum(rows...)
	act := core.Sum(actuals...)
	if e.policy.For(t.Parent.Kind) == ActualFromActuals {
		act = decimal.Zero
		for _, a := range t.Actuals.Data {
			if a.Parent == t.Parent.ID {
				act = act.Add(core.Value(a.Amount))
			}
		}
	}

	t.Totals = core.NewTotals(est, act)
	return t, Report{}
}

// RecalculateRow runs the recalculations a change to one row requires: the
// row itself, the group holding it and the parent.
func (e *Engine) RecalculateRow(t store.TableState, id int64) (store.TableState, Report) {
	var rep Report
	var r Report
	t, r = e.RecalculateLineItemMetrics(t, id)
	rep.merge(r)
	if g, ok := t.GroupOf(id); ok {
		t, r = e.RecalculateGroupMetrics(t, g.ID)
		rep.merge(r)
	}
	t, r = e.RecalculateParent(t)
	rep.merge(r)
	return t, rep
}

// RecalculateAll refreshes every row, placeholder and group, then the parent.
// Used after a load and when fringes change.
func (e *Engine) RecalculateAll(t store.TableState) (store.TableState, Report) {
	var rep Report
	var r Report
	for _, id := range t.Items.IDs() {
		t, r = e.RecalculateLineItemMetrics(t, id)
		rep.merge(r)
	}
	for _, p := range t.Items.Placeholders {
		t, r = e.RecalculatePlaceholder(t, p.ID)
		rep.merge(r)
	}
	for _, g := range t.Groups.Data {
		t, r = e.RecalculateGroupMetrics(t, g.ID)
		rep.merge(r)
	}
	t, r = e.RecalculateParent(t)
	rep.merge(r)
	return t, rep
}

func (e *Engine) computeRow(op string, t store.TableState, li core.LineItem) (core.LineItem, Report) {
	var rep Report
	li = li.Clone()
	if li.IsLeaf() && li.Quantity.Valid && li.Rate.Valid {
		multiplier := decimal.NewFromInt(1)
		if li.Multiplier.Valid {
			multiplier = li.Multiplier.Decimal
		}
		est := multiplier.Mul(li.Quantity.Decimal).Mul(li.Rate.Decimal)
		for _, fid := range li.Fringes {
			f, ok := t.Fringes.Get(fid)
			if !ok {
				rep.Warnings = append(rep.Warnings, core.ConsistencyWarning{
					Op: op, Entity: "fringe", ID: fid, Owner: "line item " + itoa(li.ID),
				})
				continue
			}
			est = f.Apply(est)
		}
		li.Estimated = core.Null(est)
	}

	switch {
	case li.Actual.Valid:
		li.Variance = core.Null(core.Value(li.Estimated).Sub(li.Actual.Decimal))
	case li.Estimated.Valid:
		li.Variance = li.Estimated
	default:
		li.Variance = decimal.NullDecimal{}
	}
	return li, rep
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }

func (e *Engine) fail(err error) Report {
	return e.report(Report{Err: err})
}

// report logs every problem in r and returns it.
func (e *Engine) report(r Report) Report {
	for _, w := range r.Warnings {
		e.logger.Warn("inconsistent state",
			log.FieldOperation, w.Op,
			log.FieldEntity, w.Entity,
			log.FieldEntityID, w.ID,
			"owner", w.Owner)
	}
	if r.Err != nil {
		e.logger.Error("recalculation skipped",
			log.FieldError, r.Err,
			"error_type", log.ErrorTypeConsistency)
	}
	return r
}
