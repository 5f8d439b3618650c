package services

import (
	"context"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"greenbudget/internal/budget"
	"greenbudget/internal/core"
	"greenbudget/internal/log"
	"greenbudget/internal/notify"
	"greenbudget/internal/ports"
	"greenbudget/internal/reconcile"
	"greenbudget/internal/store"
	"greenbudget/internal/tasks"
)

// Deps are the collaborators shared by the tables of a process.
type Deps struct {
	Service  ports.Service
	Engine   *budget.Engine
	Runner   *tasks.Runner
	Notifier notify.Notifier
	Drafts   DraftStore
	Logger   *log.Logger
	PageSize int
}

func itemsLens() Lens[store.TableState, core.LineItem] {
	return Lens[store.TableState, core.LineItem]{
		Get: func(t store.TableState) store.ListStore[core.LineItem] { return t.Items },
		Set: func(t store.TableState, l store.ListStore[core.LineItem]) store.TableState {
			t.Items = l
			return t
		},
	}
}

// TableName is the task and draft key of the line item table owned by parent.
func TableName(parent core.ParentRef) string {
	return fmt.Sprintf("%s:%d/%ss", parent.Kind, parent.ID, parent.Kind.ChildType())
}

// LineItemTable is the accounts or sub-accounts table of one parent. Besides
// the generic row flow it keeps groups, fringes, actuals and the parent's
// totals in step with the rows.
type LineItemTable struct {
	*Table[store.TableState, core.LineItem]

	budgetID int64
	engine   *budget.Engine
	service  ports.Service
	logger   *log.Logger
}

func NewLineItemTable(budgetID int64, parent core.ParentRef, deps Deps) *LineItemTable {
	if deps.Engine == nil {
		deps.Engine = budget.NewEngine(budget.DefaultPolicy(), deps.Logger)
	}
	lt := &LineItemTable{
		budgetID: budgetID,
		engine:   deps.Engine,
		service:  deps.Service,
		logger: log.OrDiscard(deps.Logger).WithComponent(log.ComponentStore).
			With(log.FieldTable, TableName(parent), log.FieldBudget, budgetID),
	}
	domain := store.ItemDomain(parent.Kind)
	lt.Table = NewTable(store.NewTableState(parent), TableConfig[store.TableState, core.LineItem]{
		Name:       TableName(parent),
		Domain:     domain,
		Parent:     parent,
		Lens:       itemsLens(),
		Collection: deps.Service.LineItems(),
		Key:        reconcile.LineItemKey,
		Ready:      reconcile.LineItemHasRequiredFields(domain),
		Payload: func(li core.LineItem) core.Patch {
			return toPatch(li, "type", "parent", "children", "variance", "actual", "group")
		},
		Hooks: Hooks[store.TableState]{
			Loaded:    lt.onLoaded,
			Changed:   lt.onChanged,
			Removed:   lt.onRemoved,
			Responded: lt.onResponded,
		},
		Fetch:    lt.fetch,
		PageSize: deps.PageSize,
		Runner:   deps.Runner,
		Notifier: deps.Notifier,
		Drafts:   deps.Drafts,
		Logger:   deps.Logger,
	})
	return lt
}

func (lt *LineItemTable) budgetRef() core.ParentRef {
	return core.ParentRef{Kind: core.ParentBudget, ID: lt.budgetID}
}

// fetch loads rows, groups, fringes and actuals concurrently.
func (lt *LineItemTable) fetch(ctx context.Context, q ports.ListQuery) (func(store.TableState) (store.TableState, error), error) {
	var (
		items   ports.ListResponse[core.LineItem]
		groups  ports.ListResponse[core.Group]
		fringes ports.ListResponse[core.Fringe]
		actuals ports.ListResponse[core.Actual]
	)
	parent := lt.Parent()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		items, err = lt.service.LineItems().List(ctx, parent, q)
		return err
	})
	g.Go(func() (err error) {
		groups, err = lt.service.Groups().List(ctx, parent)
		return err
	})
	g.Go(func() (err error) {
		fringes, err = lt.service.Fringes().List(ctx, lt.budgetRef(), ports.ListQuery{})
		return err
	})
	g.Go(func() (err error) {
		actuals, err = lt.service.Actuals().List(ctx, lt.budgetRef(), ports.ListQuery{})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return func(t store.TableState) (store.TableState, error) {
		return reduceTable(t,
			store.ItemsAction{Action: store.Response[core.LineItem]{Data: items.Data, Count: items.Count}},
			store.GroupsAction{Action: store.Response[core.Group]{Data: groups.Data, Count: groups.Count}},
			store.FringesAction{Action: store.Response[core.Fringe]{Data: fringes.Data, Count: fringes.Count}},
			store.ActualsAction{Action: store.Response[core.Actual]{Data: actuals.Data, Count: actuals.Count}},
		)
	}, nil
}

func reduceTable(t store.TableState, actions ...store.TableAction) (store.TableState, error) {
	var err error
	for _, a := range actions {
		if t, err = store.ReduceTable(t, a); err != nil {
			return t, err
		}
	}
	return t, nil
}

func (lt *LineItemTable) onLoaded(t store.TableState) store.TableState {
	t, _ = lt.engine.RecalculateAll(t)
	return t
}

func (lt *LineItemTable) onChanged(t store.TableState, rows []core.RowID) store.TableState {
	for _, r := range rows {
		if r.IsPlaceholder() {
			if _, ok := t.Items.Placeholder(r.Placeholder); ok {
				t, _ = lt.engine.RecalculatePlaceholder(t, r.Placeholder)
			}
			continue
		}
		if _, ok := t.Items.Get(r.Server); !ok {
			continue
		}
		t, _ = lt.engine.RecalculateLineItemMetrics(t, r.Server)
		if g, ok := t.GroupOf(r.Server); ok {
			t, _ = lt.engine.RecalculateGroupMetrics(t, g.ID)
		}
	}
	t, _ = lt.engine.RecalculateParent(t)
	return t
}

// onRemoved drops deleted rows from their groups before the totals are redone.
func (lt *LineItemTable) onRemoved(t store.TableState, ids []int64) store.TableState {
	t = lt.withoutMembers(t, 0, ids)
	t, _ = lt.engine.RecalculateParent(t)
	return t
}

// onResponded stores the aggregates the server returned. The parent's
// estimate comes from the server unless placeholders are still pending; its
// actual follows the engine policy.
func (lt *LineItemTable) onResponded(t store.TableState, resp ports.BulkResponse) store.TableState {
	if resp.Budget != nil {
		t, _ = store.ReduceTable(t, store.SetBudget{Budget: *resp.Budget})
	}
	t, _ = lt.engine.RecalculateParent(t)
	if p := resp.Parent; p != nil && t.Parent.Kind != core.ParentBudget && p.ID == t.Parent.ID && len(t.Items.Placeholders) == 0 {
		t, _ = store.ReduceTable(t, store.SetTotals{Totals: core.NewTotals(core.Value(p.Estimated), t.Totals.Actual)})
	}
	return t
}

// withoutMembers removes ids from every group other than keep and recalculates
// the groups it touched.
func (lt *LineItemTable) withoutMembers(t store.TableState, keep int64, ids []int64) store.TableState {
	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	for _, g := range t.Groups.Data {
		if g.ID == keep {
			continue
		}
		children := slices.DeleteFunc(slices.Clone(g.Children), func(id int64) bool { return drop[id] })
		if len(children) == len(g.Children) {
			continue
		}
		g = g.Clone()
		g.Children = children
		t, _ = store.ReduceTable(t, store.GroupsAction{Action: store.Replace[core.Group]{Model: g}})
		t, _ = lt.engine.RecalculateGroupMetrics(t, g.ID)
	}
	return t
}

// assignGroup makes members the exact membership of group: rows join it, leave
// any other group, and former members are released.
func (lt *LineItemTable) assignGroup(t store.TableState, group core.Group) store.TableState {
	if _, ok := t.Groups.Get(group.ID); ok {
		t, _ = store.ReduceTable(t, store.GroupsAction{Action: store.Replace[core.Group]{Model: group}})
	} else {
		t, _ = store.ReduceTable(t, store.GroupsAction{Action: store.Add[core.Group]{Models: []core.Group{group}}})
	}
	t = lt.withoutMembers(t, group.ID, group.Children)
	for _, li := range t.Items.Data {
		member := group.HasChild(li.ID)
		current := li.Group != nil && *li.Group == group.ID
		if member == current {
			continue
		}
		li = li.Clone()
		if member {
			id := group.ID
			li.Group = &id
		} else {
			li.Group = nil
		}
		t, _ = store.ReduceTable(t, store.ItemsAction{Action: store.Replace[core.LineItem]{Model: li}})
	}
	t, _ = lt.engine.RecalculateGroupMetrics(t, group.ID)
	return t
}

func (lt *LineItemTable) releaseGroup(t store.TableState, groupID int64) store.TableState {
	for _, li := range t.Items.Data {
		if li.Group != nil && *li.Group == groupID {
			li = li.Clone()
			li.Group = nil
			t, _ = store.ReduceTable(t, store.ItemsAction{Action: store.Replace[core.LineItem]{Model: li}})
		}
	}
	t, _ = store.ReduceTable(t, store.GroupsAction{Action: store.Remove[core.Group]{IDs: []int64{groupID}}})
	return t
}

func (lt *LineItemTable) updateTable(fn func(store.TableState) store.TableState) {
	_, _ = lt.Store().Update(func(t store.TableState) (store.TableState, error) { return fn(t), nil })
}

func (lt *LineItemTable) groupTask(ctx context.Context, message string, run func(ctx context.Context) error) *tasks.Handle {
	return lt.cfg.Runner.Enqueue(ctx, tasks.Task{
		Key:     lt.key("write"),
		Domain:  store.DomainGroup.String(),
		Message: message,
		Run: func(ctx context.Context) error {
			err := run(ctx)
			if err != nil && ctx.Err() == nil {
				// Local group state is optimistic; bring it back in line.
				lt.Load(context.WithoutCancel(ctx))
			}
			return err
		},
	})
}

// GroupRows creates a group holding the given rows.
func (lt *LineItemTable) GroupRows(ctx context.Context, name, color string, ids []int64) *tasks.Handle {
	g := core.Group{Name: name, Color: color, Children: slices.Clone(ids)}
	return lt.groupTask(ctx, "There was a problem creating the group.", func(ctx context.Context) error {
		if err := g.Validate(); err != nil {
			return err
		}
		created, err := lt.service.Groups().Create(ctx, lt.Parent(), g)
		if err != nil {
			return err
		}
		lt.updateTable(func(t store.TableState) store.TableState { return lt.assignGroup(t, created) })
		lt.logger.InfoContext(ctx, "group created", log.FieldEntityID, created.ID, log.FieldCount, len(created.Children))
		return nil
	})
}

// UpdateGroup patches a group locally, then on the server.
func (lt *LineItemTable) UpdateGroup(ctx context.Context, id int64, patch core.Patch) (*tasks.Handle, error) {
	_, err := lt.Store().Update(func(t store.TableState) (store.TableState, error) {
		g, ok := t.Groups.Get(id)
		if !ok {
			return t, &core.ConsistencyError{Op: "update_group", Entity: "group", ID: id}
		}
		next, err := g.WithPatch(patch)
		if err != nil {
			return t, err
		}
		return lt.assignGroup(t, next), nil
	})
	if err != nil {
		return nil, err
	}
	return lt.groupTask(ctx, "There was a problem updating the group.", func(ctx context.Context) error {
		updated, err := lt.service.Groups().Update(ctx, id, patch)
		if err != nil {
			return err
		}
		lt.updateTable(func(t store.TableState) store.TableState { return lt.assignGroup(t, updated) })
		return nil
	}), nil
}

// DeleteGroup removes a group; its rows stay in the table ungrouped.
func (lt *LineItemTable) DeleteGroup(ctx context.Context, id int64) (*tasks.Handle, error) {
	if _, ok := lt.State().Groups.Get(id); !ok {
		return nil, &core.ConsistencyError{Op: "delete_group", Entity: "group", ID: id}
	}
	lt.updateTable(func(t store.TableState) store.TableState { return lt.releaseGroup(t, id) })
	return lt.groupTask(ctx, "There was a problem deleting the group.", func(ctx context.Context) error {
		return lt.service.Groups().Delete(ctx, id)
	}), nil
}

// AddToGroup moves a row into a group.
func (lt *LineItemTable) AddToGroup(ctx context.Context, groupID, itemID int64) (*tasks.Handle, error) {
	g, ok := lt.State().Groups.Get(groupID)
	if !ok {
		return nil, &core.ConsistencyError{Op: "add_to_group", Entity: "group", ID: groupID}
	}
	if _, ok := lt.State().Items.Get(itemID); !ok {
		return nil, &core.ConsistencyError{Op: "add_to_group", Entity: "line item", ID: itemID}
	}
	children := slices.Clone(g.Children)
	if !g.HasChild(itemID) {
		children = append(children, itemID)
	}
	return lt.UpdateGroup(ctx, groupID, core.Patch{"children": children})
}

// RemoveFromGroup takes a row out of its group. A group left empty is deleted.
func (lt *LineItemTable) RemoveFromGroup(ctx context.Context, groupID, itemID int64) (*tasks.Handle, error) {
	g, ok := lt.State().Groups.Get(groupID)
	if !ok {
		return nil, &core.ConsistencyError{Op: "remove_from_group", Entity: "group", ID: groupID}
	}
	children := slices.DeleteFunc(slices.Clone(g.Children), func(id int64) bool { return id == itemID })
	if len(children) == 0 {
		return lt.DeleteGroup(ctx, groupID)
	}
	return lt.UpdateGroup(ctx, groupID, core.Patch{"children": children})
}

// SetFringes replaces the fringes rows are computed with and recalculates
// every row.
func (lt *LineItemTable) SetFringes(fringes []core.Fringe) {
	lt.updateTable(func(t store.TableState) store.TableState {
		t, _ = store.ReduceTable(t, store.FringesAction{Action: store.Response[core.Fringe]{Data: fringes, Count: len(fringes)}})
		t, _ = lt.engine.RecalculateAll(t)
		return t
	})
}

// SetChildTotals writes the totals of a child table onto the row owning it,
// then recalculates the row's group and this table's parent. It reports
// whether the row was found and changed.
func (lt *LineItemTable) SetChildTotals(id int64, totals core.Totals) bool {
	if li, ok := lt.State().Item(id); !ok || li.Totals().Equal(totals) {
		return false
	}
	lt.updateTable(func(t store.TableState) store.TableState {
		li, ok := t.Item(id)
		if !ok {
			return t
		}
		t, _ = store.ReduceTable(t, store.ItemsAction{Action: store.Replace[core.LineItem]{Model: li.WithTotals(totals)}})
		t, _ = lt.engine.RecalculateRow(t, id)
		return t
	})
	lt.logger.Debug("child totals applied", log.FieldEntityID, id, "estimated", totals.Estimated.String())
	return true
}

// SetActuals replaces the actuals of the table. The parent is recalculated
// when its level takes actual from actuals.
func (lt *LineItemTable) SetActuals(actuals []core.Actual) {
	lt.updateTable(func(t store.TableState) store.TableState {
		t, _ = store.ReduceTable(t, store.ActualsAction{Action: store.Response[core.Actual]{Data: actuals, Count: len(actuals)}})
		if lt.engine.Policy().For(t.Parent.Kind) == budget.ActualFromActuals {
			t, _ = lt.engine.RecalculateParent(t)
		}
		return t
	})
}
