package store

import (
	"greenbudget/internal/core"
)

// TableState is the line item table owned by one parent: its rows, groups, the
// fringes and actuals the rows reference, and the parent's derived totals.
type TableState struct {
	Domain  Domain                   `json:"domain"`
	Parent  core.ParentRef           `json:"parent"`
	Totals  core.Totals              `json:"totals"`
	Budget  *core.Budget             `json:"budget,omitempty"`
	Items   ListStore[core.LineItem] `json:"items"`
	Groups  ListStore[core.Group]    `json:"groups"`
	Fringes ListStore[core.Fringe]   `json:"fringes"`
	Actuals ListStore[core.Actual]   `json:"actuals"`
}

func NewTableState(parent core.ParentRef) TableState {
	return TableState{
		Domain: ItemDomain(parent.Kind),
		Parent: parent,
		Items:  ListStore[core.LineItem]{Page: 1},
		Groups: ListStore[core.Group]{Page: 1},
	}
}

// Item returns the confirmed line item with the given id.
func (t TableState) Item(id int64) (core.LineItem, bool) { return t.Items.Get(id) }

// GroupOf returns the group containing the line item, if any.
func (t TableState) GroupOf(itemID int64) (core.Group, bool) {
	for _, g := range t.Groups.Data {
		if g.HasChild(itemID) {
			return g, true
		}
	}
	return core.Group{}, false
}

// TableAction is a state transition of a TableState.
type TableAction interface {
	reduceTable(TableState) (TableState, error)
}

// ReduceTable applies an action to t. On error t is returned unchanged.
func ReduceTable(t TableState, a TableAction) (TableState, error) {
	out, err := a.reduceTable(t)
	if err != nil {
		return t, err
	}
	return out, nil
}

type (
	ItemsAction   struct{ Action Action[core.LineItem] }
	GroupsAction  struct{ Action Action[core.Group] }
	FringesAction struct{ Action Action[core.Fringe] }
	ActualsAction struct{ Action Action[core.Actual] }

	// SetTotals stores the parent's derived metrics.
	SetTotals struct{ Totals core.Totals }

	// SetBudget stores the budget aggregate returned by the server.
	SetBudget struct{ Budget core.Budget }
)

func (a ItemsAction) reduceTable(t TableState) (TableState, error) {
	items, err := Reduce(t.Items, a.Action)
	if err != nil {
		return t, err
	}
	t.Items = items
	return t, nil
}

func (a GroupsAction) reduceTable(t TableState) (TableState, error) {
	groups, err := Reduce(t.Groups, a.Action)
	if err != nil {
		return t, err
	}
	t.Groups = groups
	return t, nil
}

func (a FringesAction) reduceTable(t TableState) (TableState, error) {
	fringes, err := Reduce(t.Fringes, a.Action)
	if err != nil {
		return t, err
	}
	t.Fringes = fringes
	return t, nil
}

func (a ActualsAction) reduceTable(t TableState) (TableState, error) {
	actuals, err := Reduce(t.Actuals, a.Action)
	if err != nil {
		return t, err
	}
	t.Actuals = actuals
	return t, nil
}

func (a SetTotals) reduceTable(t TableState) (TableState, error) {
	t.Totals = a.Totals
	return t, nil
}

func (a SetBudget) reduceTable(t TableState) (TableState, error) {
	b := a.Budget
	t.Budget = &b
	return t, nil
}
