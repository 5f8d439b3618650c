package memory

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"greenbudget/internal/core"
	"greenbudget/internal/ports"
)

type lineItems struct{ s *Server }

func (c lineItems) List(ctx context.Context, parent core.ParentRef, q ports.ListQuery) (ports.ListResponse[core.LineItem], error) {
	if err := c.s.begin(ctx, "list"); err != nil {
		return ports.ListResponse[core.LineItem]{}, err
	}
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.budgetOf(parent); err != nil {
		return ports.ListResponse[core.LineItem]{}, err
	}
	rows := []core.LineItem{}
	for _, li := range s.children(parent) {
		if matches(q.Search, li.Identifier, li.Description) {
			rows = append(rows, li.Clone())
		}
	}
	return page(rows, q), nil
}

func (c lineItems) BulkCreate(ctx context.Context, parent core.ParentRef, rows []core.Patch) (ports.BulkCreateResponse[core.LineItem], error) {
	if err := c.s.begin(ctx, "bulk_create"); err != nil {
		return ports.BulkCreateResponse[core.LineItem]{}, err
	}
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	budgetID, err := s.budgetOf(parent)
	if err != nil {
		return ports.BulkCreateResponse[core.LineItem]{}, err
	}

	created := make([]core.LineItem, 0, len(rows))
	for _, p := range rows {
		li, err := (core.LineItem{Type: parent.Kind.ChildType()}).WithPatch(p)
		if err != nil {
			return ports.BulkCreateResponse[core.LineItem]{}, rowError(err)
		}
		if parent.Kind == core.ParentBudget {
			if err := li.Validate(); err != nil {
				return ports.BulkCreateResponse[core.LineItem]{}, &core.ValidationError{Errors: []core.FieldError{{Field: "identifier", Message: err.Error()}}}
			}
		}
		created = append(created, li)
	}

	owner := s.items[parent.ID]
	for i := range created {
		li := &created[i]
		li.ID = s.id()
		li.Parent = parent.ID
		li.Children = nil
		stored := li.Clone()
		s.computeLeaf(&stored)
		s.items[li.ID] = &stored
		s.itemBudget[li.ID] = budgetID
		if parent.Kind != core.ParentBudget && owner != nil {
			owner.Children = append(owner.Children, li.ID)
		}
		*li = stored.Clone()
	}
	s.rollup(parent)

	agg := s.aggregates(parent, budgetID)
	return ports.BulkCreateResponse[core.LineItem]{
		Children: reversed(created),
		Parent:   agg.Parent,
		Budget:   agg.Budget,
	}, nil
}

func (c lineItems) BulkUpdate(ctx context.Context, parent core.ParentRef, rows []ports.BulkUpdatePayload) (ports.BulkResponse, error) {
	if err := c.s.begin(ctx, "bulk_update"); err != nil {
		return ports.BulkResponse{}, err
	}
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	budgetID, err := s.budgetOf(parent)
	if err != nil {
		return ports.BulkResponse{}, err
	}

	updated := make([]core.LineItem, 0, len(rows))
	for _, r := range rows {
		li, ok := s.items[r.ID]
		if !ok || li.Parent != parent.ID {
			return ports.BulkResponse{}, &core.ValidationError{Errors: []core.FieldError{{ID: r.ID, Message: "row does not belong to parent"}}}
		}
		next, err := li.WithPatch(r.Patch)
		if err != nil {
			ve := rowError(err).(*core.ValidationError)
			for i := range ve.Errors {
				ve.Errors[i].ID = r.ID
			}
			return ports.BulkResponse{}, ve
		}
		updated = append(updated, next)
	}
	for _, li := range updated {
		stored := li
		s.computeLeaf(&stored)
		s.items[li.ID] = &stored
	}
	s.rollup(parent)
	return s.aggregates(parent, budgetID), nil
}

func (c lineItems) BulkDelete(ctx context.Context, parent core.ParentRef, ids []int64) (ports.BulkResponse, error) {
	if err := c.s.begin(ctx, "bulk_delete"); err != nil {
		return ports.BulkResponse{}, err
	}
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	budgetID, err := s.budgetOf(parent)
	if err != nil {
		return ports.BulkResponse{}, err
	}
	for _, id := range ids {
		if li, ok := s.items[id]; ok && li.Parent == parent.ID {
			s.deleteItem(id)
		}
	}
	if owner := s.items[parent.ID]; owner != nil && parent.Kind != core.ParentBudget {
		owner.Children = keep(owner.Children, func(id int64) bool { _, ok := s.items[id]; return ok })
		if len(owner.Children) == 0 {
			owner.Estimated, owner.Actual, owner.Variance = decimal.NullDecimal{}, decimal.NullDecimal{}, decimal.NullDecimal{}
			s.computeLeaf(owner)
		}
	}
	s.rollup(parent)
	return s.aggregates(parent, budgetID), nil
}

// deleteItem removes a line item with its descendants, actuals and group memberships.
func (s *Server) deleteItem(id int64) {
	li, ok := s.items[id]
	if !ok {
		return
	}
	for _, child := range li.Children {
		s.deleteItem(child)
	}
	delete(s.items, id)
	delete(s.itemBudget, id)
	for aid, a := range s.actuals {
		if a.model.Parent == id {
			delete(s.actuals, aid)
		}
	}
	for _, g := range s.groups {
		g.group.Children = keep(g.group.Children, func(c int64) bool { return c != id })
	}
}

type fringes struct{ s *Server }

func (c fringes) List(ctx context.Context, parent core.ParentRef, q ports.ListQuery) (ports.ListResponse[core.Fringe], error) {
	if err := c.s.begin(ctx, "list"); err != nil {
		return ports.ListResponse[core.Fringe]{}, err
	}
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	budgetID, err := s.budgetOf(parent)
	if err != nil {
		return ports.ListResponse[core.Fringe]{}, err
	}
	rows := []core.Fringe{}
	for _, f := range s.fringes {
		if f.budget == budgetID && matches(q.Search, f.model.Name) {
			rows = append(rows, f.model)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return page(rows, q), nil
}

func (c fringes) BulkCreate(ctx context.Context, parent core.ParentRef, rows []core.Patch) (ports.BulkCreateResponse[core.Fringe], error) {
	if err := c.s.begin(ctx, "bulk_create"); err != nil {
		return ports.BulkCreateResponse[core.Fringe]{}, err
	}
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	budgetID, err := s.budgetOf(parent)
	if err != nil {
		return ports.BulkCreateResponse[core.Fringe]{}, err
	}

	created := make([]core.Fringe, 0, len(rows))
	for _, p := range rows {
		f, err := (core.Fringe{Unit: core.FringeUnitPercent}).WithPatch(p)
		if err == nil {
			err = f.Validate()
		}
		if err != nil {
			return ports.BulkCreateResponse[core.Fringe]{}, fieldError("name", err)
		}
		created = append(created, f)
	}
	for i := range created {
		created[i].ID = s.id()
		s.fringes[created[i].ID] = &scoped[core.Fringe]{budget: budgetID, model: created[i]}
	}
	agg := s.aggregates(parent, budgetID)
	return ports.BulkCreateResponse[core.Fringe]{Children: reversed(created), Budget: agg.Budget}, nil
}

func (c fringes) BulkUpdate(ctx context.Context, parent core.ParentRef, rows []ports.BulkUpdatePayload) (ports.BulkResponse, error) {
	if err := c.s.begin(ctx, "bulk_update"); err != nil {
		return ports.BulkResponse{}, err
	}
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	budgetID, err := s.budgetOf(parent)
	if err != nil {
		return ports.BulkResponse{}, err
	}
	for _, r := range rows {
		f, ok := s.fringes[r.ID]
		if !ok || f.budget != budgetID {
			return ports.BulkResponse{}, notFound("fringe", r.ID)
		}
		next, err := f.model.WithPatch(r.Patch)
		if err == nil {
			err = next.Validate()
		}
		if err != nil {
			return ports.BulkResponse{}, fieldErrorFor(r.ID, "rate", err)
		}
		f.model = next
	}
	s.recomputeBudget(budgetID)
	return s.aggregates(parent, budgetID), nil
}

func (c fringes) BulkDelete(ctx context.Context, parent core.ParentRef, ids []int64) (ports.BulkResponse, error) {
	if err := c.s.begin(ctx, "bulk_delete"); err != nil {
		return ports.BulkResponse{}, err
	}
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	budgetID, err := s.budgetOf(parent)
	if err != nil {
		return ports.BulkResponse{}, err
	}
	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if f, ok := s.fringes[id]; ok && f.budget == budgetID {
			delete(s.fringes, id)
			drop[id] = true
		}
	}
	for _, li := range s.items {
		li.Fringes = keep(li.Fringes, func(id int64) bool { return !drop[id] })
	}
	s.recomputeBudget(budgetID)
	return s.aggregates(parent, budgetID), nil
}

type actuals struct{ s *Server }

func (c actuals) List(ctx context.Context, parent core.ParentRef, q ports.ListQuery) (ports.ListResponse[core.Actual], error) {
	if err := c.s.begin(ctx, "list"); err != nil {
		return ports.ListResponse[core.Actual]{}, err
	}
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	budgetID, err := s.budgetOf(parent)
	if err != nil {
		return ports.ListResponse[core.Actual]{}, err
	}
	rows := []core.Actual{}
	for _, a := range s.actuals {
		if a.budget == budgetID && matches(q.Search, a.model.Description, a.model.Vendor) {
			rows = append(rows, a.model)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return page(rows, q), nil
}

func (c actuals) BulkCreate(ctx context.Context, parent core.ParentRef, rows []core.Patch) (ports.BulkCreateResponse[core.Actual], error) {
	if err := c.s.begin(ctx, "bulk_create"); err != nil {
		return ports.BulkCreateResponse[core.Actual]{}, err
	}
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	budgetID, err := s.budgetOf(parent)
	if err != nil {
		return ports.BulkCreateResponse[core.Actual]{}, err
	}

	created := make([]core.Actual, 0, len(rows))
	for _, p := range rows {
		a, err := (core.Actual{}).WithPatch(p)
		if err == nil {
			err = s.validActualParent(a, budgetID)
		}
		if err != nil {
			return ports.BulkCreateResponse[core.Actual]{}, fieldError("parent", err)
		}
		created = append(created, a)
	}
	for i := range created {
		created[i].ID = s.id()
		s.actuals[created[i].ID] = &scoped[core.Actual]{budget: budgetID, model: created[i]}
	}
	s.recomputeBudget(budgetID)
	agg := s.aggregates(parent, budgetID)
	return ports.BulkCreateResponse[core.Actual]{Children: reversed(created), Budget: agg.Budget}, nil
}

func (c actuals) BulkUpdate(ctx context.Context, parent core.ParentRef, rows []ports.BulkUpdatePayload) (ports.BulkResponse, error) {
	if err := c.s.begin(ctx, "bulk_update"); err != nil {
		return ports.BulkResponse{}, err
	}
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	budgetID, err := s.budgetOf(parent)
	if err != nil {
		return ports.BulkResponse{}, err
	}
	for _, r := range rows {
		a, ok := s.actuals[r.ID]
		if !ok || a.budget != budgetID {
			return ports.BulkResponse{}, notFound("actual", r.ID)
		}
		next, err := a.model.WithPatch(r.Patch)
		if err == nil {
			err = s.validActualParent(next, budgetID)
		}
		if err != nil {
			return ports.BulkResponse{}, fieldErrorFor(r.ID, "parent", err)
		}
		a.model = next
	}
	s.recomputeBudget(budgetID)
	return s.aggregates(parent, budgetID), nil
}

func (c actuals) BulkDelete(ctx context.Context, parent core.ParentRef, ids []int64) (ports.BulkResponse, error) {
	if err := c.s.begin(ctx, "bulk_delete"); err != nil {
		return ports.BulkResponse{}, err
	}
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	budgetID, err := s.budgetOf(parent)
	if err != nil {
		return ports.BulkResponse{}, err
	}
	for _, id := range ids {
		if a, ok := s.actuals[id]; ok && a.budget == budgetID {
			delete(s.actuals, id)
		}
	}
	s.recomputeBudget(budgetID)
	return s.aggregates(parent, budgetID), nil
}

func (s *Server) validActualParent(a core.Actual, budgetID int64) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if li, ok := s.items[a.Parent]; !ok || s.itemBudget[li.ID] != budgetID {
		return core.ErrInvalidParent
	}
	return nil
}

// recomputeBudget recalculates every leaf of the budget, then rolls each
// parent up. Used when fringes or actuals change.
func (s *Server) recomputeBudget(budgetID int64) {
	parents := map[core.ParentRef]bool{}
	for id, li := range s.items {
		if s.itemBudget[id] != budgetID {
			continue
		}
		s.computeLeaf(li)
		parents[s.parentOf(li)] = true
	}
	// Deepest parents first so each level sees its children's new totals.
	ordered := make([]core.ParentRef, 0, len(parents))
	for p := range parents {
		ordered = append(ordered, p)
	}
	sort.Slice(ordered, func(i, j int) bool { return s.depth(ordered[i]) > s.depth(ordered[j]) })
	for _, p := range ordered {
		s.rollup(p)
	}
	if len(ordered) == 0 {
		s.rollup(core.ParentRef{Kind: core.ParentBudget, ID: budgetID})
	}
}

func (s *Server) depth(p core.ParentRef) int {
	d := 0
	for p.Kind != core.ParentBudget {
		li := s.items[p.ID]
		if li == nil {
			break
		}
		p = s.parentOf(li)
		d++
	}
	return d
}

type groups struct{ s *Server }

func (c groups) List(ctx context.Context, parent core.ParentRef) (ports.ListResponse[core.Group], error) {
	if err := c.s.begin(ctx, "list"); err != nil {
		return ports.ListResponse[core.Group]{}, err
	}
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.budgetOf(parent); err != nil {
		return ports.ListResponse[core.Group]{}, err
	}
	rows := []core.Group{}
	for _, g := range s.groups {
		if g.parent == parent {
			rows = append(rows, g.group.Clone())
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return ports.ListResponse[core.Group]{Data: rows, Count: len(rows)}, nil
}

func (c groups) Create(ctx context.Context, parent core.ParentRef, g core.Group) (core.Group, error) {
	if err := c.s.begin(ctx, "group_create"); err != nil {
		return core.Group{}, err
	}
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.budgetOf(parent); err != nil {
		return core.Group{}, err
	}
	if err := g.Validate(); err != nil {
		return core.Group{}, fieldError("name", err)
	}
	if err := s.checkMembers(parent, g.Children); err != nil {
		return core.Group{}, err
	}
	g = g.Clone()
	g.ID = s.id()
	s.claimMembers(g.ID, g.Children)
	s.groups[g.ID] = &scopedGroup{parent: parent, group: g}
	s.refreshGroups(parent)
	return s.groups[g.ID].group.Clone(), nil
}

func (c groups) Update(ctx context.Context, id int64, patch core.Patch) (core.Group, error) {
	if err := c.s.begin(ctx, "group_update"); err != nil {
		return core.Group{}, err
	}
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	sg, ok := s.groups[id]
	if !ok {
		return core.Group{}, notFound("group", id)
	}
	next, err := sg.group.WithPatch(patch)
	if err == nil {
		err = next.Validate()
	}
	if err != nil {
		return core.Group{}, rowError(err)
	}
	if err := s.checkMembers(sg.parent, next.Children); err != nil {
		return core.Group{}, err
	}
	s.claimMembers(id, next.Children)
	sg.group = next
	s.refreshGroups(sg.parent)
	return sg.group.Clone(), nil
}

func (c groups) Delete(ctx context.Context, id int64) error {
	if err := c.s.begin(ctx, "group_delete"); err != nil {
		return err
	}
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[id]; !ok {
		return notFound("group", id)
	}
	delete(s.groups, id)
	for _, li := range s.items {
		if li.Group != nil && *li.Group == id {
			li.Group = nil
		}
	}
	return nil
}

func (s *Server) checkMembers(parent core.ParentRef, ids []int64) error {
	for _, id := range ids {
		li, ok := s.items[id]
		if !ok || li.Parent != parent.ID || li.Type != parent.Kind.ChildType() {
			return fieldErrorFor(0, "children", core.ErrInvalidParent)
		}
	}
	return nil
}

// claimMembers moves the items into group gid; an item belongs to one group at most.
func (s *Server) claimMembers(gid int64, ids []int64) {
	member := make(map[int64]bool, len(ids))
	for _, id := range ids {
		member[id] = true
		g := gid
		s.items[id].Group = &g
	}
	for id, sg := range s.groups {
		if id == gid {
			continue
		}
		sg.group.Children = keep(sg.group.Children, func(c int64) bool { return !member[c] })
	}
	for _, li := range s.items {
		if li.Group != nil && *li.Group == gid && !member[li.ID] {
			li.Group = nil
		}
	}
}

func keep(ids []int64, pred func(int64) bool) []int64 {
	out := ids[:0:0]
	for _, id := range ids {
		if pred(id) {
			out = append(out, id)
		}
	}
	return out
}

func fieldError(field string, err error) error {
	return fieldErrorFor(0, field, err)
}

func fieldErrorFor(id int64, field string, err error) error {
	if ve, ok := rowError(err).(*core.ValidationError); ok && len(ve.Errors) > 0 && ve.Errors[0].Field != "" {
		for i := range ve.Errors {
			ve.Errors[i].ID = id
		}
		return ve
	}
	return &core.ValidationError{Errors: []core.FieldError{{ID: id, Field: field, Message: err.Error()}}}
}
