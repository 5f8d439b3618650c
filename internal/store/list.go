package store

import (
	"fmt"

	"greenbudget/internal/core"
)

// ListStore is the list/detail state of one collection: confirmed rows,
// placeholder rows and request flags.
type ListStore[M Model[M]] struct {
	Data         []M              `json:"data"`
	Count        int              `json:"count"`
	Placeholders []Placeholder[M] `json:"placeholders"`
	Loading      bool             `json:"loading"`
	Responded    bool             `json:"responded"`
	Selected     []int64          `json:"selected"`
	Search       string           `json:"search,omitempty"`
	Page         int              `json:"page"`
	PageSize     int              `json:"page_size"`
	Creating     bool             `json:"creating"`
	Deleting     []int64          `json:"deleting"`
	Updating     []int64          `json:"updating"`
	CellErrors   []core.CellError `json:"cell_errors,omitempty"`
}

// Get returns the confirmed row with the given id.
func (s ListStore[M]) Get(id int64) (M, bool) {
	for _, m := range s.Data {
		if m.GetID() == id {
			return m, true
		}
	}
	var zero M
	return zero, false
}

func (s ListStore[M]) Placeholder(id string) (Placeholder[M], bool) {
	for _, p := range s.Placeholders {
		if p.ID == id {
			return p, true
		}
	}
	return Placeholder[M]{}, false
}

func (s ListStore[M]) IDs() []int64 {
	ids := make([]int64, len(s.Data))
	for i, m := range s.Data {
		ids[i] = m.GetID()
	}
	return ids
}

// PlaceholderRows returns the placeholder rows without their ids.
func (s ListStore[M]) PlaceholderRows() []M {
	rows := make([]M, len(s.Placeholders))
	for i, p := range s.Placeholders {
		rows[i] = p.Row
	}
	return rows
}

func (s ListStore[M]) clone() ListStore[M] {
	out := s
	out.Data = append([]M(nil), s.Data...)
	out.Placeholders = append([]Placeholder[M](nil), s.Placeholders...)
	out.Selected = append([]int64(nil), s.Selected...)
	out.Deleting = append([]int64(nil), s.Deleting...)
	out.Updating = append([]int64(nil), s.Updating...)
	out.CellErrors = append([]core.CellError(nil), s.CellErrors...)
	return out
}

// Action is a state transition of a ListStore.
type Action[M Model[M]] interface {
	reduce(ListStore[M]) (ListStore[M], error)
}

// Reduce applies an action to a copy of s. On error s is returned unchanged.
func Reduce[M Model[M]](s ListStore[M], a Action[M]) (ListStore[M], error) {
	out, err := a.reduce(s.clone())
	if err != nil {
		return s, err
	}
	return out, nil
}

type (
	// Request marks the list as loading ahead of a fetch.
	Request[M Model[M]] struct{}

	Loading[M Model[M]] struct{ On bool }

	// Response replaces the confirmed rows with a fetched page.
	Response[M Model[M]] struct {
		Data  []M
		Count int
	}

	// Add appends models, replacing rows that already have the same id.
	Add[M Model[M]] struct{ Models []M }

	Remove[M Model[M]] struct{ IDs []int64 }

	// Update patches one confirmed row.
	Update[M Model[M]] struct {
		ID    int64
		Patch core.Patch
	}

	Replace[M Model[M]] struct{ Model M }

	Select[M Model[M]] struct{ IDs []int64 }

	Deselect[M Model[M]] struct{ IDs []int64 }

	SetSearch[M Model[M]] struct{ Search string }

	SetPage[M Model[M]] struct{ Page, PageSize int }

	AddPlaceholders[M Model[M]] struct{ Placeholders []Placeholder[M] }

	UpdatePlaceholder[M Model[M]] struct {
		ID    string
		Patch core.Patch
	}

	RemovePlaceholder[M Model[M]] struct{ ID string }

	// ActivatePlaceholder retires a placeholder in favour of its confirmed model.
	// The model is appended even when the placeholder is already gone.
	ActivatePlaceholder[M Model[M]] struct {
		ID    string
		Model M
	}

	Creating[M Model[M]] struct{ On bool }

	Deleting[M Model[M]] struct {
		IDs []int64
		On  bool
	}

	Updating[M Model[M]] struct {
		IDs []int64
		On  bool
	}

	// CellErrors clears the annotations of the Clear rows and then adds Set.
	CellErrors[M Model[M]] struct {
		Set   []core.CellError
		Clear []core.RowID
	}
)

func (Request[M]) reduce(s ListStore[M]) (ListStore[M], error) {
	s.Loading = true
	return s, nil
}

func (a Loading[M]) reduce(s ListStore[M]) (ListStore[M], error) {
	s.Loading = a.On
	return s, nil
}

func (a Response[M]) reduce(s ListStore[M]) (ListStore[M], error) {
	s.Data = append([]M(nil), a.Data...)
	s.Count = a.Count
	s.Loading = false
	s.Responded = true
	present := make(map[int64]bool, len(a.Data))
	for _, m := range a.Data {
		present[m.GetID()] = true
	}
	s.Selected = filterIDs(s.Selected, func(id int64) bool { return present[id] })
	return s, nil
}

func (a Add[M]) reduce(s ListStore[M]) (ListStore[M], error) {
	for _, m := range a.Models {
		if i := indexOf(s.Data, m.GetID()); i >= 0 {
			s.Data[i] = m
			continue
		}
		s.Data = append(s.Data, m)
		s.Count++
	}
	return s, nil
}

func (a Remove[M]) reduce(s ListStore[M]) (ListStore[M], error) {
	drop := toSet(a.IDs)
	kept := s.Data[:0]
	for _, m := range s.Data {
		if drop[m.GetID()] {
			s.Count--
			continue
		}
		kept = append(kept, m)
	}
	s.Data = kept
	if s.Count < 0 {
		s.Count = 0
	}
	s.Selected = filterIDs(s.Selected, func(id int64) bool { return !drop[id] })
	return s, nil
}

func (a Update[M]) reduce(s ListStore[M]) (ListStore[M], error) {
	i := indexOf(s.Data, a.ID)
	if i < 0 {
		return s, fmt.Errorf("update: %w", &core.ConsistencyError{Op: "update", Entity: "row", ID: a.ID})
	}
	m, err := s.Data[i].WithPatch(a.Patch)
	if err != nil {
		return s, err
	}
	s.Data[i] = m
	return s, nil
}

func (a Replace[M]) reduce(s ListStore[M]) (ListStore[M], error) {
	i := indexOf(s.Data, a.Model.GetID())
	if i < 0 {
		return s, fmt.Errorf("replace: %w", &core.ConsistencyError{Op: "replace", Entity: "row", ID: a.Model.GetID()})
	}
	s.Data[i] = a.Model
	return s, nil
}

func (a Select[M]) reduce(s ListStore[M]) (ListStore[M], error) {
	have := toSet(s.Selected)
	for _, id := range a.IDs {
		if !have[id] && indexOf(s.Data, id) >= 0 {
			s.Selected = append(s.Selected, id)
			have[id] = true
		}
	}
	return s, nil
}

func (a Deselect[M]) reduce(s ListStore[M]) (ListStore[M], error) {
	drop := toSet(a.IDs)
	s.Selected = filterIDs(s.Selected, func(id int64) bool { return !drop[id] })
	return s, nil
}

func (a SetSearch[M]) reduce(s ListStore[M]) (ListStore[M], error) {
	s.Search = a.Search
	s.Page = 1
	return s, nil
}

func (a SetPage[M]) reduce(s ListStore[M]) (ListStore[M], error) {
	s.Page = a.Page
	if a.PageSize > 0 {
		s.PageSize = a.PageSize
	}
	return s, nil
}

func (a AddPlaceholders[M]) reduce(s ListStore[M]) (ListStore[M], error) {
	s.Placeholders = append(s.Placeholders, a.Placeholders...)
	return s, nil
}

func (a UpdatePlaceholder[M]) reduce(s ListStore[M]) (ListStore[M], error) {
	for i, p := range s.Placeholders {
		if p.ID != a.ID {
			continue
		}
		row, err := p.Row.WithPatch(a.Patch)
		if err != nil {
			return s, err
		}
		s.Placeholders[i].Row = row
		return s, nil
	}
	return s, fmt.Errorf("update placeholder %s: %w", a.ID, core.ErrNotFound)
}

func (a RemovePlaceholder[M]) reduce(s ListStore[M]) (ListStore[M], error) {
	s.Placeholders = removePlaceholder(s.Placeholders, a.ID)
	return s, nil
}

func (a ActivatePlaceholder[M]) reduce(s ListStore[M]) (ListStore[M], error) {
	s.Placeholders = removePlaceholder(s.Placeholders, a.ID)
	s.Data = append(s.Data, a.Model)
	s.Count++
	return s, nil
}

func (a Creating[M]) reduce(s ListStore[M]) (ListStore[M], error) {
	s.Creating = a.On
	return s, nil
}

func (a Deleting[M]) reduce(s ListStore[M]) (ListStore[M], error) {
	s.Deleting = toggleIDs(s.Deleting, a.IDs, a.On)
	return s, nil
}

func (a Updating[M]) reduce(s ListStore[M]) (ListStore[M], error) {
	s.Updating = toggleIDs(s.Updating, a.IDs, a.On)
	return s, nil
}

func (a CellErrors[M]) reduce(s ListStore[M]) (ListStore[M], error) {
	clear := make(map[core.RowID]bool, len(a.Clear))
	for _, id := range a.Clear {
		clear[id] = true
	}
	kept := s.CellErrors[:0]
	for _, ce := range s.CellErrors {
		if !clear[ce.ID] {
			kept = append(kept, ce)
		}
	}
	s.CellErrors = append(kept, a.Set...)
	return s, nil
}

func indexOf[M Model[M]](data []M, id int64) int {
	for i, m := range data {
		if m.GetID() == id {
			return i
		}
	}
	return -1
}

func removePlaceholder[M any](ps []Placeholder[M], id string) []Placeholder[M] {
	kept := ps[:0]
	for _, p := range ps {
		if p.ID != id {
			kept = append(kept, p)
		}
	}
	return kept
}

func toSet(ids []int64) map[int64]bool {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func filterIDs(ids []int64, keep func(int64) bool) []int64 {
	out := ids[:0]
	for _, id := range ids {
		if keep(id) {
			out = append(out, id)
		}
	}
	return out
}

func toggleIDs(current, ids []int64, on bool) []int64 {
	if !on {
		drop := toSet(ids)
		return filterIDs(current, func(id int64) bool { return !drop[id] })
	}
	have := toSet(current)
	for _, id := range ids {
		if !have[id] {
			current = append(current, id)
			have[id] = true
		}
	}
	return current
}
