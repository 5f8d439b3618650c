package store

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greenbudget/internal/core"
)

func item(id int64, identifier string) core.LineItem {
	return core.LineItem{ID: id, Type: core.TypeSubAccount, Identifier: identifier}
}

func TestReduceResponseAndAdd(t *testing.T) {
	var s ListStore[core.LineItem]
	s, err := Reduce[core.LineItem](s, Request[core.LineItem]{})
	require.NoError(t, err)
	assert.True(t, s.Loading)

	s, err = Reduce[core.LineItem](s, Response[core.LineItem]{Data: []core.LineItem{item(1, "a"), item(2, "b")}, Count: 2})
	require.NoError(t, err)
	assert.False(t, s.Loading)
	assert.True(t, s.Responded)
	assert.Equal(t, []int64{1, 2}, s.IDs())

	s, err = Reduce[core.LineItem](s, Add[core.LineItem]{Models: []core.LineItem{item(2, "b2"), item(3, "c")}})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, s.IDs())
	assert.Equal(t, 3, s.Count)
	got, ok := s.Get(2)
	require.True(t, ok)
	assert.Equal(t, "b2", got.Identifier)
}

func TestReduceDoesNotMutateInput(t *testing.T) {
	s := ListStore[core.LineItem]{Data: []core.LineItem{item(1, "a"), item(2, "b")}, Count: 2, Selected: []int64{1, 2}}
	out, err := Reduce[core.LineItem](s, Remove[core.LineItem]{IDs: []int64{1}})
	require.NoError(t, err)

	assert.Equal(t, []int64{2}, out.IDs())
	assert.Equal(t, []int64{2}, out.Selected)
	assert.Equal(t, []int64{1, 2}, s.IDs())
	assert.Equal(t, []int64{1, 2}, s.Selected)
}

func TestReduceUpdate(t *testing.T) {
	s := ListStore[core.LineItem]{Data: []core.LineItem{item(1, "a")}, Count: 1}

	out, err := Reduce[core.LineItem](s, Update[core.LineItem]{ID: 1, Patch: core.Patch{"rate": "12"}})
	require.NoError(t, err)
	got, _ := out.Get(1)
	assert.True(t, got.Rate.Decimal.Equal(decimal.NewFromInt(12)))

	_, err = Reduce[core.LineItem](s, Update[core.LineItem]{ID: 9, Patch: core.Patch{"rate": "1"}})
	assert.True(t, errors.Is(err, core.ErrNotFound))

	_, err = Reduce[core.LineItem](s, Update[core.LineItem]{ID: 1, Patch: core.Patch{"rate": "x"}})
	var ve *core.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestReduceSelection(t *testing.T) {
	s := ListStore[core.Group]{Data: []core.Group{{ID: 1, Name: "A"}, {ID: 2, Name: "B"}}}
	s, _ = Reduce[core.Group](s, Select[core.Group]{IDs: []int64{1, 2, 2, 5}})
	assert.Equal(t, []int64{1, 2}, s.Selected)
	s, _ = Reduce[core.Group](s, Deselect[core.Group]{IDs: []int64{1}})
	assert.Equal(t, []int64{2}, s.Selected)
}

func TestReducePlaceholderLifecycle(t *testing.T) {
	p := NewPlaceholder(core.LineItem{Type: core.TypeSubAccount})
	var s ListStore[core.LineItem]

	s, err := Reduce[core.LineItem](s, AddPlaceholders[core.LineItem]{Placeholders: []Placeholder[core.LineItem]{p}})
	require.NoError(t, err)
	require.Len(t, s.Placeholders, 1)

	s, err = Reduce[core.LineItem](s, UpdatePlaceholder[core.LineItem]{ID: p.ID, Patch: core.Patch{"identifier": "x"}})
	require.NoError(t, err)
	got, ok := s.Placeholder(p.ID)
	require.True(t, ok)
	assert.Equal(t, "x", got.Row.Identifier)

	s, err = Reduce[core.LineItem](s, ActivatePlaceholder[core.LineItem]{ID: p.ID, Model: item(40, "x")})
	require.NoError(t, err)
	assert.Empty(t, s.Placeholders)
	assert.Equal(t, []int64{40}, s.IDs())
	assert.Equal(t, 1, s.Count)

	_, err = Reduce[core.LineItem](s, UpdatePlaceholder[core.LineItem]{ID: p.ID, Patch: core.Patch{"identifier": "y"}})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestNewPlaceholderIDsAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		p := NewPlaceholder(core.Fringe{})
		require.False(t, seen[p.ID])
		seen[p.ID] = true
	}
}

func TestReduceFlags(t *testing.T) {
	var s ListStore[core.Actual]
	s, _ = Reduce[core.Actual](s, Deleting[core.Actual]{IDs: []int64{1, 2}, On: true})
	s, _ = Reduce[core.Actual](s, Deleting[core.Actual]{IDs: []int64{1}, On: false})
	assert.Equal(t, []int64{2}, s.Deleting)

	s, _ = Reduce[core.Actual](s, Updating[core.Actual]{IDs: []int64{3}, On: true})
	assert.Equal(t, []int64{3}, s.Updating)
	s, _ = Reduce[core.Actual](s, Creating[core.Actual]{On: true})
	assert.True(t, s.Creating)
}

func TestReduceCellErrors(t *testing.T) {
	var s ListStore[core.Fringe]
	s, _ = Reduce[core.Fringe](s, CellErrors[core.Fringe]{Set: []core.CellError{
		{ID: core.ServerRow(1), Field: "rate", Message: "bad"},
		{ID: core.PlaceholderRow("p"), Field: "name", Message: "required"},
	}})
	require.Len(t, s.CellErrors, 2)

	s, _ = Reduce[core.Fringe](s, CellErrors[core.Fringe]{Clear: []core.RowID{core.ServerRow(1)}})
	require.Len(t, s.CellErrors, 1)
	assert.Equal(t, core.PlaceholderRow("p"), s.CellErrors[0].ID)
}

func TestDispatchTableActions(t *testing.T) {
	st := New(NewTableState(core.ParentRef{Kind: core.ParentAccount, ID: 7}))
	assert.Equal(t, DomainSubAccount, st.State().Domain)

	var seen []uint64
	unsubscribe := st.Subscribe(func(TableState) { seen = append(seen, st.Version()) })

	_, err := Dispatch(st,
		ItemsAction{Action: Response[core.LineItem]{Data: []core.LineItem{item(1, "a")}, Count: 1}},
		GroupsAction{Action: Add[core.Group]{Models: []core.Group{{ID: 3, Name: "G", Children: []int64{1}}}}},
		SetTotals{Totals: core.NewTotals(decimal.NewFromInt(10), decimal.NewFromInt(4))},
	)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Version())

	g, ok := st.State().GroupOf(1)
	require.True(t, ok)
	assert.Equal(t, int64(3), g.ID)
	assert.Equal(t, "6", st.State().Totals.Variance.String())

	unsubscribe()
	_, err = Dispatch(st, ItemsAction{Action: Remove[core.LineItem]{IDs: []int64{1}}})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, seen)
}

func TestDispatchFailureKeepsSnapshot(t *testing.T) {
	st := New(NewTableState(core.ParentRef{Kind: core.ParentBudget, ID: 1}))
	_, err := Dispatch(st,
		ItemsAction{Action: Add[core.LineItem]{Models: []core.LineItem{item(1, "a")}}},
		ItemsAction{Action: Replace[core.LineItem]{Model: item(2, "b")}},
	)
	require.Error(t, err)
	assert.Empty(t, st.State().Items.Data)
	assert.Equal(t, uint64(0), st.Version())
}

func TestStoreConcurrentUpdates(t *testing.T) {
	st := New(0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = st.Update(func(n int) (int, error) { return n + 1, nil })
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, st.State())
	assert.Equal(t, uint64(50), st.Version())
}

func TestDomainTextRoundTrip(t *testing.T) {
	data, err := json.Marshal(NewTableState(core.ParentRef{Kind: core.ParentAccount, ID: 3}))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"domain":"subaccount"`)

	var back TableState
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, DomainSubAccount, back.Domain)

	var d Domain
	assert.Error(t, d.UnmarshalText([]byte("ledger")))
}
