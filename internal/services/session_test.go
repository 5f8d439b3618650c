package services

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greenbudget/internal/budget"
	"greenbudget/internal/core"
	"greenbudget/internal/ports"
)

func TestSession_Table(t *testing.T) {
	f := newFixture(t)
	s := NewSession(f.budget.ID, f.deps)
	defer s.Close()

	accounts, err := s.Table(core.ParentRef{Kind: core.ParentBudget, ID: f.budget.ID})
	require.NoError(t, err)
	assert.Same(t, s.Accounts, accounts)

	_, err = s.Table(core.ParentRef{Kind: core.ParentBudget, ID: f.budget.ID + 100})
	assert.ErrorIs(t, err, core.ErrInvalidParent)
	_, err = s.Table(core.ParentRef{Kind: "sheet", ID: 1})
	assert.ErrorIs(t, err, core.ErrInvalidParent)

	a, err := s.Table(f.accountRef())
	require.NoError(t, err)
	b, err := s.Table(f.accountRef())
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Len(t, s.Tables(), 2)
}

func TestSession_OpenLoadsOnce(t *testing.T) {
	f := newFixture(t)
	s := NewSession(f.budget.ID, f.deps)
	defer s.Close()
	ctx := context.Background()

	lt, h, err := s.Open(ctx, f.accountRef())
	require.NoError(t, err)
	require.NotNil(t, h)
	require.NoError(t, h.Wait(ctx))
	assert.Len(t, lt.List().Data, 2)

	_, h, err = s.Open(ctx, f.accountRef())
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestSession_FringesReachOpenTables(t *testing.T) {
	f := newFixture(t)
	s := NewSession(f.budget.ID, f.deps)
	defer s.Close()
	ctx := context.Background()

	lt, h, err := s.Open(ctx, f.accountRef())
	require.NoError(t, err)
	require.NoError(t, h.Wait(ctx))

	_, h = s.Fringes.AddRows(ctx, core.Fringe{
		Name: "Payroll Tax",
		Rate: core.Null(decimal.RequireFromString("0.1")),
		Unit: core.FringeUnitPercent,
	})
	require.NotNil(t, h)
	require.NoError(t, h.Wait(ctx))

	require.Len(t, s.Fringes.List().Data, 1)
	fringe := s.Fringes.List().Data[0]
	assert.NotZero(t, fringe.ID)
	for _, table := range s.Tables() {
		got, ok := table.State().Fringes.Get(fringe.ID)
		require.True(t, ok, table.Name())
		assert.Equal(t, "Payroll Tax", got.Name)
	}

	// Attaching the fringe to a row raises its estimate by the rate.
	lenses := byIdentifier(t, lt, "1001")
	h = lt.HandleChanges(ctx, []core.Change{{
		ID:   core.ServerRow(lenses.ID),
		Data: map[string]core.FieldChange{"fringes": {NewValue: []any{float64(fringe.ID)}}},
	}})
	require.NoError(t, h.Wait(ctx))
	assert.Equal(t, "22", byIdentifier(t, lt, "1001").Estimated.Decimal.String())
	assert.Equal(t, "27", lt.State().Totals.Estimated.String())
}

func TestSession_ActualsFeedPolicyLevels(t *testing.T) {
	f := newFixture(t)
	f.deps.Engine = budget.NewEngine(budget.Policy{Account: budget.ActualFromActuals}, nil)
	s := NewSession(f.budget.ID, f.deps)
	defer s.Close()
	ctx := context.Background()

	lt, h, err := s.Open(ctx, f.accountRef())
	require.NoError(t, err)
	require.NoError(t, h.Wait(ctx))

	_, h = s.Actuals.AddRows(ctx, core.Actual{
		Parent:      f.account.ID,
		Description: "Rental deposit",
		Date:        core.NewDate(2026, 3, 1),
		Amount:      amount(40),
	})
	require.NotNil(t, h)
	require.NoError(t, h.Wait(ctx))

	require.Len(t, lt.State().Actuals.Data, 1)
	assert.Equal(t, "40", lt.State().Totals.Actual.String())
}

func TestSession_SubAccountChangesReachAccountRow(t *testing.T) {
	f := newFixture(t)
	s := NewSession(f.budget.ID, f.deps)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Accounts.Load(ctx).Wait(ctx))
	lt, h, err := s.Open(ctx, f.accountRef())
	require.NoError(t, err)
	require.NoError(t, h.Wait(ctx))

	lenses := byIdentifier(t, lt, "1001")
	require.NoError(t, lt.HandleChanges(ctx, []core.Change{{
		ID:   core.ServerRow(lenses.ID),
		Data: map[string]core.FieldChange{"rate": {OldValue: "10", NewValue: "100"}},
	}}).Wait(ctx))

	assert.Equal(t, "205", lt.State().Totals.Estimated.String())
	row, ok := s.Accounts.State().Item(f.account.ID)
	require.True(t, ok)
	assert.Equal(t, "205", row.Estimated.Decimal.String())
	assert.Equal(t, "205", row.Variance.Decimal.String())
	assert.Equal(t, "205", s.Accounts.State().Totals.Estimated.String())

	stored, ok := f.srv.Budget(f.budget.ID)
	require.True(t, ok)
	assert.True(t, stored.Estimated.Equal(s.Accounts.State().Totals.Estimated))
}

func TestSession_NestedSubAccountChangesReachBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lenses, err := f.srv.LineItems().List(ctx, f.accountRef(), ports.ListQuery{Search: "1001"})
	require.NoError(t, err)
	require.Len(t, lenses.Data, 1)
	lensesRef := core.ParentRef{Kind: core.ParentSubAccount, ID: lenses.Data[0].ID}
	_, err = f.srv.LineItems().BulkCreate(ctx, lensesRef, []core.Patch{
		{"identifier": "1001-1", "description": "Zoom", "quantity": "3", "rate": "4"},
	})
	require.NoError(t, err)

	s := NewSession(f.budget.ID, f.deps)
	defer s.Close()
	require.NoError(t, s.Accounts.Load(ctx).Wait(ctx))
	account, h, err := s.Open(ctx, f.accountRef())
	require.NoError(t, err)
	require.NoError(t, h.Wait(ctx))
	sub, h, err := s.Open(ctx, lensesRef)
	require.NoError(t, err)
	require.NoError(t, h.Wait(ctx))
	assert.Equal(t, "17", s.Accounts.State().Totals.Estimated.String())

	zoom := byIdentifier(t, sub, "1001-1")
	require.NoError(t, sub.HandleChanges(ctx, []core.Change{{
		ID:   core.ServerRow(zoom.ID),
		Data: map[string]core.FieldChange{"rate": {OldValue: "4", NewValue: "10"}},
	}}).Wait(ctx))

	assert.Equal(t, "30", byIdentifier(t, account, "1001").Estimated.Decimal.String())
	assert.Equal(t, "35", account.State().Totals.Estimated.String())
	row, ok := s.Accounts.State().Item(f.account.ID)
	require.True(t, ok)
	assert.Equal(t, "35", row.Estimated.Decimal.String())
	assert.Equal(t, "35", s.Accounts.State().Totals.Estimated.String())
}

func TestSession_Refresh(t *testing.T) {
	f := newFixture(t)
	s := NewSession(f.budget.ID, f.deps)
	defer s.Close()
	ctx := context.Background()

	lt, h, err := s.Open(ctx, f.accountRef())
	require.NoError(t, err)
	require.NoError(t, h.Wait(ctx))
	lenses := byIdentifier(t, lt, "1001")

	// Another client edits the row behind the session's back.
	_, err = f.srv.LineItems().BulkUpdate(ctx, f.accountRef(), []ports.BulkUpdatePayload{
		{ID: lenses.ID, Patch: core.Patch{"rate": "20"}},
	})
	require.NoError(t, err)

	require.NoError(t, s.Refresh(ctx))
	assert.Equal(t, "40", byIdentifier(t, lt, "1001").Estimated.Decimal.String())
	assert.Equal(t, "45", lt.State().Totals.Estimated.String())
	assert.True(t, s.Accounts.List().Responded)
}

func TestRegistry(t *testing.T) {
	f := newFixture(t)
	r := NewRegistry(f.deps)

	s := r.Session(f.budget.ID)
	assert.Same(t, s, r.Session(f.budget.ID))
	other := r.Session(f.budget.ID + 1)
	assert.Equal(t, []*Session{s, other}, r.Sessions())

	r.Close(other.BudgetID())
	_, ok := r.Lookup(other.BudgetID())
	assert.False(t, ok)
	assert.Len(t, r.Sessions(), 1)
	assert.NotNil(t, r.Runner())
}

func TestRefreshProcessor_Lifecycle(t *testing.T) {
	f := newFixture(t)
	r := NewRegistry(f.deps)
	var pruned atomic.Int32
	prune := func(ctx context.Context, before time.Time) (int64, error) {
		pruned.Add(1)
		return 1, nil
	}
	p := NewRefreshProcessor(r, prune, RefreshProcessorConfig{
		PollInterval:    10 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
	}, nil)

	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	assert.True(t, p.IsRunning())
	assert.Error(t, p.Start(ctx), "second start must fail")

	assert.Eventually(t, func() bool { return pruned.Load() > 0 }, 2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(stopCtx))
	assert.False(t, p.IsRunning())
	require.NoError(t, p.Stop(stopCtx), "stopping twice is a no-op")
}

func TestRefreshProcessor_RefreshAll(t *testing.T) {
	f := newFixture(t)
	r := NewRegistry(f.deps)
	ctx := context.Background()
	p := NewRefreshProcessor(r, nil, RefreshProcessorConfig{}, nil)

	require.NoError(t, p.RefreshAll(ctx), "no sessions is not an error")

	s := r.Session(f.budget.ID)
	lt, err := s.Table(f.accountRef())
	require.NoError(t, err)
	require.NoError(t, p.RefreshAll(ctx))
	assert.Len(t, lt.List().Data, 2)
	assert.Len(t, s.Accounts.List().Data, 1)

	f.srv.FailNext("list", &core.RequestError{Op: "list", StatusCode: 503})
	assert.Error(t, p.RefreshAll(ctx))
}
