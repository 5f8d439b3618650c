package changes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greenbudget/internal/core"
)

func change(id core.RowID, fields ...any) core.Change {
	c := core.Change{ID: id, Data: map[string]core.FieldChange{}}
	for i := 0; i+2 < len(fields); i += 3 {
		c.Data[fields[i].(string)] = core.FieldChange{OldValue: fields[i+1], NewValue: fields[i+2]}
	}
	return c
}

func TestMergeRowChangesGroupsByFirstSeen(t *testing.T) {
	got := MergeRowChanges([]core.Change{
		change(core.ServerRow(2), "rate", "1", "2"),
		change(core.PlaceholderRow("p"), "identifier", "", "a"),
		change(core.ServerRow(1), "quantity", "0", "4"),
		change(core.ServerRow(2), "rate", "2", "3", "quantity", "1", "5"),
	})

	require.Len(t, got, 3)
	assert.Equal(t, core.ServerRow(2), got[0].ID)
	assert.Equal(t, core.PlaceholderRow("p"), got[1].ID)
	assert.Equal(t, core.ServerRow(1), got[2].ID)

	assert.Equal(t, core.FieldChange{OldValue: "1", NewValue: "3"}, got[0].Data["rate"])
	assert.Equal(t, core.FieldChange{OldValue: "1", NewValue: "5"}, got[0].Data["quantity"])
}

func TestMergeRowChangesAssociative(t *testing.T) {
	id := core.ServerRow(9)
	c1 := change(id, "rate", "10", "11")
	c2 := change(id, "rate", "11", "12", "description", "x", "y")
	c3 := change(id, "description", "y", "z")

	all := MergeRowChanges([]core.Change{c1, c2, c3})
	left := MergeRowChanges(append(MergeRowChanges([]core.Change{c1, c2}), c3))
	right := MergeRowChanges(append([]core.Change{c1}, MergeRowChanges([]core.Change{c2, c3})...))

	require.Len(t, all, 1)
	assert.Equal(t, all, left)
	assert.Equal(t, all, right)
	assert.Equal(t, core.FieldChange{OldValue: "10", NewValue: "12"}, all[0].Data["rate"])
	assert.Equal(t, core.FieldChange{OldValue: "x", NewValue: "z"}, all[0].Data["description"])
}

func TestMergeMatchesSequentialApply(t *testing.T) {
	id := core.ServerRow(1)
	cs := []core.Change{
		change(id, "identifier", "", "a"),
		change(id, "identifier", "a", "b", "rate", nil, "3"),
		change(id, "rate", "3", "4"),
	}
	row := core.LineItem{ID: 1, Type: core.TypeSubAccount}

	sequential, err := Apply(row, cs...)
	require.NoError(t, err)
	merged, err := Apply(row, MergeRowChanges(cs)...)
	require.NoError(t, err)

	assert.Equal(t, sequential, merged)
	assert.Equal(t, "b", merged.Identifier)
	assert.Equal(t, "4", merged.Rate.Decimal.String())
}

func TestMergeDoesNotMutateInput(t *testing.T) {
	id := core.ServerRow(1)
	c1 := change(id, "rate", "1", "2")
	c2 := change(id, "rate", "2", "3")
	MergeRowChanges([]core.Change{c1, c2})
	assert.Equal(t, "2", c1.Data["rate"].NewValue)
	assert.Equal(t, "2", c2.Data["rate"].OldValue)
}

func TestPartition(t *testing.T) {
	confirmed, placeholders := Partition([]core.Change{
		change(core.ServerRow(1)),
		change(core.PlaceholderRow("a")),
		change(core.ServerRow(2)),
	})
	assert.Len(t, confirmed, 2)
	require.Len(t, placeholders, 1)
	assert.Equal(t, "a", placeholders[0].ID.Placeholder)
}

func TestMergeEmpty(t *testing.T) {
	assert.Empty(t, MergeRowChanges(nil))
}
