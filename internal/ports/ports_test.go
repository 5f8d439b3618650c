package ports

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greenbudget/internal/core"
)

func TestBulkUpdatePayloadFlattened(t *testing.T) {
	b, err := json.Marshal(BulkUpdatePayload{ID: 4, Patch: core.Patch{"rate": "2", "id": 99}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":4,"rate":"2"}`, string(b))

	var back BulkUpdatePayload
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, int64(4), back.ID)
	assert.Equal(t, core.Patch{"rate": "2"}, back.Patch)

	assert.Error(t, json.Unmarshal([]byte(`{"rate":"2"}`), &back))
}

func TestPayloadsSkipsPlaceholders(t *testing.T) {
	got := Payloads([]core.Change{
		{ID: core.ServerRow(1), Data: map[string]core.FieldChange{"rate": {NewValue: "3"}}},
		{ID: core.PlaceholderRow("p"), Data: map[string]core.FieldChange{"rate": {NewValue: "1"}}},
	})
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, "3", got[0].Patch["rate"])
}
