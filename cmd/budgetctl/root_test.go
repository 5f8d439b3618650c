package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func run(t *testing.T, stdin string, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(strings.NewReader(stdin), &out, &errOut)
	cmd.SetArgs(args)
	err = cmd.Execute()
	return out.String(), errOut.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const accountSnapshot = `
parent: {kind: account, id: 1}
fringes:
  data:
    - {id: 7, name: Payroll Tax, rate: 0.1, unit: percent}
items:
  data:
    - {id: 10, type: subaccount, identifier: "1001", quantity: 2, rate: 10, fringes: [7]}
    - {id: 11, type: subaccount, identifier: "1002", quantity: 1, rate: 5, fringes: [99]}
groups:
  data:
    - {id: 3, name: Crew, children: [10, 11]}
`

type recalcOutput struct {
	Totals struct {
		Estimated string `json:"estimated"`
		Variance  string `json:"variance"`
	} `json:"totals"`
	Items struct {
		Data []struct {
			ID        int64  `json:"id"`
			Estimated string `json:"estimated"`
		} `json:"data"`
	} `json:"items"`
	Groups struct {
		Data []struct {
			ID        int64  `json:"id"`
			Estimated string `json:"estimated"`
		} `json:"data"`
	} `json:"groups"`
}

func TestRecalcYAMLSnapshot(t *testing.T) {
	path := writeFile(t, "table.yaml", accountSnapshot)

	stdout, stderr, err := run(t, "", "recalc", path)
	require.NoError(t, err)

	var out recalcOutput
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.Equal(t, "27", out.Totals.Estimated)
	assert.Equal(t, "27", out.Totals.Variance)
	require.Len(t, out.Items.Data, 2)
	assert.Equal(t, "22", out.Items.Data[0].Estimated)
	assert.Equal(t, "5", out.Items.Data[1].Estimated)
	require.Len(t, out.Groups.Data, 1)
	assert.Equal(t, "27", out.Groups.Data[0].Estimated)

	assert.Contains(t, stderr, "fringe 99")
}

func TestRecalcYAMLOutput(t *testing.T) {
	path := writeFile(t, "table.yaml", accountSnapshot)

	stdout, _, err := run(t, "", "recalc", "-o", "yaml", path)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(stdout), &doc))
	totals, ok := doc["totals"].(map[string]any)
	require.True(t, ok, "totals missing from %s", stdout)
	assert.Equal(t, "27", totals["estimated"])
	assert.Equal(t, "subaccount", doc["domain"])
}

func TestRecalcRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		file string
		args []string
	}{
		{name: "unknown parent kind", file: `{"parent": {"kind": "ledger", "id": 1}}`},
		{name: "malformed json", file: `{"parent": `},
		{name: "unknown policy", file: `{"parent": {"kind": "account", "id": 1}}`, args: []string{"--account-actuals", "ledger"}},
		{name: "unknown output format", file: `{"parent": {"kind": "account", "id": 1}}`, args: []string{"-o", "toml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "table.json", tt.file)
			_, _, err := run(t, "", append([]string{"recalc", path}, tt.args...)...)
			assert.Error(t, err)
		})
	}
}

func TestMergeFromStdin(t *testing.T) {
	input := `[
		{"id": 4, "data": {"rate": {"oldValue": "1", "newValue": "2"}}},
		{"id": "p-1", "data": {"identifier": {"oldValue": "", "newValue": "9000"}}},
		{"id": 4, "data": {"rate": {"oldValue": "2", "newValue": "3"}, "quantity": {"oldValue": null, "newValue": "5"}}}
	]`

	stdout, _, err := run(t, input, "merge", "-")
	require.NoError(t, err)

	var merged []struct {
		ID   any `json:"id"`
		Data map[string]struct {
			OldValue any `json:"oldValue"`
			NewValue any `json:"newValue"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &merged))
	require.Len(t, merged, 2)
	assert.EqualValues(t, 4, merged[0].ID)
	assert.Equal(t, "1", merged[0].Data["rate"].OldValue)
	assert.Equal(t, "3", merged[0].Data["rate"].NewValue)
	assert.Equal(t, "5", merged[0].Data["quantity"].NewValue)
	assert.Equal(t, "p-1", merged[1].ID)

	stdout, _, err = run(t, input, "merge", "--partition", "-")
	require.NoError(t, err)
	var parts struct {
		Confirmed    []json.RawMessage `json:"confirmed"`
		Placeholders []json.RawMessage `json:"placeholders"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &parts))
	assert.Len(t, parts.Confirmed, 1)
	assert.Len(t, parts.Placeholders, 1)
}

func TestReconcile(t *testing.T) {
	path := writeFile(t, "create.yaml", `
items:
  data:
    - {id: 1, type: account, identifier: "1000"}
  placeholders:
    - {id: a, row: {type: account, identifier: "2000"}}
    - {id: b, row: {type: account, description: Travel}}
created:
  - {id: 31, type: account, description: Travel}
  - {id: 30, type: account, identifier: "2000"}
  - {id: 32, type: account, identifier: "9999"}
`)

	stdout, stderr, err := run(t, "", "reconcile", path)
	require.NoError(t, err)

	var out struct {
		Items struct {
			Data []struct {
				ID int64 `json:"id"`
			} `json:"data"`
			Placeholders []json.RawMessage `json:"placeholders"`
		} `json:"items"`
		Matched   map[string]int64 `json:"matched"`
		Unmatched []int64          `json:"unmatched"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.Equal(t, map[string]int64{"a": 30, "b": 31}, out.Matched)
	assert.Equal(t, []int64{32}, out.Unmatched)
	assert.Empty(t, out.Items.Placeholders)
	assert.Len(t, out.Items.Data, 4)
	assert.Contains(t, stderr, "created row 32")
}

func TestVersion(t *testing.T) {
	stdout, _, err := run(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "budgetctl dev\n", stdout)
}
