package stepup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/devicetrust/pkg/model"
)

func TestDefaultPolicies(t *testing.T) {
	table := DefaultPolicies()

	p, ok := table.Lookup(ActionViewProfile)
	require.True(t, ok)
	assert.False(t, p.RequiresFresh())

	p, ok = table.Lookup(ActionDisable2FA)
	require.True(t, ok)
	assert.True(t, p.RequiresFresh())
	assert.True(t, p.AlertOnInitiate)
	assert.True(t, p.AlertOnComplete)

	p, ok = table.Lookup("transfer_funds")
	assert.False(t, ok)
	assert.True(t, p.RequiresFresh(), "unknown actions fail closed")
	assert.False(t, p.AlertOnInitiate)
}

func TestParsePolicyOverrides(t *testing.T) {
	table, err := ParsePolicy(`
[[actions]]
action = "update_profile"
sensitivity = "fresh"
alert_on_complete = true

[[actions]]
action = "export_data"
sensitivity = "fresh"
alert_on_initiate = true
`)
	require.NoError(t, err)

	p, _ := table.Lookup(ActionUpdateProfile)
	assert.Equal(t, model.SensitivityFresh, p.Sensitivity)
	assert.True(t, p.AlertOnComplete)

	p, ok := table.Lookup("export_data")
	require.True(t, ok)
	assert.True(t, p.AlertOnInitiate)

	p, _ = table.Lookup(ActionViewProfile)
	assert.False(t, p.RequiresFresh(), "built-in entries survive")
	assert.Len(t, table.Actions(), len(DefaultPolicies().Actions())+1)
}

func TestParsePolicyRejectsBadEntries(t *testing.T) {
	_, err := ParsePolicy(`
[[actions]]
action = "update_profile"
sensitivity = "sometimes"
`)
	assert.Error(t, err)

	_, err = ParsePolicy(`
[[actions]]
action = "a"
sensitivity = "fresh"
[[actions]]
action = "a"
sensitivity = "routine"
`)
	assert.Error(t, err)

	_, err = ParsePolicy(`[[actions]]
sensitivity = "fresh"`)
	assert.Error(t, err)
}

func TestLoadPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.toml")
	require.NoError(t, os.WriteFile(path, []byte("[[actions]]\naction = \"view_profile\"\nsensitivity = \"fresh\"\n"), 0o600))

	table, err := LoadPolicyFile(path)
	require.NoError(t, err)
	p, _ := table.Lookup(ActionViewProfile)
	assert.True(t, p.RequiresFresh())

	_, err = LoadPolicyFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
