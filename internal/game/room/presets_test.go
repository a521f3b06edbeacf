package room

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePreset(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadPresetFromBytes(t *testing.T) {
	cfg, err := LoadPresetFromBytes([]byte(`
name: duel
capacity: 2
min_players: 2
auto_start_on_full: true
turn_based: true
grace_period: 30s
rating_stake: 25
`))
	require.NoError(t, err)
	assert.Equal(t, "duel", cfg.Name)
	assert.Equal(t, 2, cfg.Capacity)
	assert.True(t, cfg.AutoStartOnFull)
	assert.True(t, cfg.TurnBased)
	assert.Equal(t, 30*time.Second, cfg.GracePeriod)
	assert.Equal(t, 25, cfg.RatingStake)
}

func TestLoadPresetFromBytes_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing name":         "capacity: 2\nmin_players: 2\n",
		"zero capacity":        "name: x\ncapacity: 0\nmin_players: 1\n",
		"min exceeds capacity": "name: x\ncapacity: 2\nmin_players: 3\n",
		"negative grace":       "name: x\ncapacity: 2\nmin_players: 2\ngrace_period: -5s\n",
		"malformed yaml":       "name: [unterminated\n",
	}
	for label, content := range cases {
		t.Run(label, func(t *testing.T) {
			_, err := LoadPresetFromBytes([]byte(content))
			assert.Error(t, err)
		})
	}
}

func TestLoadPresets(t *testing.T) {
	dir := t.TempDir()
	writePreset(t, dir, "duel.yaml", "name: duel\ncapacity: 2\nmin_players: 2\nturn_based: true\n")
	writePreset(t, dir, "melee.yaml", "name: melee\ncapacity: 4\nmin_players: 2\n")
	writePreset(t, dir, "notes.txt", "not a preset")

	presets, err := LoadPresets(dir)
	require.NoError(t, err)
	require.Len(t, presets, 2)
	assert.True(t, presets["duel"].TurnBased)
	assert.Equal(t, 4, presets["melee"].Capacity)
}

func TestLoadPresets_DuplicateName(t *testing.T) {
	dir := t.TempDir()
	writePreset(t, dir, "a.yaml", "name: duel\ncapacity: 2\nmin_players: 2\n")
	writePreset(t, dir, "b.yaml", "name: duel\ncapacity: 4\nmin_players: 2\n")

	_, err := LoadPresets(dir)
	assert.ErrorContains(t, err, "duplicate preset name")
}

func TestLoadPresets_MissingDir(t *testing.T) {
	_, err := LoadPresets("/no/such/dir")
	assert.Error(t, err)
}
