package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Agent.MaxSteps)
	assert.Equal(t, 120*time.Second, cfg.Provider.Timeout)
	assert.Equal(t, "MISTRAL_API_KEY", cfg.Provider.APIKeyEnv)
	assert.True(t, cfg.Agent.EnablePostprocess)
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("agent:\n  max_steps: 3\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Agent.MaxSteps)
	assert.Equal(t, "mistral-large-latest", cfg.Agent.DefaultModel)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"steps":     "agent:\n  max_steps: 26\n",
		"base path": "server:\n  base_path: api\n",
		"hook url":  "webhooks:\n  - events: [complete]\n",
		"hook ev":   "webhooks:\n  - url: http://x\n    events: [started]\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)

	require.NoError(t, os.WriteFile(Path(dir), []byte("server:\n  addr: \":9999\"\n"), 0o644))
	cfg, err = LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)

	_, err = Load(t.TempDir())
	assert.ErrorContains(t, err, "not found")
}

func TestClampSteps(t *testing.T) {
	assert.Equal(t, 10, ClampSteps(0))
	assert.Equal(t, 1, ClampSteps(-4))
	assert.Equal(t, 25, ClampSteps(99))
	assert.Equal(t, 7, ClampSteps(7))
}

func TestSnippet(t *testing.T) {
	assert.Empty(t, SystemMap{}.Snippet())

	m := SystemMap{CoreRules: []string{"a", "b"}, Principles: []string{"p"}}
	assert.Equal(t, "SYSTEM_MAP_SNIPPET:\n- a\n- b\n- PERMISSION: p\n", m.Snippet())

	var many SystemMap
	for i := 0; i < 20; i++ {
		many.CoreRules = append(many.CoreRules, "r")
	}
	assert.Equal(t, 12, strings.Count(many.Snippet(), "\n- "))
}

func TestSystemMapsFromDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agents_registry.json"), []byte(`{"core_rules":["from file"]}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "permissions.json"), []byte(`{"principles":["least privilege"]}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ui_map.json"), []byte(`{broken`), 0o644))

	m := SystemMap{Dir: dir}
	m.MergeFromDir()
	assert.Equal(t, []string{"from file"}, m.CoreRules)
	assert.Equal(t, []string{"least privilege"}, m.Principles)

	maps := m.LoadSystemMaps()
	require.Len(t, maps, len(SystemMapFiles))
	assert.JSONEq(t, `{"core_rules":["from file"]}`, string(maps["agents_registry"]))

	var problem map[string]any
	require.NoError(t, json.Unmarshal(maps["ui_map"], &problem))
	assert.Equal(t, "system_map_invalid", problem["error"])
	require.NoError(t, json.Unmarshal(maps["health_checks"], &problem))
	assert.Equal(t, "system_map_missing", problem["error"])
}
