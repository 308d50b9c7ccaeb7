package plugin_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/CZERTAINLY/wizvms/internal/engine"
	"github.com/CZERTAINLY/wizvms/internal/plugin"
	"github.com/stretchr/testify/require"
)

type params struct {
	Name         string        `mapstructure:"name"`
	Kind         string        `mapstructure:"kind"`
	ProjectID    string        `mapstructure:"project_id"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

func nopFactory(def plugin.Definition) (engine.Job, error) {
	var p params
	if err := def.Decode(&p); err != nil {
		return nil, err
	}
	return engine.Func(p.Name, func(context.Context) (engine.Outcome, error) {
		return engine.Done(), nil
	}), nil
}

func TestRegistry(t *testing.T) {
	reg := plugin.NewRegistry()
	require.NoError(t, reg.Register("b", nopFactory))
	require.NoError(t, reg.Register("a", nopFactory))
	require.Error(t, reg.Register("a", nopFactory))
	require.Equal(t, []string{"a", "b"}, reg.Kinds())

	defs := []plugin.Definition{
		{Name: "one", Kind: "a", Params: map[string]any{"name": "one"}},
		{Name: "two", Kind: "c", Params: map[string]any{"name": "two"}},
		{Name: "one", Kind: "b", Params: map[string]any{"name": "one"}},
		{Name: "three", Kind: "b", Params: map[string]any{"name": "three", "batch_size": "many"}},
	}
	jobs, err := reg.Jobs(defs)
	require.Len(t, jobs, 1)
	require.ErrorIs(t, err, plugin.ErrUnknownKind)
	require.ErrorContains(t, err, "duplicate name")
	require.ErrorContains(t, err, "input three")
}

func TestDefinitionDecode(t *testing.T) {
	def := plugin.Definition{
		Name: "prod",
		Kind: "wiz_virtual_machines",
		Params: map[string]any{
			"name":          "prod",
			"kind":          "wiz_virtual_machines",
			"project_id":    "p1",
			"poll_interval": "15s",
			"batch_size":    "100",
		},
	}
	var p params
	require.NoError(t, def.Decode(&p))
	require.Equal(t, params{
		Name:         "prod",
		Kind:         "wiz_virtual_machines",
		ProjectID:    "p1",
		PollInterval: 15 * time.Second,
		BatchSize:    100,
	}, p)
}

func TestReadDir(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"prod.yaml": `
input:
  name: prod
  kind: wiz_virtual_machines
  project_id: p1
  poll_interval: 10s
`,
		"dev.json":   `{"input": {"name": "dev", "kind": "wiz_virtual_machines", "project_id": "p2"}}`,
		"nokey.yml":  "name: orphan\n",
		"noname.yml": "input:\n  kind: wiz_virtual_machines\n",
		"README.txt": "not an input",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.yaml"), 0o700))

	defs, err := plugin.ReadDir(t.Context(), dir)
	require.Error(t, err)
	require.ErrorContains(t, err, "nokey.yml")
	require.ErrorContains(t, err, "name is required")

	require.Len(t, defs, 2)
	byName := map[string]plugin.Definition{}
	for _, d := range defs {
		byName[d.Name] = d
	}
	require.Contains(t, byName, "prod")
	require.Contains(t, byName, "dev")
	require.Equal(t, filepath.Join(dir, "prod.yaml"), byName["prod"].Source)

	var p params
	require.NoError(t, byName["prod"].Decode(&p))
	require.Equal(t, "p1", p.ProjectID)
	require.Equal(t, 10*time.Second, p.PollInterval)

	_, err = plugin.ReadDir(t.Context(), filepath.Join(dir, "missing"))
	require.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	defs, err := plugin.FromConfig([]map[string]any{
		{"name": "prod", "kind": "wiz_virtual_machines"},
		{"kind": "wiz_virtual_machines"},
	})
	require.ErrorContains(t, err, "input[1]: name is required")
	require.Len(t, defs, 1)
	require.Equal(t, "wiz_virtual_machines/prod", defs[0].String())
}
