package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateGraph(t *testing.T) {
	good := `
graph_id: g-1
name: demo
tasks:
  - id: A
    title: build
    role: implement
    deps: []
    acceptance: []
`
	path := filepath.Join(t.TempDir(), "graph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(good), 0o644))
	require.NoError(t, validateGraph(path))

	bad := `
graph_id: g-2
name: demo
tasks:
  - id: A
    title: a
    role: implement
    deps: [missing]
    acceptance: []
`
	badPath := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(badPath, []byte(bad), 0o644))
	require.Error(t, validateGraph(badPath))
}

func TestRootCmd_HasSubcommands(t *testing.T) {
	cmd := rootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	require.True(t, names["run"])
	require.True(t, names["validate"])
	require.True(t, names["version"])
}
