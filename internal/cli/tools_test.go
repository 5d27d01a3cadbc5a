package cli

import (
	"encoding/json"
	"testing"

	"github.com/harun/toolmesh/pkg/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolsCommand(t *testing.T) {
	t.Run("should print a table", func(t *testing.T) {
		path, _ := setupCLI(t)

		stdout, _, err := execute(t, "--config", path, "tools")
		require.NoError(t, err)

		assert.Contains(t, stdout, "NAME")
		assert.Contains(t, stdout, "notes.read")
		assert.Contains(t, stdout, "Read the note")
		assert.NotContains(t, stdout, "Second line is hidden")
		assert.Contains(t, stdout, "calculate")
		assert.NotContains(t, stdout, "Unavailable namespaces")
	})

	t.Run("should write JSON", func(t *testing.T) {
		path, _ := setupCLI(t)

		stdout, _, err := execute(t, "--config", path, "tools", "--json")
		require.NoError(t, err)

		var resp gateway.ToolsResponse
		require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
		names := make([]string, 0, len(resp.Tools))
		for _, tool := range resp.Tools {
			names = append(names, tool.Name)
		}
		assert.Contains(t, names, "notes.read")
		assert.Contains(t, names, "echo")
		assert.Empty(t, resp.Unavailable)
	})

	t.Run("should honor the deny list", func(t *testing.T) {
		path, cfg := setupCLI(t)
		cfg.Tools.Deny = []string{"notes.*"}
		require.NoError(t, saveConfig(path, cfg))

		stdout, _, err := execute(t, "--config", path, "tools")
		require.NoError(t, err)
		assert.NotContains(t, stdout, "notes.read")
		assert.Contains(t, stdout, "echo")
	})
}
