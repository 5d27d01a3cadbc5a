package coretools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harun/toolmesh/pkg/mcp"
	"github.com/harun/toolmesh/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResources struct {
	listed map[string][]mcp.Resource
	read   map[string][]mcp.ResourceContents
}

func (f *fakeResources) Resources(_ context.Context, ns string) (map[string][]mcp.Resource, error) {
	if ns == "" {
		return f.listed, nil
	}
	list, ok := f.listed[ns]
	if !ok {
		return nil, errors.New("namespace 'missing' is not registered")
	}
	return map[string][]mcp.Resource{ns: list}, nil
}

func (f *fakeResources) ReadResource(_ context.Context, ns, uri string) ([]mcp.ResourceContents, error) {
	contents, ok := f.read[ns+" "+uri]
	if !ok {
		return nil, errors.New("resource not found")
	}
	return contents, nil
}

type fakePrompts struct {
	listed map[string][]mcp.Prompt
}

func (f *fakePrompts) Prompts(_ context.Context, ns string) (map[string][]mcp.Prompt, error) {
	if ns == "" {
		return f.listed, nil
	}
	list, ok := f.listed[ns]
	if !ok {
		return nil, errors.New("namespace 'missing' is not registered")
	}
	return map[string][]mcp.Prompt{ns: list}, nil
}

func (f *fakePrompts) GetPrompt(_ context.Context, ns, name string, args map[string]string) (*mcp.PromptResult, error) {
	if ns != "docs" || name != "welcome" {
		return nil, errors.New("prompt not found")
	}
	return &mcp.PromptResult{Messages: []mcp.PromptMessage{
		{Role: "assistant", Content: mcp.ContentBlock{Type: "text", Text: "You are a guide."}},
		{Role: "user", Content: mcp.ContentBlock{Type: "text", Text: "Greet " + args["who"] + " " + args["times"] + " times"}},
	}}, nil
}

func newCatalog(t *testing.T, opts Options) *toolexecutor.Catalog {
	t.Helper()
	catalog := toolexecutor.New(toolexecutor.Config{Logger: zerolog.Nop()})
	require.NoError(t, RegisterCoreTools(catalog, opts))
	return catalog
}

func dispatch(catalog *toolexecutor.Catalog, name string, args map[string]any) toolexecutor.ToolResult {
	return catalog.Dispatch(context.Background(), toolexecutor.ToolInvocation{
		CallID:    "call_1",
		Name:      name,
		Arguments: args,
	}, toolexecutor.DispatchOptions{})
}

func TestRegisterCoreTools(t *testing.T) {
	t.Run("should require a catalog", func(t *testing.T) {
		assert.Error(t, RegisterCoreTools(nil, Options{}))
	})

	t.Run("should register the base tools", func(t *testing.T) {
		catalog := newCatalog(t, Options{})
		assert.Equal(t, 3, catalog.LocalToolCount())
		assert.NotNil(t, catalog.GetTool("echo"))
		assert.NotNil(t, catalog.GetTool("current_time"))
		assert.NotNil(t, catalog.GetTool("calculate"))
		assert.Nil(t, catalog.GetTool("mcp_resources"))
	})

	t.Run("should add resource tools with a source", func(t *testing.T) {
		catalog := newCatalog(t, Options{Resources: &fakeResources{}})
		assert.Equal(t, 5, catalog.LocalToolCount())
	})

	t.Run("should add prompt tools with a source", func(t *testing.T) {
		catalog := newCatalog(t, Options{Resources: &fakeResources{}, Prompts: &fakePrompts{}})
		assert.Equal(t, 7, catalog.LocalToolCount())
		assert.NotNil(t, catalog.GetTool("mcp_prompts"))
		assert.NotNil(t, catalog.GetTool("mcp_get_prompt"))
	})
}

func TestEchoTool(t *testing.T) {
	catalog := newCatalog(t, Options{})

	t.Run("should echo trimmed text", func(t *testing.T) {
		result := dispatch(catalog, "echo", map[string]any{"text": "  hi there \n"})
		assert.False(t, result.IsError)
		assert.Equal(t, "hi there", result.Content)
		assert.Equal(t, "call_1", result.CallID)
	})

	t.Run("should reject missing text", func(t *testing.T) {
		result := dispatch(catalog, "echo", map[string]any{})
		assert.True(t, result.IsError)
	})
}

func TestCurrentTimeTool(t *testing.T) {
	fixed := time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)
	catalog := newCatalog(t, Options{Now: func() time.Time { return fixed }})

	t.Run("should default to UTC", func(t *testing.T) {
		result := dispatch(catalog, "current_time", map[string]any{})
		assert.False(t, result.IsError)
		assert.Equal(t, "2025-03-14T15:09:26Z", result.Content)
	})

	t.Run("should convert to a timezone", func(t *testing.T) {
		if _, err := time.LoadLocation("Asia/Jakarta"); err != nil {
			t.Skip("timezone database not available")
		}
		result := dispatch(catalog, "current_time", map[string]any{"timezone": "Asia/Jakarta"})
		assert.False(t, result.IsError)
		assert.Equal(t, "2025-03-14T22:09:26+07:00", result.Content)
	})

	t.Run("should reject an unknown timezone", func(t *testing.T) {
		result := dispatch(catalog, "current_time", map[string]any{"timezone": "Mars/Olympus"})
		assert.True(t, result.IsError)
		assert.Contains(t, result.Content, "unknown timezone")
	})
}

func TestCalculateTool(t *testing.T) {
	catalog := newCatalog(t, Options{})

	result := dispatch(catalog, "calculate", map[string]any{"expression": "(2 + 3) * 4"})
	assert.False(t, result.IsError)
	assert.Equal(t, "20", result.Content)

	result = dispatch(catalog, "calculate", map[string]any{"expression": "1 / 0"})
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "division by zero")
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		expr string
		want float64
	}{
		{"2 + 2", 4},
		{"2 + 3 * 4", 14},
		{"(2 + 3) * 4", 20},
		{"10 / 4", 2.5},
		{"10 % 3", 1},
		{"2 ^ 3 ^ 2", 512},
		{"-3 + 5", 2},
		{"-(2 + 3)", -5},
		{"1.5 * 2", 3},
		{"0.5 + 0.25", 0.75},
		{"abs(-3) + 1", 4},
		{"max(2, 7) * 2", 14},
	}

	for _, tt := range tests {
		t.Run("should evaluate "+tt.expr, func(t *testing.T) {
			got, err := Evaluate(tt.expr)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}

	for _, bad := range []string{"", "   ", "2 +", "(1 + 2", "2 @ 3", "1 / 0", "radius * 2", "'text'", "10 ^ 400"} {
		t.Run("should reject "+bad, func(t *testing.T) {
			_, err := Evaluate(bad)
			assert.Error(t, err)
		})
	}
}

func TestResourceTools(t *testing.T) {
	source := &fakeResources{
		listed: map[string][]mcp.Resource{
			"fs":   {{URI: "file:///readme.md", Name: "readme", MimeType: "text/markdown"}},
			"docs": {{URI: "docs://intro", Name: "intro"}},
		},
		read: map[string][]mcp.ResourceContents{
			"fs file:///readme.md": {{URI: "file:///readme.md", Text: "# Readme"}},
			"fs file:///logo.png":  {{URI: "file:///logo.png", MimeType: "image/png", Blob: "iVBORw0KGgo="}},
		},
	}
	catalog := newCatalog(t, Options{Resources: source})

	t.Run("should list resources of every namespace sorted by namespace", func(t *testing.T) {
		result := dispatch(catalog, "mcp_resources", map[string]any{})
		require.False(t, result.IsError, result.Content)
		assert.JSONEq(t, `[
			{"namespace":"docs","uri":"docs://intro","name":"intro","description":"","mime_type":""},
			{"namespace":"fs","uri":"file:///readme.md","name":"readme","description":"","mime_type":"text/markdown"}
		]`, result.Content)
	})

	t.Run("should list one namespace", func(t *testing.T) {
		result := dispatch(catalog, "mcp_resources", map[string]any{"namespace": "fs"})
		require.False(t, result.IsError)
		assert.Contains(t, result.Content, "file:///readme.md")
		assert.NotContains(t, result.Content, "docs://intro")
	})

	t.Run("should surface errors", func(t *testing.T) {
		result := dispatch(catalog, "mcp_resources", map[string]any{"namespace": "missing"})
		assert.True(t, result.IsError)
	})

	t.Run("should read text contents", func(t *testing.T) {
		result := dispatch(catalog, "mcp_read_resource", map[string]any{"namespace": "fs", "uri": "file:///readme.md"})
		require.False(t, result.IsError)
		assert.Equal(t, "# Readme", result.Content)
	})

	t.Run("should describe binary contents", func(t *testing.T) {
		result := dispatch(catalog, "mcp_read_resource", map[string]any{"namespace": "fs", "uri": "file:///logo.png"})
		require.False(t, result.IsError)
		assert.Equal(t, "[binary image/png, 12 base64 bytes]", result.Content)
	})

	t.Run("should fail on an unknown resource", func(t *testing.T) {
		result := dispatch(catalog, "mcp_read_resource", map[string]any{"namespace": "fs", "uri": "file:///nope"})
		assert.True(t, result.IsError)
	})
}

func TestPromptTools(t *testing.T) {
	source := &fakePrompts{listed: map[string][]mcp.Prompt{
		"docs": {{
			Name:        "welcome",
			Description: "Greets a user",
			Arguments:   []mcp.PromptArgument{{Name: "who", Required: true}, {Name: "times"}},
		}},
	}}
	catalog := newCatalog(t, Options{Prompts: source})

	t.Run("should list prompts with their arguments", func(t *testing.T) {
		result := dispatch(catalog, "mcp_prompts", map[string]any{})
		require.False(t, result.IsError, result.Content)
		assert.JSONEq(t, `[
			{"namespace":"docs","name":"welcome","description":"Greets a user","arguments":["who (required)","times"]}
		]`, result.Content)
	})

	t.Run("should surface listing errors", func(t *testing.T) {
		result := dispatch(catalog, "mcp_prompts", map[string]any{"namespace": "missing"})
		assert.True(t, result.IsError)
	})

	t.Run("should render a prompt with stringified arguments", func(t *testing.T) {
		result := dispatch(catalog, "mcp_get_prompt", map[string]any{
			"namespace": "docs",
			"name":      "welcome",
			"arguments": map[string]any{"who": "Lantip", "times": 2},
		})
		require.False(t, result.IsError, result.Content)
		assert.Equal(t, "assistant: You are a guide.\nuser: Greet Lantip 2 times", result.Content)
	})

	t.Run("should reject a missing prompt", func(t *testing.T) {
		result := dispatch(catalog, "mcp_get_prompt", map[string]any{"namespace": "docs", "name": "farewell"})
		assert.True(t, result.IsError)
		assert.Contains(t, result.Content, "prompt not found")
	})
}
