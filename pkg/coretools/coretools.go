package coretools

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/harun/toolmesh/pkg/mcp"
	"github.com/harun/toolmesh/pkg/toolexecutor"
)

// ResourceSource lists and reads MCP resources by namespace. The namespace
// registry implements it.
type ResourceSource interface {
	Resources(ctx context.Context, ns string) (map[string][]mcp.Resource, error)
	ReadResource(ctx context.Context, ns, uri string) ([]mcp.ResourceContents, error)
}

// PromptSource lists and renders MCP prompt templates by namespace. The
// namespace registry implements it.
type PromptSource interface {
	Prompts(ctx context.Context, ns string) (map[string][]mcp.Prompt, error)
	GetPrompt(ctx context.Context, ns, name string, args map[string]string) (*mcp.PromptResult, error)
}

// Options configures core tool registration.
type Options struct {
	// Resources enables mcp_resources and mcp_read_resource when set.
	Resources ResourceSource
	// Prompts enables mcp_prompts and mcp_get_prompt when set.
	Prompts PromptSource
	// Now overrides the clock of current_time.
	Now func() time.Time
}

// RegisterCoreTools registers the built-in local tools.
func RegisterCoreTools(catalog *toolexecutor.Catalog, opts Options) error {
	if catalog == nil {
		return errors.New("tool catalog is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	tools := []toolexecutor.ToolDefinition{
		echoTool(),
		currentTimeTool(opts),
		calculateTool(),
	}
	if opts.Resources != nil {
		tools = append(tools, resourcesTool(opts), readResourceTool(opts))
	}
	if opts.Prompts != nil {
		tools = append(tools, promptsTool(opts), getPromptTool(opts))
	}

	for _, tool := range tools {
		if err := catalog.RegisterTool(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}

func echoTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "echo",
		Description: "Echo the input text back to the caller.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
		},
		Handler: func(_ context.Context, params map[string]interface{}) (interface{}, error) {
			text, _ := params["text"].(string)
			return strings.TrimSpace(text), nil
		},
	}
}

func currentTimeTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "current_time",
		Description: "Return the current time in RFC3339 format.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "timezone", Type: "string", Description: "IANA timezone name (default UTC)", Required: false},
		},
		Handler: func(_ context.Context, params map[string]interface{}) (interface{}, error) {
			loc := time.UTC
			if name, _ := params["timezone"].(string); name != "" {
				l, err := time.LoadLocation(name)
				if err != nil {
					return nil, fmt.Errorf("unknown timezone %q", name)
				}
				loc = l
			}
			return opts.Now().In(loc).Format(time.RFC3339), nil
		},
	}
}

func calculateTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "calculate",
		Description: "Evaluate an arithmetic expression with + - * / % ^, parentheses and abs/floor/ceil/round/min/max, e.g. '(2 + 3) * 4'.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "expression", Type: "string", Description: "Arithmetic expression", Required: true},
		},
		Handler: func(_ context.Context, params map[string]interface{}) (interface{}, error) {
			expression, _ := params["expression"].(string)
			result, err := Evaluate(expression)
			if err != nil {
				return nil, err
			}
			return strconv.FormatFloat(result, 'f', -1, 64), nil
		},
	}
}

func resourcesTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "mcp_resources",
		Description: "List the resources served by MCP namespaces.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "namespace", Type: "string", Description: "Namespace to list (default all)", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			ns, _ := params["namespace"].(string)
			byNamespace, err := opts.Resources.Resources(ctx, ns)
			if err != nil {
				return nil, err
			}

			names := make([]string, 0, len(byNamespace))
			for name := range byNamespace {
				names = append(names, name)
			}
			sort.Strings(names)

			out := make([]map[string]interface{}, 0)
			for _, name := range names {
				for _, r := range byNamespace[name] {
					out = append(out, map[string]interface{}{
						"namespace":   name,
						"uri":         r.URI,
						"name":        r.Name,
						"description": r.Description,
						"mime_type":   r.MimeType,
					})
				}
			}
			return out, nil
		},
	}
}

func readResourceTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "mcp_read_resource",
		Description: "Read one resource from an MCP namespace.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "namespace", Type: "string", Description: "Namespace serving the resource", Required: true},
			{Name: "uri", Type: "string", Description: "Resource URI", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			ns, _ := params["namespace"].(string)
			uri, _ := params["uri"].(string)
			if strings.TrimSpace(uri) == "" {
				return nil, fmt.Errorf("uri is required")
			}

			contents, err := opts.Resources.ReadResource(ctx, ns, uri)
			if err != nil {
				return nil, err
			}

			var parts []string
			for _, c := range contents {
				switch {
				case c.Text != "":
					parts = append(parts, c.Text)
				case c.Blob != "":
					parts = append(parts, fmt.Sprintf("[binary %s, %d base64 bytes]", c.MimeType, len(c.Blob)))
				}
			}
			return strings.Join(parts, "\n"), nil
		},
	}
}

func promptsTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "mcp_prompts",
		Description: "List the prompt templates served by MCP namespaces.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "namespace", Type: "string", Description: "Namespace to list (default all)", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			ns, _ := params["namespace"].(string)
			byNamespace, err := opts.Prompts.Prompts(ctx, ns)
			if err != nil {
				return nil, err
			}

			names := make([]string, 0, len(byNamespace))
			for name := range byNamespace {
				names = append(names, name)
			}
			sort.Strings(names)

			out := make([]map[string]interface{}, 0)
			for _, name := range names {
				for _, p := range byNamespace[name] {
					args := make([]string, 0, len(p.Arguments))
					for _, a := range p.Arguments {
						if a.Required {
							args = append(args, a.Name+" (required)")
						} else {
							args = append(args, a.Name)
						}
					}
					out = append(out, map[string]interface{}{
						"namespace":   name,
						"name":        p.Name,
						"description": p.Description,
						"arguments":   args,
					})
				}
			}
			return out, nil
		},
	}
}

func getPromptTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "mcp_get_prompt",
		Description: "Render a prompt template from an MCP namespace.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "namespace", Type: "string", Description: "Namespace serving the prompt", Required: true},
			{Name: "name", Type: "string", Description: "Prompt name", Required: true},
			{Name: "arguments", Type: "object", Description: "Prompt arguments as string values", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			ns, _ := params["namespace"].(string)
			name, _ := params["name"].(string)
			if strings.TrimSpace(name) == "" {
				return nil, fmt.Errorf("name is required")
			}

			args := map[string]string{}
			if raw, ok := params["arguments"].(map[string]interface{}); ok {
				for k, v := range raw {
					args[k] = fmt.Sprint(v)
				}
			}

			prompt, err := opts.Prompts.GetPrompt(ctx, ns, name, args)
			if err != nil {
				return nil, err
			}

			lines := make([]string, 0, len(prompt.Messages))
			for _, m := range prompt.Messages {
				lines = append(lines, m.Role+": "+mcp.ExtractText([]mcp.ContentBlock{m.Content}))
			}
			return strings.Join(lines, "\n"), nil
		},
	}
}

// calcEnv is the empty environment calculate expressions compile against,
// so unknown identifiers fail at compile time.
var calcEnv = map[string]any{}

// Evaluate computes an arithmetic expression with expr: + - * / % and ^
// (power) with the usual precedence, unary minus, parentheses and numeric
// builtins such as abs, floor, ceil, round, min and max.
func Evaluate(expression string) (float64, error) {
	if strings.TrimSpace(expression) == "" {
		return 0, fmt.Errorf("expression is empty")
	}

	program, err := expr.Compile(expression, expr.Env(calcEnv))
	if err != nil {
		return 0, fmt.Errorf("invalid expression: %w", err)
	}
	out, err := expr.Run(program, calcEnv)
	if err != nil {
		return 0, fmt.Errorf("evaluation failed: %w", err)
	}

	var v float64
	switch n := out.(type) {
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	case float64:
		v = n
	case float32:
		v = float64(n)
	default:
		return 0, fmt.Errorf("expression must evaluate to a number, got %T", out)
	}

	switch {
	case math.IsInf(v, 0):
		return 0, fmt.Errorf("result is infinite (division by zero or overflow)")
	case math.IsNaN(v):
		return 0, fmt.Errorf("result is not a number")
	}
	return v, nil
}
