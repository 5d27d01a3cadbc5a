// Package toolexecutor is the tool catalog: the unified view of local tools
// and namespaced remote tools, and the dispatcher that runs calls to them.
//
// Invariants:
//   - Tool names are unique. Local names never contain ".", remote names are
//     always "{namespace}.{tool}".
//   - Parameters of local tools are schema-validated before execution.
//   - Dispatch never returns a Go error; every failure is an IsError result.
//   - DispatchBatch returns exactly one result per call, in request order.
//
// Usage:
//
//	catalog := toolexecutor.New(toolexecutor.Config{Remote: registry, Logger: logger})
//	_ = catalog.RegisterTool(toolexecutor.ToolDefinition{
//		Name: "echo",
//		Description: "Echo input",
//		Parameters: []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return params["text"], nil },
//	})
//	result := catalog.Dispatch(ctx, toolexecutor.ToolInvocation{Name: "alpha.greet"}, toolexecutor.DispatchOptions{})
package toolexecutor
