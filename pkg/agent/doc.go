// Package agent runs the tool-calling loop between a model and the tool
// catalog.
//
// Invariants:
// - Every tool message answers a call of the assistant message before it.
// - A session is owned by one invocation and only ever grows.
// - Tool calls route through toolexecutor only.
// - An invocation makes at most MaxIterations model calls.
//
// Usage:
//
//	loop, _ := agent.New(agent.Config{
//		Provider: provider,
//		Catalog:  catalog,
//		Model:    "gpt-4o-mini",
//	})
//	result, _ := loop.Run(ctx, agent.Input{Input: "hello"})
//	_ = result.Final.Content
package agent
