// Package mcp connects to remote tool servers speaking the Model Context Protocol.
//
// A Client is one live connection to one server. It owns a Transport that moves
// JSON-RPC 2.0 messages over stdio, server-sent events, streamable HTTP or a
// WebSocket, and exposes the same operations regardless of transport.
//
// Invariants:
// - Every request carries a unique id and is matched to exactly one response.
// - Transport and protocol failures surface as *TransportError.
// - A tool that reports isError is a result, not a Go error.
//
// Usage:
//
//	client, _ := mcp.NewClientFromConfig("files", mcp.ConnectionConfig{
//		Transport: mcp.TransportStdio,
//		Command:   "mcp-files",
//	}, logger)
//	defer client.Close()
//	tools, _ := client.ListTools(ctx)
//	res, _ := client.CallTool(ctx, tools[0].Name, map[string]any{"path": "/tmp"})
//	_ = res
package mcp
