// Package coretools registers the built-in local tools of the catalog:
// echo, current_time and calculate, plus mcp_resources and
// mcp_read_resource when a resource source is configured, and mcp_prompts
// and mcp_get_prompt when a prompt source is configured.
package coretools
