// Package gateway serves the agent loop over HTTP and WebSocket.
//
// Routes:
//
//	POST /v1/invoke  {input, stream?, bypass_cache?}
//	GET  /v1/ws      frames {id?, input, bypass_cache?}
//	GET  /v1/tools   merged catalog and unavailable namespaces
//	GET  /metrics    prometheus, when a collector is configured
//	GET  /healthz
//
// Streams, both NDJSON and WebSocket, carry the agent chunks in order
// followed by exactly one done frame. When a shared secret is set, HTTP
// requests present it in X-Toolmesh-Secret or as a bearer token, and
// WebSocket clients either do the same on upgrade or answer an HMAC-SHA256
// challenge.
package gateway
