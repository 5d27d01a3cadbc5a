// Package namespace maps namespace names to MCP connectors and exposes their
// tools as one qualified catalog.
//
// Tool names are qualified as "{namespace}.{tool}". Manifests are cached under
// "manifest:{namespace}" for the manifest TTL, so repeated catalog requests
// within the TTL reach the server once. Tool results may be cached under
// "result:{namespace}:{tool}:{argument hash}"; error results never are.
//
// A namespace that cannot be reached is isolated by default: its tools drop
// out of the catalog and it is reported in Snapshot.Unavailable. The
// fail_required and fail_any policies turn such failures into an
// *UnavailableError instead.
package namespace
