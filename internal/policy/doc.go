// Package policy implements the cache policy engine: the component that
// decides, per intercepted request, whether to answer from the current cache
// generation, from the network, or both. API and cross-origin traffic is
// served network-first with the cache as an offline fallback; same-origin
// static traffic is served cache-first with the network as the cold-miss path.
// The engine owns exactly one generation and walks the
// installing -> waiting -> activating -> active -> redundant lifecycle; a new
// deployment installs a sibling engine for the next generation while the
// current one keeps serving.
package policy
