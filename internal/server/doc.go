// Package server hosts the Fiber HTTP service and request middleware chain
// that feed intercepted requests into the cache policy engine. It bootstraps
// Fiber with recover and request-ID middlewares, exposes the shared upstream
// http.Client used by engines, and keeps exports narrow: handlers are injected
// through a small interface so tests can substitute fakes. Diagnostics live
// under /-/ and bypass interception entirely.
package server
