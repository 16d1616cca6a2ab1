// Package cache defines the generation-addressed response store backing the
// cache policy engine. Each generation (one deployed version of the fronted
// app) owns an isolated key space of request-path -> stored-response pairs, so
// an old and a new generation can coexist while a deployment overlaps. The
// disk store translates entries into StoragePath/<generation>/<path> files
// with safe write semantics (temp file + rename) plus a JSON sidecar carrying
// response status and headers so cached responses replay byte-for-byte. An
// in-memory store with identical semantics exists for tests and ephemeral
// deployments.
package cache
