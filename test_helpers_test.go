package main

import (
	"path/filepath"
	"testing"
)

// configFixture returns the path of a config fixture under testdata/.
func configFixture(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}
