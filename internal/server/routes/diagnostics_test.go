package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/shellgate/shellgate/internal/cache"
	"github.com/shellgate/shellgate/internal/config"
	"github.com/shellgate/shellgate/internal/lifecycle"
	"github.com/shellgate/shellgate/internal/policy"
)

func TestStatusReportsNoneBeforeFirstDeploy(t *testing.T) {
	store := cache.NewMemoryStore()
	runner := newDiagnosticsRunner(t, store, "")
	app := newDiagnosticsApp(runner, store)

	payload := getJSON(t, app, "/-/status")

	if payload["state"] != "none" {
		t.Fatalf("expected state none before deploy, got %v", payload["state"])
	}
	if _, ok := payload["generation"]; ok {
		t.Fatalf("generation should be absent before deploy")
	}
}

func TestStatusReportsActiveGeneration(t *testing.T) {
	shell := newShellStub()
	defer shell.Close()

	store := cache.NewMemoryStore()
	runner := newDiagnosticsRunner(t, store, shell.URL)
	deploy(t, runner, "v3")
	app := newDiagnosticsApp(runner, store)

	payload := getJSON(t, app, "/-/status")

	if payload["generation"] != "v3" {
		t.Fatalf("expected generation v3, got %v", payload["generation"])
	}
	if payload["state"] != string(policy.StateActive) {
		t.Fatalf("expected active state, got %v", payload["state"])
	}
	if _, ok := payload["manifest"]; !ok {
		t.Fatalf("expected manifest in status payload")
	}
}

func TestGenerationsListsStoreContents(t *testing.T) {
	shell := newShellStub()
	defer shell.Close()

	store := cache.NewMemoryStore()
	runner := newDiagnosticsRunner(t, store, shell.URL)
	deploy(t, runner, "v1")
	app := newDiagnosticsApp(runner, store)

	payload := getJSON(t, app, "/-/generations")

	if payload["current"] != "v1" {
		t.Fatalf("expected current v1, got %v", payload["current"])
	}
	generations, ok := payload["generations"].([]any)
	if !ok {
		t.Fatalf("generations should be an array, got %T", payload["generations"])
	}
	if len(generations) != 1 || generations[0] != "v1" {
		t.Fatalf("unexpected generations: %v", generations)
	}
}

func newDiagnosticsRunner(t *testing.T, store cache.Store, shellURL string) *lifecycle.Runner {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	factory := func(app config.AppConfig) (*policy.Engine, error) {
		return policy.New(policy.Options{
			Generation: app.CacheVersion,
			Manifest:   app.Manifest,
			Classifier: policy.Classifier{
				AppDomain:   app.Domain,
				APIPrefixes: app.APIPrefixes,
			},
			ShellUpstream:  shellURL,
			APIUpstream:    shellURL,
			ExternalScheme: "http",
			Store:          store,
			Client:         http.DefaultClient,
			Logger:         logger,
		})
	}

	runner, err := lifecycle.NewRunner(factory, logger)
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}
	return runner
}

func deploy(t *testing.T, runner *lifecycle.Runner, version string) {
	t.Helper()

	app := config.AppConfig{
		Domain:       "portfolio.local",
		APIPrefixes:  []string{"/api/"},
		CacheVersion: version,
		Manifest:     []string{"/", "/index.html"},
	}
	if err := runner.Deploy(context.Background(), app); err != nil {
		t.Fatalf("Deploy %s failed: %v", version, err)
	}
}

func newDiagnosticsApp(runner *lifecycle.Runner, store cache.Store) *fiber.App {
	app := fiber.New()
	RegisterDiagnosticsRoutes(app, runner, store)
	return app
}

func getJSON(t *testing.T, app *fiber.App, path string) map[string]any {
	t.Helper()

	req := httptest.NewRequest("GET", "http://portfolio.local"+path, nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for %s, got %d", path, resp.StatusCode)
	}

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode payload failed: %v", err)
	}
	return payload
}

func newShellStub() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("shell asset"))
	}))
}
