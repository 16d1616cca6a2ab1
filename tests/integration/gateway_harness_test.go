package integration

import (
	"context"
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
	"github.com/shellgate/shellgate/internal/proxy"
	"github.com/shellgate/shellgate/internal/server"
	"github.com/shellgate/shellgate/internal/server/routes"
)

const gatewayDomain = "portfolio.local"

// gateway 把网关的全部组件按生产装配方式拼起来，供集成测试复用。
type gateway struct {
	app        *fiber.App
	runner     *lifecycle.Runner
	store      cache.Store
	storageDir string
	stub       *portfolioStub
}

func newGateway(t *testing.T, storageDir string, stub *portfolioStub) *gateway {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store, err := cache.NewStore(storageDir)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}

	client := server.NewUpstreamClient(nil)
	factory := func(app config.AppConfig) (*policy.Engine, error) {
		return policy.New(policy.Options{
			Generation: app.CacheVersion,
			Manifest:   app.Manifest,
			Classifier: policy.Classifier{
				AppDomain:   app.Domain,
				APIPrefixes: app.APIPrefixes,
			},
			ShellUpstream:  app.ShellUpstream,
			APIUpstream:    app.APIUpstream,
			ExternalScheme: "http",
			Store:          store,
			Client:         client,
			Logger:         logger,
		})
	}

	runner, err := lifecycle.NewRunner(factory, logger)
	if err != nil {
		t.Fatalf("runner error: %v", err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Intercept:  proxy.NewHandler(runner, logger),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	routes.RegisterDiagnosticsRoutes(app, runner, store)

	g := &gateway{
		app:        app,
		runner:     runner,
		store:      store,
		storageDir: storageDir,
		stub:       stub,
	}
	t.Cleanup(runner.Shutdown)
	return g
}

func (g *gateway) deploy(t *testing.T, version string, manifest []string) {
	t.Helper()

	appCfg := config.AppConfig{
		Domain:        gatewayDomain,
		ShellUpstream: g.stub.URL,
		APIUpstream:   g.stub.URL,
		APIPrefixes:   []string{"/api/"},
		CacheVersion:  version,
		Manifest:      manifest,
	}
	if err := g.runner.Deploy(context.Background(), appCfg); err != nil {
		t.Fatalf("deploy %s error: %v", version, err)
	}
}

func (g *gateway) get(t *testing.T, path string) *http.Response {
	t.Helper()

	req := httptest.NewRequest("GET", "http://"+gatewayDomain+path, nil)
	req.Host = gatewayDomain
	resp, err := g.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	return resp
}

// drain 等待在途的后台缓存填充完成，之后才能对缓存内容做断言。
func (g *gateway) drain() {
	if engine := g.runner.Current(); engine != nil {
		engine.Drain()
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()

	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body error: %v", err)
	}
	return string(body)
}
