package routes

import (
	"sort"

	"github.com/gofiber/fiber/v3"

	"github.com/shellgate/shellgate/internal/cache"
	"github.com/shellgate/shellgate/internal/lifecycle"
	"github.com/shellgate/shellgate/internal/version"
)

// RegisterDiagnosticsRoutes 暴露 /-/status 与 /-/generations 诊断接口，
// 供运维确认当前代次、引擎状态与磁盘上遗留的代次。
func RegisterDiagnosticsRoutes(app *fiber.App, runner *lifecycle.Runner, store cache.Store) {
	if app == nil || runner == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		payload := fiber.Map{
			"version": version.Full(),
		}
		if engine := runner.Current(); engine != nil {
			payload["generation"] = engine.Generation()
			payload["state"] = string(engine.State())
			payload["manifest"] = engine.Manifest()
		} else {
			payload["state"] = "none"
		}
		return c.JSON(payload)
	})

	app.Get("/-/generations", func(c fiber.Ctx) error {
		if store == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "store_unavailable"})
		}
		generations, err := store.Generations(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "generation_enumeration_failed"})
		}
		sort.Strings(generations)

		payload := fiber.Map{"generations": generations}
		if engine := runner.Current(); engine != nil {
			payload["current"] = engine.Generation()
		}
		return c.JSON(payload)
	})
}
