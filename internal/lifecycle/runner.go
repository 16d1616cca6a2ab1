package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/shellgate/shellgate/internal/config"
	"github.com/shellgate/shellgate/internal/logging"
	"github.com/shellgate/shellgate/internal/policy"
)

// EngineFactory 按给定应用配置构造一个新代次的引擎。
type EngineFactory func(app config.AppConfig) (*policy.Engine, error)

// Runner 驱动引擎的部署周期：install → activate → 原子切换。
// 同一时刻最多只有一次部署在进行；旧引擎在新代次激活前持续服务。
type Runner struct {
	factory EngineFactory
	logger  *logrus.Logger

	deployMu sync.Mutex
	current  atomic.Pointer[policy.Engine]
}

// NewRunner 构造部署器。
func NewRunner(factory EngineFactory, logger *logrus.Logger) (*Runner, error) {
	if factory == nil {
		return nil, errors.New("engine factory required")
	}
	if logger == nil {
		return nil, errors.New("logger required")
	}
	return &Runner{
		factory: factory,
		logger:  logger,
	}, nil
}

// Current 返回正在服务的引擎；尚无激活代次时返回 nil。
func (r *Runner) Current() *policy.Engine {
	return r.current.Load()
}

// Deploy 安装并激活 app.CacheVersion 指定的代次。代次与当前一致时是 no-op。
// 安装失败时旧引擎原地保留（该次部署被放弃，不自动重试）；安装成功后立即
// 提升新引擎接管后续拦截，不等待旧代次的在途请求结束。
func (r *Runner) Deploy(ctx context.Context, app config.AppConfig) error {
	r.deployMu.Lock()
	defer r.deployMu.Unlock()

	generation := app.CacheVersion
	if old := r.current.Load(); old != nil && old.Generation() == generation {
		return nil
	}

	engine, err := r.factory(app)
	if err != nil {
		return fmt.Errorf("build engine for %s: %w", generation, err)
	}

	if err := engine.OnInstall(ctx); err != nil {
		return fmt.Errorf("deploy %s: %w", generation, err)
	}
	if err := engine.OnActivate(ctx); err != nil {
		return fmt.Errorf("deploy %s: %w", generation, err)
	}

	old := r.current.Swap(engine)
	if old != nil {
		old.Retire()
		// 旧引擎可能还有在途的后台填充，异步排空后即可回收
		go old.Drain()
	}

	fields := logging.LifecycleFields("deploy", generation)
	if old != nil {
		fields["superseded"] = old.Generation()
	}
	r.logger.WithFields(fields).Info("generation_deployed")
	return nil
}

// Shutdown 等待当前引擎的后台写入全部落盘。
func (r *Runner) Shutdown() {
	if engine := r.current.Load(); engine != nil {
		engine.Drain()
	}
}
