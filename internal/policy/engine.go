package policy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/shellgate/shellgate/internal/cache"
	"github.com/shellgate/shellgate/internal/logging"
)

// installConcurrency 限制安装阶段同时进行的清单预取数。
const installConcurrency = 4

// Options 描述构造引擎所需的全部依赖，均显式注入以便测试替换。
type Options struct {
	// Generation 是引擎独占的缓存代次标识。
	Generation string
	// Manifest 列出安装阶段必须全部预取成功的应用壳资源。
	Manifest []string
	// Classifier 决定逐请求的策略。
	Classifier Classifier
	// ShellUpstream/APIUpstream 是两个协作方的基础地址。
	ShellUpstream string
	APIUpstream   string
	// ExternalScheme 用于跨源请求回源时拼接目标地址，默认 https。
	ExternalScheme string
	Store          cache.Store
	Client         *http.Client
	Logger         *logrus.Logger
}

// Engine 是缓存策略引擎：独占一个代次，按生命周期推进，
// 激活后对每个拦截请求执行 network-first 或 cache-first 策略。
type Engine struct {
	generation     string
	manifest       []string
	classifier     Classifier
	shellBase      *url.URL
	apiBase        *url.URL
	externalScheme string

	store     cache.Store
	client    *http.Client
	populator *cache.Populator
	logger    *logrus.Logger

	mu    sync.Mutex
	state State
}

// New 构造处于 installing 状态的引擎；调用方随后应执行 OnInstall。
func New(opts Options) (*Engine, error) {
	if opts.Generation == "" {
		return nil, errors.New("generation required")
	}
	if opts.Store == nil {
		return nil, errors.New("cache store required")
	}
	if opts.Client == nil {
		return nil, errors.New("http client required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger required")
	}

	shellBase, err := url.Parse(opts.ShellUpstream)
	if err != nil {
		return nil, fmt.Errorf("parse shell upstream: %w", err)
	}
	apiBase, err := url.Parse(opts.APIUpstream)
	if err != nil {
		return nil, fmt.Errorf("parse api upstream: %w", err)
	}

	scheme := opts.ExternalScheme
	if scheme == "" {
		scheme = "https"
	}

	return &Engine{
		generation:     opts.Generation,
		manifest:       append([]string(nil), opts.Manifest...),
		classifier:     opts.Classifier,
		shellBase:      shellBase,
		apiBase:        apiBase,
		externalScheme: scheme,
		store:          opts.Store,
		client:         opts.Client,
		populator:      cache.NewPopulator(opts.Store, opts.Logger),
		logger:         opts.Logger,
		state:          StateInstalling,
	}, nil
}

// Generation 返回引擎独占的代次标识。
func (e *Engine) Generation() string {
	return e.generation
}

// Manifest 返回安装清单的副本，供诊断端展示。
func (e *Engine) Manifest() []string {
	return append([]string(nil), e.manifest...)
}

// State 返回当前生命周期状态。
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(next State) {
	e.mu.Lock()
	e.state = next
	e.mu.Unlock()
}

// OnInstall 预取清单中的全部应用壳资源并写入本代次缓存。任何一项失败都会
// 使安装整体失败：部分写入的代次被丢弃，旧代次继续服务。安装是被宿主等待的
// 同步过程（宿主的 waitUntil 语义），这里不做后台化。
func (e *Engine) OnInstall(ctx context.Context) error {
	fields := logging.LifecycleFields("install", e.generation)
	fields["assets"] = len(e.manifest)
	e.logger.WithFields(fields).Info("install_started")

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(installConcurrency)
	for _, asset := range e.manifest {
		asset := asset
		g.Go(func() error {
			return e.installAsset(groupCtx, asset)
		})
	}

	if err := g.Wait(); err != nil {
		// 丢弃半成品代次；用独立 context，即使调用方已取消也要完成清理。
		if dropErr := e.store.DropGeneration(context.Background(), e.generation); dropErr != nil {
			e.logger.WithError(dropErr).WithFields(logging.LifecycleFields("install", e.generation)).
				Warn("install_cleanup_failed")
		}
		e.setState(StateRedundant)
		e.logger.WithError(err).WithFields(logging.LifecycleFields("install", e.generation)).
			Error("install_failed")
		return fmt.Errorf("install generation %s: %w", e.generation, err)
	}

	e.setState(StateWaiting)
	e.logger.WithFields(logging.LifecycleFields("install", e.generation)).Info("install_complete")
	return nil
}

func (e *Engine) installAsset(ctx context.Context, asset string) error {
	target := e.shellBase.ResolveReference(&url.URL{Path: asset})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", asset, err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", asset, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: unexpected status %d", asset, resp.StatusCode)
	}

	locator := cache.Locator{Generation: e.generation, Path: normalizePath(asset)}
	opts := cache.PutOptions{
		Status:  resp.StatusCode,
		Header:  sanitizedHeader(resp.Header),
		ModTime: extractModTime(resp.Header),
	}
	if _, err := e.store.Put(ctx, locator, resp.Body, opts); err != nil {
		return fmt.Errorf("store %s: %w", asset, err)
	}
	return nil
}

// OnActivate 枚举存储中的所有代次，删除除自身以外的每一个。单个删除失败
// 只记录日志并继续，既不阻塞其余删除也不阻塞激活本身。
func (e *Engine) OnActivate(ctx context.Context) error {
	e.setState(StateActivating)
	e.logger.WithFields(logging.LifecycleFields("activate", e.generation)).Info("activate_started")

	generations, err := e.store.Generations(ctx)
	if err != nil {
		e.setState(StateWaiting)
		return fmt.Errorf("enumerate generations: %w", err)
	}

	evicted := 0
	for _, generation := range generations {
		if generation == e.generation {
			continue
		}
		if err := e.store.DropGeneration(ctx, generation); err != nil {
			fields := logging.LifecycleFields("activate", e.generation)
			fields["stale_generation"] = generation
			e.logger.WithError(err).WithFields(fields).Warn("stale_generation_evict_failed")
			continue
		}
		evicted++
	}

	e.setState(StateActive)
	fields := logging.LifecycleFields("activate", e.generation)
	fields["evicted"] = evicted
	e.logger.WithFields(fields).Info("activate_complete")
	return nil
}

// Retire 在引擎被新代次取代后调用，之后的拦截一律拒绝。
func (e *Engine) Retire() {
	e.setState(StateRedundant)
	e.logger.WithFields(logging.LifecycleFields("retire", e.generation)).Info("engine_retired")
}

// Drain 等待所有后台缓存填充写入完成，用于停机与测试。
func (e *Engine) Drain() {
	e.populator.Drain()
}

// sanitizedHeader 复制响应头并剥离 hop-by-hop 字段，结果可安全持久化。
func sanitizedHeader(src http.Header) http.Header {
	dst := http.Header{}
	copyEndToEndHeaders(dst, src)
	return dst
}

func extractModTime(header http.Header) time.Time {
	if last := header.Get("Last-Modified"); last != "" {
		if parsed, err := http.ParseTime(last); err == nil {
			return parsed.UTC()
		}
	}
	return time.Now().UTC()
}

// drainBody 读取并关闭上游响应体，响应体只能被消费一次，
// 之后的返回与缓存双方都使用各自的副本。
func drainBody(body io.ReadCloser) ([]byte, error) {
	defer body.Close()
	return io.ReadAll(body)
}
