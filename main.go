package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/shellgate/shellgate/internal/cache"
	"github.com/shellgate/shellgate/internal/config"
	"github.com/shellgate/shellgate/internal/lifecycle"
	"github.com/shellgate/shellgate/internal/logging"
	"github.com/shellgate/shellgate/internal/policy"
	"github.com/shellgate/shellgate/internal/proxy"
	"github.com/shellgate/shellgate/internal/server"
	"github.com/shellgate/shellgate/internal/server/routes"
	"github.com/shellgate/shellgate/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["generation"] = cfg.App.CacheVersion
		fields["manifest_assets"] = len(cfg.App.Manifest)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// CLI 启动遵循“配置 → 磁盘缓存 → 首次部署 → Fiber server”顺序，
	// 保证监听开始前当前代次已完成安装与激活。
	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}

	httpClient := server.NewUpstreamClient(cfg)
	runner, err := lifecycle.NewRunner(engineFactory(store, httpClient, logger), logger)
	if err != nil {
		fmt.Fprintf(stdErr, "构建部署器失败: %v\n", err)
		return 1
	}

	ctx := context.Background()
	if err := runner.Deploy(ctx, cfg.App); err != nil {
		fmt.Fprintf(stdErr, "首次部署失败: %v\n", err)
		return 1
	}
	defer runner.Shutdown()

	if cfg.Global.WatchConfig {
		go func() {
			if err := runner.WatchConfig(ctx, opts.configPath); err != nil && ctx.Err() == nil {
				logger.WithError(err).WithFields(logging.BaseFields("config_watch", opts.configPath)).
					Warn("配置监听退出")
			}
		}()
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["generation"] = cfg.App.CacheVersion
	fields["listen_port"] = cfg.Global.ListenPort
	fields["manifest_assets"] = len(cfg.App.Manifest)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, runner, store, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// engineFactory 为部署器提供按代次构造引擎的能力，所有代次共享同一份
// 存储与上游客户端。
func engineFactory(store cache.Store, client *http.Client, logger *logrus.Logger) lifecycle.EngineFactory {
	return func(app config.AppConfig) (*policy.Engine, error) {
		return policy.New(policy.Options{
			Generation: app.CacheVersion,
			Manifest:   app.Manifest,
			Classifier: policy.Classifier{
				AppDomain:   app.Domain,
				APIPrefixes: app.APIPrefixes,
			},
			ShellUpstream: app.ShellUpstream,
			APIUpstream:   app.APIUpstream,
			Store:         store,
			Client:        client,
			Logger:        logger,
		})
	}
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("shellgate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SHELLGATE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SHELLGATE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(cfg *config.Config, runner *lifecycle.Runner, store cache.Store, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Intercept:  proxy.NewHandler(runner, logger),
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticsRoutes(app, runner, store)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
