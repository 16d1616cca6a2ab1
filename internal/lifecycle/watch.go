package lifecycle

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/shellgate/shellgate/internal/config"
)

// WatchConfig 监听配置文件变化，CacheVersion 变更即视为一次新部署：
// 为新代次安装并激活引擎，旧代次在切换完成前继续服务。编辑器通常以
// rename+create 方式落盘，所以监听配置所在目录而不是文件本身。
func (r *Runner) WatchConfig(ctx context.Context, configPath string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(configPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(configPath)
	r.logger.WithFields(logrus.Fields{
		"action": "config_watch",
		"path":   target,
	}).Info("config_watch_started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			r.handleConfigChange(ctx, target)
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.WithError(watchErr).WithFields(logrus.Fields{
				"action": "config_watch",
			}).Warn("config_watch_error")
		}
	}
}

func (r *Runner) handleConfigChange(ctx context.Context, configPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"action": "config_reload",
			"path":   configPath,
		}).Warn("config_reload_failed")
		return
	}

	current := r.Current()
	if current != nil && current.Generation() == cfg.App.CacheVersion {
		return
	}

	if err := r.Deploy(ctx, cfg.App); err != nil {
		// 失败的部署被放弃，旧代次继续服务
		r.logger.WithError(err).WithFields(logrus.Fields{
			"action":     "config_reload",
			"generation": cfg.App.CacheVersion,
		}).Error("generation_deploy_failed")
	}
}
