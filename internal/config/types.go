package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述网关的全局运行时行为。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	WatchConfig     bool     `mapstructure:"WatchConfig"`
}

// AppConfig 描述被代理的前端应用：静态 shell、行情 API 以及缓存代次参数。
type AppConfig struct {
	// Domain 是页面自身的访问域名；Host 与其不一致的请求按跨源处理。
	Domain string `mapstructure:"Domain"`
	// ShellUpstream 提供应用壳（index.html、manifest.json 等静态资源）。
	ShellUpstream string `mapstructure:"ShellUpstream"`
	// APIUpstream 提供行情/组合数据接口。
	APIUpstream string `mapstructure:"ApiUpstream"`
	// APIPrefixes 下的路径走 network-first 策略，默认只有 /api/。
	APIPrefixes []string `mapstructure:"ApiPrefixes"`
	// CacheVersion 是当前缓存代次标识，随每次部署递增。
	CacheVersion string `mapstructure:"CacheVersion"`
	// Manifest 列出安装阶段必须预取的应用壳 URL。
	Manifest []string `mapstructure:"Manifest"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	App    AppConfig    `mapstructure:"App"`
}
