package config

import "testing"

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
UpstreamTimeout = "boom"

[App]
Domain = "portfolio.local"
ShellUpstream = "http://127.0.0.1:3000"
ApiUpstream = "http://127.0.0.1:5001"
CacheVersion = "v2"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadAcceptsSecondsDuration(t *testing.T) {
	cfg := `
StoragePath = "./data"
UpstreamTimeout = 15

[App]
Domain = "portfolio.local"
ShellUpstream = "http://127.0.0.1:3000"
ApiUpstream = "http://127.0.0.1:5001"
CacheVersion = "v2"
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("纯秒数写法应可解析: %v", err)
	}
	if loaded.Global.UpstreamTimeout.DurationValue().Seconds() != 15 {
		t.Fatalf("UpstreamTimeout 解析错误: %v", loaded.Global.UpstreamTimeout.DurationValue())
	}
}
