package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	a := c.App
	if err := validateDomain(a.Domain); err != nil {
		return fmt.Errorf("%s: %w", appField("Domain"), err)
	}
	if err := validateUpstream(a.ShellUpstream); err != nil {
		return fmt.Errorf("%s: %w", appField("ShellUpstream"), err)
	}
	if err := validateUpstream(a.APIUpstream); err != nil {
		return fmt.Errorf("%s: %w", appField("ApiUpstream"), err)
	}
	if err := validateVersion(a.CacheVersion); err != nil {
		return fmt.Errorf("%s: %w", appField("CacheVersion"), err)
	}
	for _, prefix := range a.APIPrefixes {
		if !strings.HasPrefix(prefix, "/") {
			return newFieldError(appField("ApiPrefixes"), "前缀必须以 / 开头: "+prefix)
		}
	}
	if len(a.Manifest) == 0 {
		return newFieldError(appField("Manifest"), "至少需要一个应用壳资源")
	}
	seen := map[string]struct{}{}
	for _, asset := range a.Manifest {
		if !strings.HasPrefix(asset, "/") {
			return newFieldError(appField("Manifest"), "资源路径必须以 / 开头: "+asset)
		}
		if _, exists := seen[asset]; exists {
			return newFieldError(appField("Manifest"), "资源重复: "+asset)
		}
		seen[asset] = struct{}{}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

// validateVersion 保证代次标识可以直接充当缓存目录名。
func validateVersion(version string) error {
	if version == "" {
		return errors.New("不能为空")
	}
	if strings.ContainsAny(version, "/\\ ") {
		return errors.New("不允许包含路径分隔符或空格")
	}
	if version == "." || version == ".." {
		return errors.New("非法代次标识")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
