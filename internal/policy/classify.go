package policy

import (
	"net"
	"strings"
)

// Strategy 是请求分类的结果，决定缓存与网络的先后次序。
type Strategy string

const (
	// StrategyNetworkFirst 先走网络，失败时回退缓存。
	StrategyNetworkFirst Strategy = "network-first"
	// StrategyCacheFirst 先查缓存，未命中才走网络。
	StrategyCacheFirst Strategy = "cache-first"
)

// Classifier 根据 URL 路径前缀与来源 Host 对请求做无状态分类。
// 分类结果不持久化，每次拦截重新推导。
type Classifier struct {
	// AppDomain 是页面自身域名；Host 与其不同的请求一律按跨源处理。
	AppDomain string
	// APIPrefixes 命中任一前缀的路径按动态接口处理。
	APIPrefixes []string
}

// Classify 输出请求适用的策略：API 前缀或跨源 → network-first，
// 其余同源静态资源 → cache-first。
func (c Classifier) Classify(req *Request) Strategy {
	if c.isAPIPath(req.Path) || c.CrossOrigin(req.Host) {
		return StrategyNetworkFirst
	}
	return StrategyCacheFirst
}

// CrossOrigin 判断请求 Host 是否不属于应用自身域名。端口差异不算跨源。
func (c Classifier) CrossOrigin(host string) bool {
	if host == "" || c.AppDomain == "" {
		return false
	}
	return !strings.EqualFold(hostname(host), hostname(c.AppDomain))
}

func (c Classifier) isAPIPath(path string) bool {
	for _, prefix := range c.APIPrefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// hostname 去掉端口部分，容忍裸主机名。
func hostname(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}
