package policy

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"

	"github.com/sirupsen/logrus"

	"github.com/shellgate/shellgate/internal/cache"
)

// Request 是脱离宿主框架的拦截请求描述，便于为引擎注入假请求做测试。
// Body 必须是调用方独占的副本，POST/PUT 等回源时原样转发。
type Request struct {
	Method   string
	Host     string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// Response 是引擎对一次拦截的回答。Body 始终是调用方独占的副本。
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	CacheHit bool
	Strategy Strategy
}

// OnIntercept 对单个请求执行分类与派发。返回错误即表示该请求以失败告终，
// 引擎不伪造任何占位响应。
func (e *Engine) OnIntercept(ctx context.Context, req *Request) (*Response, error) {
	if state := e.State(); state != StateActive {
		return nil, ErrNotActive{Current: state}
	}

	strategy := e.classifier.Classify(req)
	locator := e.locatorFor(req)

	switch strategy {
	case StrategyNetworkFirst:
		return e.networkFirst(ctx, req, locator)
	default:
		return e.cacheFirst(ctx, req, locator)
	}
}

// networkFirst 先尝试回源；成功时响应副本进入后台缓存填充，失败时回退到
// 本代次里已有的条目，没有条目则把失败原样透传给调用方。
func (e *Engine) networkFirst(ctx context.Context, req *Request, locator cache.Locator) (*Response, error) {
	resp, err := e.fetchUpstream(ctx, req)
	if err != nil {
		cached, cacheErr := e.cachedResponse(ctx, locator, StrategyNetworkFirst)
		if cacheErr == nil {
			e.logger.WithFields(logrus.Fields{
				"action":     "network_fallback",
				"generation": e.generation,
				"path":       locator.Path,
			}).Info("served_stale_after_network_failure")
			return cached, nil
		}
		if !errors.Is(cacheErr, cache.ErrNotFound) {
			e.logger.WithError(cacheErr).WithFields(logrus.Fields{
				"action":     "network_fallback",
				"generation": e.generation,
				"path":       locator.Path,
			}).Warn("cache_fallback_failed")
		}
		return nil, fmt.Errorf("network fetch failed: %w", err)
	}

	e.maybePopulate(req, locator, resp)
	resp.Strategy = StrategyNetworkFirst
	return resp, nil
}

// cacheFirst 命中即返回且不触发任何网络请求；未命中时回源，
// 回源失败直接透传（该分支不存在可回退的条目）。
func (e *Engine) cacheFirst(ctx context.Context, req *Request, locator cache.Locator) (*Response, error) {
	cached, err := e.cachedResponse(ctx, locator, StrategyCacheFirst)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"action":     "cache_lookup",
			"generation": e.generation,
			"path":       locator.Path,
		}).Warn("cache_get_failed")
	}

	resp, err := e.fetchUpstream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("network fetch failed: %w", err)
	}

	e.maybePopulate(req, locator, resp)
	resp.Strategy = StrategyCacheFirst
	return resp, nil
}

// fetchUpstream 解析目标上游并执行回源，正文被完整读出后返回副本。
func (e *Engine) fetchUpstream(ctx context.Context, req *Request) (*Response, error) {
	target := e.resolveUpstream(req)

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var upstreamBody io.Reader = http.NoBody
	if len(req.Body) > 0 {
		upstreamBody = bytes.NewReader(req.Body)
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, method, target.String(), upstreamBody)
	if err != nil {
		return nil, err
	}
	copyEndToEndHeaders(upstreamReq.Header, req.Header)
	upstreamReq.Header.Del("Accept-Encoding")
	upstreamReq.Host = target.Host
	if len(req.Body) > 0 {
		upstreamReq.ContentLength = int64(len(req.Body))
	}

	resp, err := e.client.Do(upstreamReq)
	if err != nil {
		return nil, err
	}

	// 响应体只能消费一次：先整体读出，返回方与缓存方各用自己的副本。
	body, err := drainBody(resp.Body)
	if err != nil {
		return nil, err
	}

	return &Response{
		Status: resp.StatusCode,
		Header: sanitizedHeader(resp.Header),
		Body:   body,
	}, nil
}

// maybePopulate 把成功的回源响应排入后台填充。写入不在响应路径上等待，
// 失败也不影响本次请求。
func (e *Engine) maybePopulate(req *Request, locator cache.Locator, resp *Response) {
	if !cacheable(req, resp) {
		return
	}

	bodyCopy := append([]byte(nil), resp.Body...)
	e.populator.Enqueue(locator, bodyCopy, cache.PutOptions{
		Status:  resp.Status,
		Header:  resp.Header.Clone(),
		ModTime: extractModTime(resp.Header),
	})
}

// cacheable 保持与原始行为一致：GET + 200 无条件入缓存，不做内容甄别。
func cacheable(req *Request, resp *Response) bool {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	return method == http.MethodGet && resp.Status == http.StatusOK
}

func (e *Engine) cachedResponse(ctx context.Context, locator cache.Locator, strategy Strategy) (*Response, error) {
	result, err := e.store.Get(ctx, locator)
	if err != nil {
		return nil, err
	}
	body, err := drainBody(result.Reader)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if result.Entry.Header != nil {
		header = result.Entry.Header.Clone()
	}

	return &Response{
		Status:   result.Entry.Status,
		Header:   header,
		Body:     body,
		CacheHit: true,
		Strategy: strategy,
	}, nil
}

// resolveUpstream 按分类选择目标：跨源 → 请求自身的源站（路径是否形似 API
// 都不改变目标，与缓存 key 的源站命名空间保持一致）；同源 API 前缀 → API
// 上游；其余 → 应用壳上游。
func (e *Engine) resolveUpstream(req *Request) *url.URL {
	clean := normalizePath(req.Path)

	if e.classifier.CrossOrigin(req.Host) {
		return &url.URL{
			Scheme:   e.externalScheme,
			Host:     req.Host,
			Path:     clean,
			RawQuery: req.RawQuery,
		}
	}

	relative := &url.URL{Path: clean, RawQuery: req.RawQuery}
	if e.classifier.isAPIPath(clean) {
		return e.apiBase.ResolveReference(relative)
	}
	return e.shellBase.ResolveReference(relative)
}

// locatorFor 将请求映射为缓存 key：规范化路径，跨源请求带上源站标记，
// 查询串折叠为 sha1 摘要后缀，保证 key 等价性按规范化 URL 判定。
func (e *Engine) locatorFor(req *Request) cache.Locator {
	clean := normalizePath(req.Path)
	if e.classifier.CrossOrigin(req.Host) {
		clean = "/__origin/" + hostname(req.Host) + clean
	}
	if req.RawQuery != "" {
		sum := sha1.Sum([]byte(req.RawQuery))
		clean = fmt.Sprintf("%s/__qs/%s", clean, hex.EncodeToString(sum[:]))
	}
	return cache.Locator{Generation: e.generation, Path: clean}
}

func normalizePath(raw string) string {
	if raw == "" {
		raw = "/"
	}
	return path.Clean("/" + raw)
}
