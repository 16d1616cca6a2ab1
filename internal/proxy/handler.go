package proxy

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/shellgate/shellgate/internal/logging"
	"github.com/shellgate/shellgate/internal/policy"
	"github.com/shellgate/shellgate/internal/server"
)

// EngineProvider 返回当前应答拦截的引擎；部署器在代次切换时原子替换它。
type EngineProvider interface {
	Current() *policy.Engine
}

// Handler 将 Fiber 请求转换为引擎拦截请求，并把引擎的回答写回客户端，
// 请求方无从分辨响应来自缓存还是网络（除诊断头外）。
type Handler struct {
	provider EngineProvider
	logger   *logrus.Logger
}

// NewHandler constructs an intercept handler backed by the engine provider.
func NewHandler(provider EngineProvider, logger *logrus.Logger) *Handler {
	return &Handler{
		provider: provider,
		logger:   logger,
	}
}

// Handle 执行分类、策略派发与最终写回，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	engine := h.provider.Current()
	if engine == nil {
		h.logUnavailable(requestID)
		return writeError(c, fiber.StatusServiceUnavailable, "engine_unavailable")
	}

	req := buildInterceptRequest(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	resp, err := engine.OnIntercept(ctx, req)
	if err != nil {
		h.logResult(engine, req, requestID, 0, "", false, started, err)
		var notActive policy.ErrNotActive
		if errors.As(err, &notActive) {
			return writeError(c, fiber.StatusServiceUnavailable, "engine_not_active")
		}
		return writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	writeInterceptResponse(c, engine, resp, requestID)
	h.logResult(engine, req, requestID, resp.Status, resp.Strategy, resp.CacheHit, started, nil)
	return nil
}

// buildInterceptRequest 从 Fiber 上下文提取引擎需要的请求描述，
// 并补齐转发链路头。
func buildInterceptRequest(c fiber.Ctx) *policy.Request {
	uri := c.Request().URI()

	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})

	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}
	header.Set("X-Forwarded-Host", c.Hostname())
	header.Set("X-Forwarded-Proto", c.Protocol())

	// Fiber 复用请求缓冲区，正文必须复制后才能交给引擎
	var body []byte
	if raw := c.Body(); len(raw) > 0 {
		body = append([]byte(nil), raw...)
	}

	return &policy.Request{
		Method:   c.Method(),
		Host:     hostHeader(c),
		Path:     string(uri.Path()),
		RawQuery: string(uri.QueryString()),
		Header:   header,
		Body:     body,
	}
}

func writeInterceptResponse(c fiber.Ctx, engine *policy.Engine, resp *policy.Response, requestID string) {
	for key, values := range resp.Header {
		if policy.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}

	c.Set("X-Shellgate-Generation", engine.Generation())
	c.Set("X-Shellgate-Strategy", string(resp.Strategy))
	if resp.CacheHit {
		c.Set("X-Shellgate-Cache-Hit", "true")
	} else {
		c.Set("X-Shellgate-Cache-Hit", "false")
	}
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}

	c.Response().Header.SetContentLength(len(resp.Body))
	c.Status(resp.Status)

	if c.Method() == http.MethodHead {
		return
	}
	_, _ = c.Response().BodyWriter().Write(resp.Body)
}

func hostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	engine *policy.Engine,
	req *policy.Request,
	requestID string,
	status int,
	strategy policy.Strategy,
	cacheHit bool,
	started time.Time,
	err error,
) {
	fields := logging.InterceptFields(engine.Generation(), string(strategy), req.Path, cacheHit)
	fields["action"] = "intercept"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("intercept_failed")
		return
	}
	h.logger.WithFields(fields).Info("intercept_complete")
}

func (h *Handler) logUnavailable(requestID string) {
	fields := logrus.Fields{
		"action": "intercept",
		"error":  "engine_unavailable",
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	h.logger.WithFields(fields).Error("no active generation")
}
