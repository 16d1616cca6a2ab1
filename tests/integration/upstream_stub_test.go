package integration

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"
)

// portfolioStub 同时模拟应用壳上游与行情 API 上游：静态路径返回注册的
// 资源，/api/ 路径返回带自增序号的 JSON，便于断言响应来自网络还是缓存。
type portfolioStub struct {
	server   *http.Server
	listener net.Listener
	URL      string

	mu      sync.Mutex
	offline bool
	assets  map[string]stubAsset
	hits    map[string]int
	apiSeq  int
}

type stubAsset struct {
	body        string
	contentType string
}

func newPortfolioStub(t *testing.T) *portfolioStub {
	t.Helper()

	stub := &portfolioStub{
		assets: map[string]stubAsset{
			"/":            {body: "<html>portfolio shell</html>", contentType: "text/html"},
			"/index.html":  {body: "<html>portfolio shell</html>", contentType: "text/html"},
			"/app.js":      {body: "console.log('portfolio')", contentType: "application/javascript"},
			"/styles.css":  {body: "body{margin:0}", contentType: "text/css"},
			"/favicon.ico": {body: "icon-bytes", contentType: "image/x-icon"},
		},
		hits: map[string]int{},
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("unable to start upstream stub listener: %v", err)
	}
	server := &http.Server{Handler: http.HandlerFunc(stub.serve)}

	stub.server = server
	stub.listener = listener
	stub.URL = "http://" + listener.Addr().String()

	go func() {
		_ = server.Serve(listener)
	}()

	return stub
}

func (s *portfolioStub) Close() {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if s.server != nil {
		_ = s.server.Shutdown(ctx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

func (s *portfolioStub) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	offline := s.offline
	s.hits[r.URL.Path]++
	asset, hasAsset := s.assets[r.URL.Path]
	s.apiSeq++
	seq := s.apiSeq
	s.mu.Unlock()

	if offline {
		// 直接挂断连接，让客户端得到传输层错误而非 HTTP 错误状态
		if hijacker, ok := w.(http.Hijacker); ok {
			if conn, _, err := hijacker.Hijack(); err == nil {
				_ = conn.Close()
				return
			}
		}
		panic("stub cannot hijack connection")
	}

	if isAPIPath(r.URL.Path) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"symbol":"AAPL","price":101.5,"seq":%d}`, seq)
		return
	}

	if !hasAsset {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", asset.contentType)
	_, _ = w.Write([]byte(asset.body))
}

// SetOffline 切换上游在线状态，离线期间所有连接都会被立即挂断。
func (s *portfolioStub) SetOffline(offline bool) {
	s.mu.Lock()
	s.offline = offline
	s.mu.Unlock()
}

// Hits 返回某个路径被真实请求的次数。
func (s *portfolioStub) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func isAPIPath(path string) bool {
	return len(path) >= 5 && path[:5] == "/api/"
}
