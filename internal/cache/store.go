package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// Store 负责管理按代次隔离的响应缓存。磁盘布局遵循：
//
//	<StoragePath>/<Generation>/<path>.body    # 响应正文
//	<StoragePath>/<Generation>/<path>.meta    # 状态码与响应头
//
// 同一 key 的写入遵循 last-write-wins，不保留历史版本。
type Store interface {
	// Get 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*ReadResult, error)

	// Put 将上游响应写入缓存，并产出新的 Entry 描述。实现需通过临时文件 + rename
	// 保证写入原子性，并在失败时清理临时文件。
	Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error)

	// Remove 删除单个条目，不存在时不报错。
	Remove(ctx context.Context, locator Locator) error

	// Generations 枚举当前存在的所有代次标识。
	Generations(ctx context.Context) ([]string, error)

	// DropGeneration 整体移除一个代次及其全部条目。
	DropGeneration(ctx context.Context, generation string) error
}

// PutOptions 携带被缓存响应的元数据。
type PutOptions struct {
	Status  int
	Header  http.Header
	ModTime time.Time
}

// Locator 唯一定位一个缓存条目（代次 + 规范化请求路径）。
type Locator struct {
	Generation string
	Path       string
}

// Entry 表示一次缓存命中结果。
type Entry struct {
	Locator   Locator     `json:"locator"`
	Status    int         `json:"status"`
	Header    http.Header `json:"header"`
	SizeBytes int64       `json:"size_bytes"`
	ModTime   time.Time   `json:"mod_time"`
}

// ReadResult 组合 Entry 与正文 Reader，便于拦截层直接将 Body 返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")
