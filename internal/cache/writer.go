package cache

import (
	"bytes"
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Populator 封装缓存填充的副作用语义：写入在后台进行，绝不阻塞响应路径，
// 写入失败只记录日志、静默丢弃。Drain 供停机与测试等待未完成的写入。
type Populator struct {
	store  Store
	logger *logrus.Logger
	wg     sync.WaitGroup
}

// NewPopulator 构造后台写入器。store 为 nil 时 Enqueue 退化为 no-op。
func NewPopulator(store Store, logger *logrus.Logger) *Populator {
	return &Populator{
		store:  store,
		logger: logger,
	}
}

// Enqueue 异步写入一份响应副本。body 必须是调用方独占的副本，
// 写入使用独立 context，请求被取消不会中断已入队的填充。
func (p *Populator) Enqueue(locator Locator, body []byte, opts PutOptions) {
	if p.store == nil {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if _, err := p.store.Put(context.Background(), locator, bytes.NewReader(body), opts); err != nil {
			if p.logger != nil {
				p.logger.WithError(err).WithFields(logrus.Fields{
					"action":     "cache_populate",
					"generation": locator.Generation,
					"path":       locator.Path,
				}).Warn("cache_populate_failed")
			}
		}
	}()
}

// Drain 等待所有已入队的填充写入结束。
func (p *Populator) Drain() {
	p.wg.Wait()
}
