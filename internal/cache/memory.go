package cache

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"
)

// NewMemoryStore 返回纯内存实现，契约与磁盘 Store 一致。
// 策略引擎的单元测试与无持久化需求的部署使用它。
func NewMemoryStore() Store {
	return &memoryStore{
		entries: make(map[string]memoryEntry),
	}
}

type memoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	locator Locator
	status  int
	header  http.Header
	body    []byte
	modTime time.Time
}

func (s *memoryStore) Get(ctx context.Context, locator Locator) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	entry, ok := s.entries[locatorKey(locator)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	return &ReadResult{
		Entry: Entry{
			Locator:   entry.locator,
			Status:    entry.status,
			Header:    entry.header.Clone(),
			SizeBytes: int64(len(entry.body)),
			ModTime:   entry.modTime,
		},
		Reader: nopReadSeekCloser{bytes.NewReader(entry.body)},
	}, nil
}

func (s *memoryStore) Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validGeneration(locator.Generation); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}

	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = time.Now().UTC()
	}

	stored := memoryEntry{
		locator: locator,
		status:  normalizeStatus(opts.Status),
		header:  opts.Header.Clone(),
		body:    data,
		modTime: modTime,
	}

	s.mu.Lock()
	s.entries[locatorKey(locator)] = stored
	s.mu.Unlock()

	return &Entry{
		Locator:   locator,
		Status:    stored.status,
		Header:    stored.header,
		SizeBytes: int64(len(data)),
		ModTime:   modTime,
	}, nil
}

func (s *memoryStore) Remove(ctx context.Context, locator Locator) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.entries, locatorKey(locator))
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Generations(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[string]struct{}{}
	var generations []string
	for _, entry := range s.entries {
		if _, ok := seen[entry.locator.Generation]; ok {
			continue
		}
		seen[entry.locator.Generation] = struct{}{}
		generations = append(generations, entry.locator.Generation)
	}
	return generations, nil
}

func (s *memoryStore) DropGeneration(ctx context.Context, generation string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validGeneration(generation); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.entries {
		if entry.locator.Generation == generation {
			delete(s.entries, key)
		}
	}
	return nil
}

type nopReadSeekCloser struct {
	*bytes.Reader
}

func (nopReadSeekCloser) Close() error { return nil }
