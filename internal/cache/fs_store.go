package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	bodySuffix = ".body"
	metaSuffix = ".meta"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一 Locator 并发写入，同时复用 basePath。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// entryMeta 是 .meta sidecar 的序列化形式。
type entryMeta struct {
	Status int         `json:"status"`
	Header http.Header `json:"header"`
}

func (s *fileStore) Get(ctx context.Context, locator Locator) (*ReadResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	// 与 Put 共用条目锁，避免读到正文与 sidecar 不配套的中间状态
	unlock, err := s.lockEntry(locator)
	if err != nil {
		return nil, err
	}
	defer unlock()

	bodyPath, err := s.entryPath(locator, bodySuffix)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	meta, err := s.readMeta(locator)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	entry := Entry{
		Locator:   locator,
		Status:    meta.Status,
		Header:    meta.Header,
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
	}

	return &ReadResult{
		Entry:  entry,
		Reader: f,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error) {
	unlock, err := s.lockEntry(locator)
	if err != nil {
		return nil, err
	}
	defer unlock()

	bodyPath, err := s.entryPath(locator, bodySuffix)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(bodyPath), 0o755); err != nil {
		return nil, err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(bodyPath), ".cache-*")
	if err != nil {
		return nil, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return nil, err
	}

	if err := os.Rename(tempName, bodyPath); err != nil {
		os.Remove(tempName)
		return nil, err
	}

	// 正文先就位再写 sidecar；sidecar 失败时撤下正文，条目整体回到不存在
	if err := s.writeMeta(locator, opts); err != nil {
		os.Remove(bodyPath)
		return nil, err
	}

	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = time.Now().UTC()
	}
	if err := os.Chtimes(bodyPath, modTime, modTime); err != nil {
		return nil, err
	}

	entry := Entry{
		Locator:   locator,
		Status:    normalizeStatus(opts.Status),
		Header:    opts.Header,
		SizeBytes: written,
		ModTime:   modTime,
	}
	return &entry, nil
}

func (s *fileStore) Remove(ctx context.Context, locator Locator) error {
	unlock, err := s.lockEntry(locator)
	if err != nil {
		return err
	}
	defer unlock()

	bodyPath, err := s.entryPath(locator, bodySuffix)
	if err != nil {
		return err
	}
	metaPath, err := s.entryPath(locator, metaSuffix)
	if err != nil {
		return err
	}
	if err := os.Remove(bodyPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Remove(metaPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) Generations(ctx context.Context) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var generations []string
	for _, entry := range entries {
		if entry.IsDir() {
			generations = append(generations, entry.Name())
		}
	}
	return generations, nil
}

func (s *fileStore) DropGeneration(ctx context.Context, generation string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := validGeneration(generation); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(s.basePath, generation))
}

func (s *fileStore) readMeta(locator Locator) (entryMeta, error) {
	metaPath, err := s.entryPath(locator, metaSuffix)
	if err != nil {
		return entryMeta{}, err
	}
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// 老条目可能缺少 sidecar，按 200 无头处理
			return entryMeta{Status: http.StatusOK}, nil
		}
		return entryMeta{}, err
	}
	var meta entryMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return entryMeta{}, fmt.Errorf("decode cache metadata: %w", err)
	}
	if meta.Status == 0 {
		meta.Status = http.StatusOK
	}
	return meta, nil
}

func (s *fileStore) writeMeta(locator Locator, opts PutOptions) error {
	metaPath, err := s.entryPath(locator, metaSuffix)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(entryMeta{
		Status: normalizeStatus(opts.Status),
		Header: opts.Header,
	})
	if err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(metaPath), ".meta-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	_, writeErr := tempFile.Write(raw)
	closeErr := tempFile.Close()
	if writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		os.Remove(tempName)
		return writeErr
	}
	if err := os.Rename(tempName, metaPath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (s *fileStore) lockEntry(locator Locator) (func(), error) {
	key := locatorKey(locator)
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}, nil
}

func (s *fileStore) entryPath(locator Locator, suffix string) (string, error) {
	if err := validGeneration(locator.Generation); err != nil {
		return "", err
	}

	rel := locator.Path
	if rel == "" || rel == "/" {
		rel = "root"
	}
	rel = path.Clean("/" + rel)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		rel = "root"
	}

	genDir := filepath.Join(s.basePath, locator.Generation)
	filePath := filepath.Join(genDir, filepath.FromSlash(rel)+suffix)
	if !strings.HasPrefix(filePath, genDir) {
		return "", errors.New("invalid cache path")
	}
	return filePath, nil
}

func validGeneration(generation string) error {
	if generation == "" {
		return errors.New("generation required")
	}
	if strings.ContainsAny(generation, "/\\") || generation == "." || generation == ".." {
		return fmt.Errorf("invalid generation name: %s", generation)
	}
	return nil
}

func normalizeStatus(status int) int {
	if status == 0 {
		return http.StatusOK
	}
	return status
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

func locatorKey(locator Locator) string {
	return locator.Generation + "::" + locator.Path
}
