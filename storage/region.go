// storage/region.go
package storage

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-redis/redis/v8"
)

// DefaultRegionPath tmpfs上的文件：进程重启（软复位）后保留，断电丢失
const DefaultRegionPath = "/dev/shm/allsky.rtc"

// Region 软复位后保留、断电丢失的字节区域
// Load 在区域为空时返回 (nil, nil)
type Region interface {
	Load(ctx context.Context) ([]byte, error)
	Store(ctx context.Context, data []byte) error
}

// MemoryRegion 同一进程内保留，测试中用于模拟软复位
type MemoryRegion struct {
	mu   sync.Mutex
	data []byte
}

func NewMemoryRegion() *MemoryRegion {
	return &MemoryRegion{}
}

func (r *MemoryRegion) Load(ctx context.Context) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data == nil {
		return nil, nil
	}
	return append([]byte(nil), r.data...), nil
}

func (r *MemoryRegion) Store(ctx context.Context, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data[:0], data...)
	return nil
}

// FileRegion 先写临时文件再重命名，避免写一半时崩溃留下残缺镜像
type FileRegion struct {
	path string
}

func NewFileRegion(path string) *FileRegion {
	if path == "" {
		path = DefaultRegionPath
	}
	return &FileRegion{path: path}
}

func (r *FileRegion) Load(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

func (r *FileRegion) Store(ctx context.Context, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}

// RedisRegion 适用于未开启持久化的redis实例
type RedisRegion struct {
	client *redis.Client
	key    string
}

func NewRedisRegion(cfg RedisConfig, key string) *RedisRegion {
	if key == "" {
		key = "allsky:rtc"
	}
	if cfg.Prefix != "" {
		key = cfg.Prefix + ":" + key
	}
	return &RedisRegion{client: newRedisClient(cfg), key: key}
}

func (r *RedisRegion) Load(ctx context.Context) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return data, err
}

func (r *RedisRegion) Store(ctx context.Context, data []byte) error {
	return r.client.Set(ctx, r.key, data, 0).Err()
}

func (r *RedisRegion) Close() error {
	return r.client.Close()
}
