package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrKeyNotFound = errors.New("key not found")
	ErrReadOnly    = errors.New("namespace opened read-only")
	ErrClosed      = errors.New("namespace closed")
)

// Backend 持久化键值存储（对应设备上的NVS闪存分区）
type Backend interface {
	// Prepare 创建命名空间，已存在时无操作
	Prepare(ctx context.Context, namespace string) error
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Put(ctx context.Context, namespace, key string, value []byte) error
	// PutMany 在同一事务中写入，要么全部生效要么都不生效
	PutMany(ctx context.Context, namespace string, values map[string][]byte) error
	Delete(ctx context.Context, namespace, key string) error
	Close() error
}

// Store 按命名空间打开的键值存储
type Store struct {
	backend Backend
}

func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

func (s *Store) Open(ctx context.Context, namespace string, readOnly bool) (*Namespace, error) {
	if !readOnly {
		if err := s.backend.Prepare(ctx, namespace); err != nil {
			return nil, fmt.Errorf("prepare namespace %s: %w", namespace, err)
		}
	}
	return &Namespace{backend: s.backend, name: namespace, readOnly: readOnly}, nil
}

func (s *Store) Close() error {
	return s.backend.Close()
}

type Namespace struct {
	backend  Backend
	name     string
	readOnly bool
	closed   bool
}

func (n *Namespace) Name() string { return n.name }

func (n *Namespace) GetBytes(ctx context.Context, key string) ([]byte, error) {
	if n.closed {
		return nil, ErrClosed
	}
	return n.backend.Get(ctx, n.name, key)
}

func (n *Namespace) PutBytes(ctx context.Context, key string, value []byte) error {
	if err := n.writable(); err != nil {
		return err
	}
	return n.backend.Put(ctx, n.name, key, value)
}

func (n *Namespace) GetString(ctx context.Context, key string) (string, error) {
	data, err := n.GetBytes(ctx, key)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (n *Namespace) PutString(ctx context.Context, key, value string) error {
	return n.PutBytes(ctx, key, []byte(value))
}

func (n *Namespace) GetInt(ctx context.Context, key string) (int64, error) {
	data, err := n.GetBytes(ctx, key)
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("key %s: invalid int encoding (%d bytes)", key, len(data))
	}
	return int64(binary.BigEndian.Uint64(data)), nil
}

func (n *Namespace) PutInt(ctx context.Context, key string, value int64) error {
	return n.PutBytes(ctx, key, encodeInt(value))
}

func encodeInt(value int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(value))
	return buf
}

// Batch 一次提交的多个键值
type Batch map[string][]byte

func (b Batch) PutBytes(key string, value []byte) { b[key] = value }

func (b Batch) PutInt(key string, value int64) { b[key] = encodeInt(value) }

// Commit 原子写入整个批次，空批次不访问后端
func (n *Namespace) Commit(ctx context.Context, b Batch) error {
	if err := n.writable(); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	return n.backend.PutMany(ctx, n.name, b)
}

// Remove 删除不存在的键不报错
func (n *Namespace) Remove(ctx context.Context, key string) error {
	if err := n.writable(); err != nil {
		return err
	}
	return n.backend.Delete(ctx, n.name, key)
}

// Close 只关闭句柄，底层存储由 Store 管理
func (n *Namespace) Close() error {
	n.closed = true
	return nil
}

func (n *Namespace) writable() error {
	if n.closed {
		return ErrClosed
	}
	if n.readOnly {
		return ErrReadOnly
	}
	return nil
}
