// storage/boltdb_store.go
package storage

import (
	"context"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltBackend 每个命名空间一个Bucket
type BoltBackend struct {
	db *bolt.DB
}

func NewBoltBackend(path string) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	return &BoltBackend{db: db}, nil
}

func (s *BoltBackend) Prepare(ctx context.Context, namespace string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(namespace))
		return err
	})
}

func (s *BoltBackend) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return ErrKeyNotFound
		}
		data := b.Get([]byte(key))
		if data == nil {
			return ErrKeyNotFound
		}
		// 事务结束后data失效，需要拷贝
		value = append([]byte(nil), data...)
		return nil
	})
	return value, err
}

func (s *BoltBackend) Put(ctx context.Context, namespace, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
}

func (s *BoltBackend) PutMany(ctx context.Context, namespace string, values map[string][]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		for key, value := range values {
			if err := b.Put([]byte(key), value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltBackend) Delete(ctx context.Context, namespace, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

func (s *BoltBackend) Close() error {
	return s.db.Close()
}
