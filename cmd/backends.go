package main

import (
	"fmt"
	"io"

	"github.com/chhz0/allsky/config"
	"github.com/chhz0/allsky/crashlog"
	"github.com/chhz0/allsky/storage"
)

func openStore(cfg config.StorageConfig) (*storage.Store, error) {
	var (
		backend storage.Backend
		err     error
	)
	switch cfg.Backend {
	case "bolt":
		backend, err = storage.NewBoltBackend(cfg.Path)
	case "sqlite":
		backend, err = storage.NewSQLiteBackend(cfg.Path)
	case "redis":
		backend = storage.NewRedisBackend(cfg.Redis.Storage())
	case "memory":
		backend = storage.NewMemoryBackend()
	default:
		err = fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Backend, err)
	}
	return storage.NewStore(backend), nil
}

// openRegion 返回的closer可能为nil
func openRegion(cfg config.RetainedConfig) (storage.Region, io.Closer, error) {
	switch cfg.Backend {
	case "file":
		return storage.NewFileRegion(cfg.Path), nil, nil
	case "redis":
		r := storage.NewRedisRegion(cfg.Redis.Storage(), cfg.Key)
		return r, r, nil
	case "memory":
		return storage.NewMemoryRegion(), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown retained backend %q", cfg.Backend)
}

func crashLogOptions(cfg *config.AppConfig, region storage.Region, store *storage.Store) crashlog.Options {
	return crashlog.Options{
		RAMCapacity:     cfg.CrashLog.RAMCapacity,
		RTCCapacity:     cfg.CrashLog.RTCCapacity,
		DurableCapacity: cfg.CrashLog.DurableCapacity,
		Region:          region,
		Store:           store,
		Namespace:       cfg.CrashLog.Namespace,
		Timeout:         cfg.CrashLog.Timeout,
	}
}
