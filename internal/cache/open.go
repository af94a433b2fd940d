package cache

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-proxy/internal/config"
)

// Open builds the Store selected by the cache configuration
func Open(cfg config.CacheConfig) (*Store, error) {
	var backend Backend

	switch cfg.Backend {
	case "memory":
		backend = NewMemory()
	case "disk":
		disk := NewDisk(cfg.Folder)
		if err := disk.Init(); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
		backend = disk
	case "leveldb":
		db, err := NewLevelDB(cfg.Folder)
		if err != nil {
			return nil, fmt.Errorf("failed to open leveldb at %s: %w", cfg.Folder, err)
		}
		backend = db
	case "sqlite":
		if err := os.MkdirAll(cfg.Folder, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
		db, err := NewSQLite(filepath.Join(cfg.Folder, "cache.db"))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite in %s: %w", cfg.Folder, err)
		}
		backend = db
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}

	logrus.Infof("Cache backend: %s (%s)", cfg.Backend, cfg.Folder)
	return NewStore(backend), nil
}
