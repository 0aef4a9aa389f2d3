package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/maxpert/servicebus-go/interfaces"
)

// Supported backend names.
const (
	BackendNone     = "none"
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendBadger   = "badger"
	BackendPebble   = "pebble"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// DefaultDataPath is used by path based backends when no path is set.
const DefaultDataPath = "./data"

// Backends lists every supported backend name.
func Backends() []string {
	return []string{BackendNone, BackendMemory, BackendFile, BackendBadger, BackendPebble, BackendSQLite, BackendPostgres}
}

// StorageFactory creates the configured persistence backend
type StorageFactory struct {
	config interfaces.PersistenceConfig
	logger *zap.Logger
}

// NewStorageFactory creates a new storage factory
func NewStorageFactory(cfg interfaces.PersistenceConfig, logger *zap.Logger) *StorageFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StorageFactory{config: cfg, logger: logger}
}

// Open is shorthand for NewStorageFactory(cfg, logger).CreateBackend().
func Open(cfg interfaces.PersistenceConfig, logger *zap.Logger) (interfaces.Backend, error) {
	return NewStorageFactory(cfg, logger).CreateBackend()
}

// CreateBackend opens the backend named in the configuration. Each embedded
// backend uses its own subdirectory of the data path.
func (f *StorageFactory) CreateBackend() (interfaces.Backend, error) {
	backend := strings.ToLower(strings.TrimSpace(f.config.Backend))
	logger := f.logger.With(zap.String("backend", backend))

	path := f.config.Path
	if path == "" {
		path = DefaultDataPath
	}

	switch backend {
	case "", BackendNone:
		return NewNone(), nil

	case BackendMemory:
		return NewMemory(), nil

	case BackendFile:
		return OpenFile(path, FileOptions{
			BatchSize:    f.config.WALBatchSize,
			BatchTimeout: f.config.WALBatchTimeout(),
			FileSize:     f.config.WALFileSize,
			SyncWrites:   f.config.SyncWrites,
			Logger:       logger,
		})

	case BackendBadger:
		dir := filepath.Join(path, "badger")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create badger storage directory: %w", err)
		}
		return OpenBadger(dir, f.config.SyncWrites, logger)

	case BackendPebble:
		dir := filepath.Join(path, "pebble")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create pebble storage directory: %w", err)
		}
		return OpenPebble(dir, f.config.SyncWrites, logger)

	case BackendSQLite:
		return OpenSQLite(filepath.Join(path, "journal.db"), f.config.SyncWrites, logger)

	case BackendPostgres:
		return OpenPostgres(f.config.DSN, logger)

	default:
		return nil, fmt.Errorf("unsupported persistence backend: %s", f.config.Backend)
	}
}
