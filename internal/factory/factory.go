package factory

import (
	"context"
	"fmt"

	"github.com/anime-shed/growth-kiosk/internal/config"
	"github.com/anime-shed/growth-kiosk/internal/repository"
	"github.com/anime-shed/growth-kiosk/internal/storage"
	"github.com/anime-shed/growth-kiosk/pkg/models"
)

// StorageType represents different types of image store backends
type StorageType string

const (
	// AzureStorage for Azure blob storage
	AzureStorage StorageType = "azure"
	// LocalStorage for local file system
	LocalStorage StorageType = "local"
)

// StorageFactory creates image stores
type StorageFactory interface {
	CreateStorage(cfg config.StorageConfig) (storage.ImageStore, error)
}

// RepositoryFactory creates the subject and examination repository
type RepositoryFactory interface {
	CreateRepository(ctx context.Context, databaseURL string) (repository.Repository, error)
}

// storageFactory implements StorageFactory
type storageFactory struct{}

// NewStorageFactory creates a new storage factory
func NewStorageFactory() StorageFactory {
	return &storageFactory{}
}

// CreateStorage creates an image store based on the configured backend
func (f *storageFactory) CreateStorage(cfg config.StorageConfig) (storage.ImageStore, error) {
	switch StorageType(cfg.Backend) {
	case AzureStorage:
		return storage.NewAzureStorage("", cfg.AzureAccount, cfg.AzureKey, cfg.AzureContainer)
	case LocalStorage:
		return storage.NewLocalStorage(cfg.Dir)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Backend)
	}
}

// repositoryFactory implements RepositoryFactory
type repositoryFactory struct {
	seed []models.Subject
}

// NewRepositoryFactory creates a repository factory. seed subjects are
// loaded only into the in-memory repository.
func NewRepositoryFactory(seed ...models.Subject) RepositoryFactory {
	return &repositoryFactory{seed: seed}
}

// CreateRepository returns a Postgres store when databaseURL is set and an
// in-memory repository otherwise
func (f *repositoryFactory) CreateRepository(ctx context.Context, databaseURL string) (repository.Repository, error) {
	if databaseURL == "" {
		return repository.NewMemoryRepository(f.seed...), nil
	}
	store, err := repository.NewPostgresStore(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return store, nil
}

// ComponentFactory combines all factories
type ComponentFactory struct {
	StorageFactory    StorageFactory
	RepositoryFactory RepositoryFactory
}

// NewComponentFactory creates a new component factory
func NewComponentFactory(seed ...models.Subject) *ComponentFactory {
	return &ComponentFactory{
		StorageFactory:    NewStorageFactory(),
		RepositoryFactory: NewRepositoryFactory(seed...),
	}
}
