package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/open-xchange/appsuite-middleware-sub085/internal/config"
	"github.com/open-xchange/appsuite-middleware-sub085/internal/migrate"
	"github.com/open-xchange/appsuite-middleware-sub085/server/storage"
	"github.com/open-xchange/appsuite-middleware-sub085/server/storage/memory"
	"github.com/open-xchange/appsuite-middleware-sub085/server/storage/postgres"
)

// seeder receives the folders and identities of the configuration.
type seeder interface {
	PutFolder(ctx context.Context, f storage.Folder) error
	PutIdentity(ctx context.Context, id storage.Identity) error
}

type memorySeeder struct {
	*memory.Store
}

func (m memorySeeder) PutFolder(_ context.Context, f storage.Folder) error {
	m.AddFolder(f)
	return nil
}

func (m memorySeeder) PutIdentity(_ context.Context, id storage.Identity) error {
	m.AddIdentity(id)
	return nil
}

type backend struct {
	store     storage.Store
	directory storage.Directory
	close     func()
}

// openBackend runs the PostgreSQL store when a DSN is configured and the
// in-memory store otherwise.
func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	if cfg.DSN == "" {
		store := memory.New()
		logger.Warn("no dsn configured, calendars are kept in memory")
		if err := seed(ctx, memorySeeder{store}, cfg); err != nil {
			return nil, err
		}
		return &backend{store: store, directory: store, close: func() {}}, nil
	}

	if err := migrate.Up(ctx, cfg.DSN); err != nil {
		return nil, fmt.Errorf("migrate up: %w", err)
	}
	db, err := postgres.Connect(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	store := postgres.New(db)
	if err := seed(ctx, store, cfg); err != nil {
		db.Close()
		return nil, err
	}
	return &backend{store: store, directory: store, close: db.Close}, nil
}

func seed(ctx context.Context, s seeder, cfg *config.Config) error {
	for _, f := range cfg.Folders {
		folder := storage.Folder{
			ID:           f.ID,
			Name:         f.Name,
			OwnerID:      f.Owner,
			OwnerAddress: f.OwnerAddress,
			Type:         f.FolderType(),
		}
		if err := s.PutFolder(ctx, folder); err != nil {
			return fmt.Errorf("seeding folder %s: %w", f.ID, err)
		}
	}
	for _, id := range cfg.Identities {
		identity := storage.Identity{EntityID: id.EntityID, Email: id.Email, Aliases: id.Aliases}
		if err := s.PutIdentity(ctx, identity); err != nil {
			return fmt.Errorf("seeding identity %s: %w", id.EntityID, err)
		}
	}
	return nil
}
