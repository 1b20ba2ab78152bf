package main

import (
	"context"
	"fmt"

	"github.com/shaiso/rex/internal/config"
	"github.com/shaiso/rex/internal/repo"
	"github.com/shaiso/rex/internal/store"
	"github.com/shaiso/rex/internal/store/etcdstore"
)

// openStore подключает выбранный backend хранилища.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		pool, err := repo.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := repo.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		return repo.NewKVStore(pool), nil

	case config.BackendEtcd:
		st, err := etcdstore.New(etcdstore.Config{
			Endpoints: cfg.EtcdEndpoints,
			Prefix:    cfg.EtcdPrefix,
		})
		if err != nil {
			return nil, err
		}
		return st, nil

	case config.BackendMemory:
		return store.NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}
