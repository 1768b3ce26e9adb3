package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"edustorage/internal/config"
	"edustorage/internal/repository/memory"
)

func TestOpenStoreWaitsForDatabaseBeforeMigrating(t *testing.T) {
	cfg := &config.Config{}
	cfg.Catalog.Driver = config.CatalogPostgres
	cfg.Database = config.DatabaseConfig{
		Host:    "127.0.0.1",
		Port:    "1",
		User:    "storage",
		Name:    "storage",
		SSLMode: "disable",
	}

	// Отменённый контекст обрывает цикл подключения. Если бы миграции шли
	// первыми, ошибка пришла бы от migrate, а не от ожидания базы.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, db, err := openStore(ctx, cfg, zap.NewNop())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, db)
}

func TestOpenStoreMemory(t *testing.T) {
	cfg := &config.Config{}
	cfg.Catalog.Driver = config.CatalogMemory
	cfg.Quota.DefaultLimit = 1024

	store, db, err := openStore(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, db)
	assert.IsType(t, &memory.Store{}, store)
}
