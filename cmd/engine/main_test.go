package main

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quantbridge/quantbridge/internal/infra/config"
)

func TestLoadConfigExplicitPath(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte("environment: dev\nfeed:\n  source: synthetic\n"), 0o600))

	cfg, fromFile, err := loadConfig(ctx, path)
	require.NoError(t, err)
	require.True(t, fromFile)
	require.Equal(t, config.EnvDev, cfg.Environment)
	require.Equal(t, "synthetic", cfg.Feed.Source)
}

func TestLoadConfigExplicitPathMissingFails(t *testing.T) {
	_, _, err := loadConfig(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { require.NoError(t, os.Chdir(wd)) })

	cfg, fromFile, err := loadConfig(context.Background(), "")
	require.NoError(t, err)
	require.False(t, fromFile)
	require.Equal(t, config.DefaultAppConfig().Feed.Source, cfg.Feed.Source)
}

func TestInitStateStoreDefaultsToMemory(t *testing.T) {
	logger := log.New(os.Stdout, "", 0)
	cfg := config.DefaultAppConfig()

	store, pool, err := initStateStore(context.Background(), logger, cfg)
	require.NoError(t, err)
	require.Nil(t, pool)
	require.NotNil(t, store)
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, store.Close())
}
