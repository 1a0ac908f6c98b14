package cmd

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/polar/config"
	"github.com/jmcleod/polar/storage"
	"github.com/jmcleod/polar/storage/storagetest"
)

func testConfig(t *testing.T, driver string) *config.Config {
	t.Helper()
	return &config.Config{
		Environment:     "test",
		JWTSecret:       "0123456789abcdef0123456789abcdef",
		JWTIssuer:       "polar",
		RPName:          "Polar Stellar",
		RPID:            "localhost",
		RPOrigins:       []string{"http://localhost:3000"},
		StorageDriver:   driver,
		DataDir:         t.TempDir(),
		GlobalRPS:       50,
		GlobalBurst:     100,
		Argon2MemoryKiB: 19 * 1024,
		Argon2Time:      1,
		Argon2Threads:   1,
	}
}

// runCommand executes the root command with args and returns its output.
func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		resetYes = false
		envFile = ""
	})
	err := rootCmd.ExecuteContext(t.Context())
	return out.String(), err
}

func TestOpenStore(t *testing.T) {
	for _, driver := range []string{config.StorageMemory, config.StorageBolt, config.StorageSQLite} {
		t.Run(driver, func(t *testing.T) {
			store, err := openStore(t.Context(), testConfig(t, driver))
			require.NoError(t, err)
			defer store.Close()

			require.NoError(t, store.CreateUser(t.Context(), storagetest.User(1)))
			_, err = store.FirstUser(t.Context())
			assert.NoError(t, err)
		})
	}

	_, err := openStore(t.Context(), testConfig(t, "mongo"))
	assert.Error(t, err)
}

func TestLimiterStore(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	t.Run("memory without redis", func(t *testing.T) {
		store, mem, closeFn, err := limiterStore(t.Context(), testConfig(t, config.StorageMemory), logger)
		require.NoError(t, err)
		defer closeFn()
		assert.Same(t, mem, store)
	})

	t.Run("unreachable redis falls back", func(t *testing.T) {
		cfg := testConfig(t, config.StorageMemory)
		cfg.RedisURL = "redis://127.0.0.1:1/0"
		store, mem, closeFn, err := limiterStore(t.Context(), cfg, logger)
		require.NoError(t, err)
		defer closeFn()
		assert.NotSame(t, mem, store)

		count, _, err := store.Hit(t.Context(), "k", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
		assert.Equal(t, 1, mem.Len())
	})

	t.Run("malformed url is an error", func(t *testing.T) {
		cfg := testConfig(t, config.StorageMemory)
		cfg.RedisURL = "http://nope"
		_, _, _, err := limiterStore(t.Context(), cfg, logger)
		assert.Error(t, err)
	})
}

func TestNewAPI(t *testing.T) {
	cfg := testConfig(t, config.StorageMemory)
	store, err := openStore(t.Context(), cfg)
	require.NoError(t, err)
	rl, _, _, err := limiterStore(t.Context(), cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	a, err := newAPI(cfg, slog.New(slog.DiscardHandler), store, rl)
	require.NoError(t, err)
	defer a.Close()
	assert.NotNil(t, a.Router())
}

func TestVersionCommand(t *testing.T) {
	out, err := runCommand(t, "version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestResetCommand(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("POLAR_STORAGE", config.StorageBolt)
	t.Setenv("POLAR_DATA_DIR", dir)
	t.Setenv("POLAR_ENV", "development")

	cfg := testConfig(t, config.StorageBolt)
	cfg.DataDir = dir
	store, err := openStore(t.Context(), cfg)
	require.NoError(t, err)
	require.NoError(t, store.CreateUser(t.Context(), storagetest.User(1)))
	require.NoError(t, store.Close())

	_, err = runCommand(t, "reset")
	require.Error(t, err, "reset needs --yes")

	out, err := runCommand(t, "reset", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted all users")

	store, err = openStore(t.Context(), cfg)
	require.NoError(t, err)
	defer store.Close()
	_, err = store.FirstUser(t.Context())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
