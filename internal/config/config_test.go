package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8443", cfg.ListenAddr)
	require.True(t, cfg.Hardware.EnableAESNI)
	require.Equal(t, "memory", cfg.Store.Backend)
	require.Equal(t, "stdout", cfg.Audit.Sink.Type)
	require.False(t, cfg.KeyManager.Enabled)
	require.Equal(t, 5, cfg.KeyManager.TimeoutSeconds)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := &GatewayConfig{
		ListenAddr: ":9443",
		Hardware:   HardwareConfig{EnableAESNI: true, EnableARMv8AES: false},
		Audit: AuditConfig{
			Enabled:   true,
			MaxEvents: 500,
			Sink:      SinkConfig{Type: "file", FilePath: "/tmp/audit.log"},
		},
		Store: StoreConfig{Backend: "redis"},
		Auth:  AuthConfig{Tokens: map[string][]string{"tok1": {"logs/*"}}},
		KeyManager: KeyManagerConfig{
			Enabled:        true,
			Endpoint:       "kmip.internal:5696",
			Provider:       "cosmian-kmip",
			Keys:           []KMIPKeyConfig{{ID: "key-1", Version: 1}},
			TimeoutSeconds: 3,
		},
	}
	cfg.Store.Redis.Addr = "localhost:6379"
	cfg.Store.Redis.DB = 2

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.ListenAddr, loaded.ListenAddr)
	require.Equal(t, cfg.Store.Backend, loaded.Store.Backend)
	require.Equal(t, cfg.Store.Redis.Addr, loaded.Store.Redis.Addr)
	require.Equal(t, cfg.Auth.Tokens, loaded.Auth.Tokens)
	require.Equal(t, cfg.Audit.Sink.FilePath, loaded.Audit.Sink.FilePath)
	require.Equal(t, cfg.KeyManager, loaded.KeyManager)
}

func TestWatchReloadInvokesOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, Save(path, &GatewayConfig{ListenAddr: ":8443", Store: StoreConfig{Backend: "memory"}}))

	changed := make(chan *GatewayConfig, 1)
	watcher, err := WatchReload(path, func(cfg *GatewayConfig) {
		changed <- cfg
	})
	require.NoError(t, err)
	defer watcher.Close()

	require.NoError(t, Save(path, &GatewayConfig{ListenAddr: ":9443", Store: StoreConfig{Backend: "redis"}}))

	select {
	case cfg := <-changed:
		require.Equal(t, ":9443", cfg.ListenAddr)
		require.Equal(t, "redis", cfg.Store.Backend)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload callback")
	}
}
