// Command se-gateway is a demo HTTP front end for the self-encryption
// engine, presenting an S3-shaped PUT/GET/DELETE/HEAD/LIST surface backed
// by a selfencrypt.Engine + ChunkStore pair per object. Adapted from the
// teacher's cmd/gateway, which wired the same middleware/metrics/audit
// stack around a real S3 proxy instead of the self-encryption core.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/selfencrypt/internal/api"
	"github.com/kenneth/selfencrypt/internal/auditlog"
	"github.com/kenneth/selfencrypt/internal/config"
	"github.com/kenneth/selfencrypt/internal/obsmetrics"
	"github.com/kenneth/selfencrypt/internal/obstracing"
	"github.com/kenneth/selfencrypt/internal/xdebug"
	"github.com/kenneth/selfencrypt/internal/xmiddleware"
	"github.com/kenneth/selfencrypt/selfencrypt"
	"github.com/kenneth/selfencrypt/selfencrypt/keymanager"
	chunkstore "github.com/kenneth/selfencrypt/selfencrypt/store"
)

func main() {
	configPath := flag.String("config", "", "Path to gateway YAML config file")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(*logLevel); err == nil {
		logger.SetLevel(lvl)
	}
	xdebug.InitFromLogLevel(*logLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("failed to load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := buildChunkStore(ctx, cfg.Store)
	if err != nil {
		logger.WithError(err).Fatal("failed to build chunk store")
	}

	keyManager, err := buildKeyManager(cfg.KeyManager)
	if err != nil {
		logger.WithError(err).Fatal("failed to build key manager")
	}

	auditor, err := auditlog.NewLoggerFromConfig(cfg.Audit, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to build audit logger")
	}

	metrics := obsmetrics.NewMetrics()
	obsmetrics.SetVersion("se-gateway")
	metrics.SetHardwareAccelerationStatus("aes", selfencrypt.IsHardwareAccelerationEnabled(cfg.Hardware.EnableAESNI, cfg.Hardware.EnableARMv8AES))

	tracer, shutdownTracing, err := obstracing.Setup(ctx, obstracing.Config{
		Kind:        obstracing.ExporterKind(cfg.Tracing.Kind),
		ServiceName: cfg.Tracing.ServiceName,
		Endpoint:    cfg.Tracing.Endpoint,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to set up tracing")
	}

	dir := api.NewDirectory()
	handler := api.NewHandler(store, keyManager, dir, auditor, logger, metrics, tracer)
	authorizer := api.NewTokenAuthorizer(cfg.Auth)

	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	router.Use(xmiddleware.RecoveryMiddleware(logger, metrics.RecordPanic))
	router.Use(xmiddleware.LoggingMiddleware(logger))
	router.Use(authorizer.Middleware)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	var watcher interface{ Close() error }
	if *configPath != "" {
		w, err := config.WatchReload(*configPath, func(newCfg *config.GatewayConfig) {
			logger.Info("config reloaded")
			authorizer.Reload(newCfg.Auth)
		})
		if err != nil {
			logger.WithError(err).Warn("config hot reload disabled")
		} else {
			watcher = w
		}
	}

	go func() {
		logger.WithField("addr", cfg.ListenAddr).Info("se-gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("graceful shutdown failed")
	}
	if watcher != nil {
		watcher.Close()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.WithError(err).Error("failed to shut down tracing")
	}
	if err := auditor.Close(); err != nil {
		logger.WithError(err).Error("failed to close audit logger")
	}
	if keyManager != nil {
		if err := keyManager.Close(shutdownCtx); err != nil {
			logger.WithError(err).Error("failed to close key manager")
		}
	}
}

// buildChunkStore constructs the ChunkStore backend selected by cfg.Backend.
func buildChunkStore(ctx context.Context, cfg config.StoreConfig) (chunkstore.ChunkStore, error) {
	switch cfg.Backend {
	case "", "memory":
		return chunkstore.NewMemoryStore(), nil
	case "s3":
		return chunkstore.NewS3ChunkStore(ctx, chunkstore.S3Config{
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			Provider:  cfg.S3.Provider,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
		})
	case "redis":
		rdb := newRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		return chunkstore.NewRedisRefcountStore(rdb, chunkstore.NewMemoryStore()), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// buildKeyManager constructs the optional KMS at-rest key manager from
// cfg. A disabled (the default) or empty config returns a nil KeyManager,
// which api.Handler treats as "at-rest wrapping off" per SPEC_FULL.md open
// question #4.
func buildKeyManager(cfg config.KeyManagerConfig) (keymanager.KeyManager, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	keys := make([]keymanager.KMIPKeyReference, len(cfg.Keys))
	for i, k := range cfg.Keys {
		keys[i] = keymanager.KMIPKeyReference{ID: k.ID, Version: k.Version}
	}
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureTLS}
	return keymanager.NewCosmianKMIPManager(keymanager.CosmianKMIPOptions{
		Endpoint:       cfg.Endpoint,
		Keys:           keys,
		TLSConfig:      tlsConfig,
		Timeout:        time.Duration(cfg.TimeoutSeconds) * time.Second,
		Provider:       cfg.Provider,
		DualReadWindow: cfg.DualReadWindow,
	})
}

func newRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}
