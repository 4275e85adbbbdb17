// Command rt-server starts the retoucher HTTP API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/and161185/retoucher/internal/config"
	"github.com/and161185/retoucher/internal/editor"
	"github.com/and161185/retoucher/internal/export"
	"github.com/and161185/retoucher/internal/filestore"
	"github.com/and161185/retoucher/internal/lock"
	"github.com/and161185/retoucher/internal/metadata"
	"github.com/and161185/retoucher/internal/migrate"
	"github.com/and161185/retoucher/internal/raster"
	"github.com/and161185/retoucher/internal/repository"
	"github.com/and161185/retoucher/internal/repository/memory"
	"github.com/and161185/retoucher/internal/repository/postgres"
	httpserver "github.com/and161185/retoucher/internal/server/http"
	"github.com/and161185/retoucher/internal/service"
	"github.com/and161185/retoucher/internal/toolexec"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main loads configuration, wires the pipeline and serves until signalled.
func main() {
	// Flags override the config file; only flags set explicitly win.
	def := config.Default()
	cfgPath := pflag.StringP("config", "c", "", "YAML config file")
	addr := pflag.String("addr", def.Server.Addr, "listen address")
	dataDir := pflag.String("data-dir", def.Storage.DataDir, "session file store root")
	dsn := pflag.String("dsn", "", "PostgreSQL DSN (empty keeps the catalog in memory)")
	jwtKey := pflag.String("jwt-key", "", "HS256 signing key")
	sessionTTL := pflag.Duration("session-ttl", def.Server.SessionTTL, "session token lifetime")
	exiftool := pflag.String("exiftool", def.Tools.ExifTool, "exiftool binary")
	magick := pflag.String("magick", def.Tools.Magick, "ImageMagick binary")
	toolTimeout := pflag.Duration("tool-timeout", def.Tools.Timeout, "per subprocess timeout")
	maxProcs := pflag.Int("max-procs", def.Tools.MaxProcs, "concurrent external tool processes")
	workers := pflag.Int("export-workers", def.Export.Workers, "batch export workers")
	editorURL := pflag.String("editor-url", "", "AI edit endpoint (empty returns input unchanged)")
	editorTimeout := pflag.Duration("editor-timeout", def.Editor.Timeout, "AI edit request timeout")
	lockBackend := pflag.String("lock-backend", def.Lock.Backend, "lock backend: local, postgres or redis")
	redisAddr := pflag.String("redis-addr", "", "redis address for the redis lock backend")
	lockWait := pflag.Duration("lock-wait", def.Lock.Wait, "max wait for an artifact lock (0 waits for the request)")
	logLevel := pflag.String("log-level", def.Log.Level, "debug, info, warn or error")
	dev := pflag.Bool("dev", false, "human readable logs")
	pflag.Parse()

	cfg := def
	if *cfgPath != "" {
		var err error
		if cfg, err = config.LoadFile(*cfgPath); err != nil {
			_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
			os.Exit(2)
		}
	}
	set := pflag.CommandLine.Changed
	if set("addr") {
		cfg.Server.Addr = *addr
	}
	if set("data-dir") {
		cfg.Storage.DataDir = *dataDir
	}
	if set("dsn") {
		cfg.Storage.DSN = *dsn
	}
	if set("jwt-key") {
		cfg.Server.JWTKey = *jwtKey
	}
	if set("session-ttl") {
		cfg.Server.SessionTTL = *sessionTTL
	}
	if set("exiftool") {
		cfg.Tools.ExifTool = *exiftool
	}
	if set("magick") {
		cfg.Tools.Magick = *magick
	}
	if set("tool-timeout") {
		cfg.Tools.Timeout = *toolTimeout
	}
	if set("max-procs") {
		cfg.Tools.MaxProcs = *maxProcs
	}
	if set("export-workers") {
		cfg.Export.Workers = *workers
	}
	if set("editor-url") {
		cfg.Editor.URL = *editorURL
	}
	if set("editor-timeout") {
		cfg.Editor.Timeout = *editorTimeout
	}
	if set("lock-backend") {
		cfg.Lock.Backend = *lockBackend
	}
	if set("redis-addr") {
		cfg.Lock.RedisAddr = *redisAddr
	}
	if set("lock-wait") {
		cfg.Lock.Wait = *lockWait
	}
	if set("log-level") {
		cfg.Log.Level = *logLevel
	}
	if *dev {
		cfg.Log.Dev = true
	}
	if cfg.Server.JWTKey == "" {
		cfg.Server.JWTKey = os.Getenv("RETOUCHER_JWT_KEY")
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Server.Addr),
	)

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}
	if err := toolexec.Require(cfg.Tools.ExifTool, cfg.Tools.Magick); err != nil {
		logger.Fatal("external tools", zap.Error(err))
	}

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	files, err := filestore.New(cfg.Storage.DataDir)
	if err != nil {
		logger.Fatal("file store", zap.Error(err))
	}
	tmpDir := cfg.Tools.TempDir
	if tmpDir == "" {
		tmpDir = filepath.Join(files.Root(), ".tmp")
	}

	// Catalog
	var (
		artifacts repository.ArtifactRepository
		histories repository.HistoryRepository
		db        *postgres.DB
	)
	if cfg.Storage.DSN != "" {
		if err := migrate.Up(ctx, cfg.Storage.DSN, logger); err != nil {
			logger.Fatal("migrate up", zap.Error(err))
		}
		db, err = postgres.New(ctx, cfg.Storage.DSN, postgres.PoolOptions{MaxConns: cfg.Storage.MaxConns})
		if err != nil {
			logger.Fatal("postgres", zap.Error(err))
		}
		defer db.Close()
		artifacts = postgres.NewArtifactRepo(db)
		histories = postgres.NewHistoryRepo(db)
	} else {
		mem := memory.New()
		artifacts, histories = mem, mem
		logger.Warn("no dsn configured, catalog is in memory")
	}

	locker, closeLocker := newLocker(ctx, cfg, logger)
	defer closeLocker()

	// Tools and pipeline
	runner := toolexec.NewRunner(cfg.Tools.MaxProcs, cfg.Tools.Timeout, logger)
	codec := raster.NewMagick(cfg.Tools.Magick, runner, tmpDir)
	meta := metadata.New(metadata.NewExifTool(cfg.Tools.ExifTool, runner), tmpDir, logger)
	exporter := export.New(files, codec, meta, export.Options{
		Tolerance:   cfg.Export.Tolerance,
		MaxAttempts: cfg.Export.MaxAttempts,
		MinQuality:  cfg.Export.MinQuality,
		Workers:     cfg.Export.Workers,
	}, logger)

	var ed editor.Editor = editor.Identity{}
	if cfg.Editor.URL != "" {
		ed = editor.NewHTTP(cfg.Editor.URL, cfg.Editor.APIKey, cfg.Editor.Timeout)
	} else {
		logger.Warn("no editor url configured, edits return the input unchanged")
	}

	// Services
	sessions := service.NewSessionService([]byte(cfg.Server.JWTKey), cfg.Server.SessionTTL)
	images := service.NewImageService(service.Deps{
		Artifacts:      artifacts,
		Histories:      histories,
		Files:          files,
		Meta:           meta,
		Codec:          codec,
		Editor:         ed,
		Exporter:       exporter,
		Locker:         locker,
		Log:            logger,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		LockWait:       cfg.Lock.Wait,
	})

	app := httpserver.New(sessions, images, httpserver.Options{MaxUploadBytes: cfg.Server.MaxUploadBytes}, logger)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           app.Echo(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr))
		errCh <- srv.ListenAndServe()
	}()

	// Wait for stop
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown", zap.Error(err))
			_ = srv.Close()
		}
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}

	logger.Info("shutdown complete")
}

func newLogger(c config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Dev {
		zc = zap.NewDevelopmentConfig()
	}
	lvl, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = lvl
	return zc.Build()
}

// newLocker picks the per-artifact lock backend. Postgres locks get a pool
// of their own: a held lock pins a connection, and the holder still needs
// catalog connections to finish its work.
func newLocker(ctx context.Context, cfg *config.Config, log *zap.Logger) (lock.Locker, func()) {
	switch cfg.Lock.Backend {
	case config.LockPostgres:
		ldb, err := postgres.New(ctx, cfg.Storage.DSN, postgres.PoolOptions{MaxConns: cfg.Lock.MaxConns})
		if err != nil {
			log.Fatal("postgres lock pool", zap.Error(err))
		}
		return lock.NewPG(ldb, log), ldb.Close
	case config.LockRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Lock.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal("redis ping", zap.Error(err))
		}
		return lock.NewRedis(rdb, cfg.Lock.TTL, log), func() { _ = rdb.Close() }
	default:
		return lock.NewLocal(), func() {}
	}
}
