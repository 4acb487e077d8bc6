// Package main provides the music box daemon entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/api/httpapi"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/api/ws"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/app/bus"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/app/health"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/app/library"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/app/nfc"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/app/ops"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/app/outbox"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/app/player"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/app/rooms"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/app/seq"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/app/syncer"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/app/upload"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/infra/audio"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/infra/config"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/infra/logger"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/infra/metadata"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/infra/nfchw"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/infra/sqlite"
)

var (
	app        = kingpin.New("musicbox-server", "The Open Music Box daemon")
	configPath = app.Flag("config", "Path to config file").Default("config/server.yaml").String()
	verbose    = app.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
	logfile    = app.Flag("logfile", "Path to log file (default: stdout)").String()
)

func init() {
	app.Command("start", "Start the daemon (default)").Default()
}

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	kingpin.MustParse(app.Parse(os.Args[1:]))

	loggerConfig := logger.Config{Output: "stdout", Level: "info"}
	if *verbose {
		loggerConfig.Level = "debug"
	}
	if *logfile != "" {
		loggerConfig.Output = *logfile
	}
	if err := logger.Init(loggerConfig); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}

	zlog.Info().Msgf("Loading config from %s", *configPath)
	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Msgf("Failed to load config: %v", err)
	}

	if err := run(cfg); err != nil {
		zlog.Error().Msgf("Server error: %v", err)
		os.Exit(1)
	}
}

// run executes the daemon. Using a separate function ensures defer statements
// are executed even when returning with an error.
func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := sqlite.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	// resume sequence numbering from the persisted maxima
	maxGlobal, perPlaylist, err := sqlite.MaxSeqs(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to scan sequences: %w", err)
	}
	generator := seq.New()
	generator.Bootstrap(maxGlobal, perPlaylist)

	outboxStore := sqlite.NewOutboxStore(db)
	ob := outbox.New(cfg.Events.OutboxSize, cfg.Events.PlaylistOutboxSize, outboxStore)

	// reload the persisted trail so reconnecting clients either replay or are
	// told to snapshot, instead of silently missing the previous generation
	persisted, err := outboxStore.LoadEnvelopes(ctx)
	if err != nil {
		return fmt.Errorf("failed to reload outbox: %w", err)
	}
	restored := make([]outbox.Restored, len(persisted))
	for i, row := range persisted {
		restored[i] = outbox.Restored{Envelope: row.Envelope, PlaylistID: row.PlaylistID}
	}
	ob.Bootstrap(restored, maxGlobal, perPlaylist)

	roomMgr := rooms.NewManager()
	tracker := ops.NewTracker(cfg.OpTTL(), cfg.OpTimeout())
	defer tracker.Close()
	broadcaster := bus.New(generator, ob, roomMgr, tracker)

	repo := library.NewRepository(db, broadcaster)

	backend, err := newAudioBackend(cfg, repo)
	if err != nil {
		return fmt.Errorf("failed to create audio backend: %w", err)
	}
	defer func() { _ = backend.Close() }()

	coordinator := player.NewCoordinator(backend, broadcaster, repo, player.Options{
		UploadRoot:       cfg.Storage.UploadRoot,
		PositionInterval: cfg.PositionInterval(),
		BackendTimeout:   cfg.BackendTimeout(),
	})
	repo.BindActiveCheck(coordinator.IsActive)

	engine := upload.NewEngine(db, broadcaster, repo, metadata.NewTagExtractor(), upload.Options{
		UploadRoot:        cfg.Storage.UploadRoot,
		ChunkSize:         cfg.Upload.ChunkSize,
		MaxUploadBytes:    cfg.Upload.MaxUploadBytes,
		SessionTTL:        cfg.SessionTTL(),
		AllowedExtensions: cfg.Upload.AllowedExtensions,
	})
	if _, err := engine.RestoreSessions(ctx); err != nil {
		zlog.Warn().Err(err).Msg("Failed to restore upload sessions")
	}

	adapter, err := newNfcAdapter(cfg)
	if err != nil {
		return fmt.Errorf("failed to create nfc adapter: %w", err)
	}
	defer func() { _ = adapter.Close() }()

	nfcService := nfc.NewService(adapter, broadcaster, repo, coordinator, nfc.Options{
		Debounce:       cfg.Debounce(),
		DefaultTimeout: cfg.AssociationTimeout(0),
		TimeoutCap:     time.Duration(cfg.Nfc.AssociationTimeoutCap) * time.Second,
	})

	syncCtrl := syncer.NewController(broadcaster, ob, repo, coordinator)

	reporter := health.NewReporter()
	reporter.Register("database", health.BoolProbe(func() bool { return db.Ping() == nil }))
	reporter.Register("audio", health.BoolProbe(func() bool { return !coordinator.Degraded() }))
	reporter.Register("nfc", health.BoolProbe(nfcService.Available))

	go coordinator.Run(ctx)
	go nfcService.Run(ctx)
	go engine.RunPurger(ctx, cfg.PurgeInterval())

	apiServer := httpapi.NewServer(repo, engine, coordinator, nfcService, reporter, broadcaster, tracker)
	wsHandler := ws.NewHandler(roomMgr, broadcaster, syncCtrl, nfcService, repo, tracker)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer.Router())
	mux.Handle("/ws", wsHandler)

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: h2c.NewHandler(mux, &http2.Server{}),
	}

	serverErrCh := make(chan error, 1)
	go func() {
		zlog.Info().Msgf("Starting server: addr=%s", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		zlog.Info().Msg("Received shutdown signal...")
	case err := <-serverErrCh:
		return fmt.Errorf("server error: %w", err)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Msgf("Failed to shutdown server: %v", err)
	}

	zlog.Info().Msg("Server stopped")
	return nil
}

// newAudioBackend builds the configured playback backend. Only the clock
// backend ships today; durations come from the track rows so the simulated
// clock matches real file lengths.
func newAudioBackend(cfg *config.Config, repo *library.Repository) (audio.Backend, error) {
	durationOf := func(path string) int64 {
		d, err := repo.TrackDurationByPath(context.Background(), path)
		if err != nil {
			return 0
		}
		return d
	}
	switch cfg.Player.Backend.Type {
	case "clock", "stub", "":
		return audio.NewClockBackendFromConfig(cfg.Player.Backend.Settings, durationOf)
	default:
		return nil, fmt.Errorf("unknown audio backend type %q", cfg.Player.Backend.Type)
	}
}

// newNfcAdapter builds the configured reader adapter.
func newNfcAdapter(cfg *config.Config) (nfchw.Adapter, error) {
	switch cfg.Nfc.Driver.Type {
	case "stub", "":
		return nfchw.NewStubAdapterFromConfig(cfg.Nfc.Driver.Settings)
	default:
		return nil, fmt.Errorf("unknown nfc driver type %q", cfg.Nfc.Driver.Type)
	}
}
