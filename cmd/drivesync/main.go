package main

import (
	"context"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/biograph/drivesync/internal/config"
	"github.com/biograph/drivesync/internal/drivesync"
	"github.com/biograph/drivesync/internal/gdrive"
	"github.com/biograph/drivesync/internal/httpapi"
	"github.com/biograph/drivesync/internal/localdrive"
)

type driveProvider interface {
	drivesync.Provider
	drivesync.Downloader
}

func main() {
	fileCfg, err := config.Load(strings.TrimSpace(os.Getenv("DRIVESYNC_CONFIG_FILE")))
	if err != nil {
		log.Fatalf("failed to load config file: %v", err)
	}

	addr := strEnv("DRIVESYNC_ADDR", fileCfg.Addr, ":8080")
	dsn := strEnv("DRIVESYNC_DATABASE_DSN", fileCfg.DatabaseDSN, "")
	folderID := strEnv("DRIVESYNC_FOLDER_ID", fileCfg.FolderID, "")
	sharedDriveID := strEnv("DRIVESYNC_SHARED_DRIVE_ID", fileCfg.SharedDriveID, "")
	callbackURL := strEnv("DRIVESYNC_CALLBACK_URL", fileCfg.CallbackURL, "")
	mimeType := strEnv("DRIVESYNC_MIME_TYPE", fileCfg.MimeType, "")
	localDir := strEnv("DRIVESYNC_LOCAL_DIR", fileCfg.LocalDir, "")
	downloadDir := strEnv("DRIVESYNC_DOWNLOAD_DIR", fileCfg.DownloadDir, "downloads")
	syncInterval := durationEnv("DRIVESYNC_SYNC_INTERVAL", fallbackDuration(fileCfg.SyncInterval.Std(), 150*time.Second))
	syncJitter := clampJitterRatio(floatEnv("DRIVESYNC_SYNC_JITTER", 0.2))
	tickInterval := durationEnv("DRIVESYNC_TICK_INTERVAL", fallbackDuration(fileCfg.TickInterval.Std(), 5*time.Second))
	channelTTL := durationEnv("DRIVESYNC_CHANNEL_TTL", fallbackDuration(fileCfg.ChannelTTL.Std(), 24*time.Hour))
	generationInterval := durationEnv("DRIVESYNC_GENERATION_INTERVAL", fallbackDuration(fileCfg.GenInterval.Std(), drivesync.DefaultGenerationInterval))
	syncTimeout := durationEnv("DRIVESYNC_SYNC_TIMEOUT", 2*time.Minute)

	store, err := drivesync.BuildStoreFromDSN(dsn)
	if err != nil {
		log.Fatalf("failed to initialize store: %v", err)
	}
	defer store.Close()

	logger := log.Default()
	var provider driveProvider
	if localDir != "" {
		local, err := localdrive.New(localDir, logger)
		if err != nil {
			log.Fatalf("failed to initialize local drive: %v", err)
		}
		defer local.Close()
		if folderID == "" && sharedDriveID == "" {
			folderID = localDir
		}
		provider = local
	} else {
		token := strEnv("DRIVESYNC_DRIVE_TOKEN", fileCfg.DriveToken, "")
		if token == "" {
			log.Fatalf("DRIVESYNC_DRIVE_TOKEN is required unless DRIVESYNC_LOCAL_DIR is set")
		}
		provider = gdrive.NewClient(gdrive.Options{
			BaseURL:       strEnv("DRIVESYNC_DRIVE_BASE_URL", fileCfg.DriveBaseURL, ""),
			TokenProvider: gdrive.StaticToken(token),
		})
	}

	scope := drivesync.NewScope(drivesync.ScopeConfig{
		FolderID:      folderID,
		SharedDriveID: sharedDriveID,
		MimeType:      mimeType,
	})
	processor := drivesync.NewChangeProcessor(provider, store, store, store, scope, logger)
	scheduler := drivesync.NewScheduler(store, logger)
	manager := drivesync.NewChannelManager(provider, store, scope, callbackURL, channelTTL, logger)
	ingest := drivesync.NewIngestWorker(store, store, provider, drivesync.DirPipeline{Dir: downloadDir}, logger)
	generation := drivesync.NewGenerationWorker(store, drivesync.ManifestGenerator{Dir: downloadDir}, logger)
	server := httpapi.NewServer(processor, store, logger)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler.RegisterWorker(drivesync.TaskProcessFile, ingest.Run)
	scheduler.RegisterWorker(drivesync.TaskGenerationLoop, generation.Run)
	if err := scheduler.CreateTaskIfAbsent(rootCtx, drivesync.TaskGenerationLoop, nil, map[string]any{
		drivesync.MetaUpdateInterval: float64(generationInterval.Milliseconds()),
	}); err != nil {
		log.Fatalf("failed to seed generation loop task: %v", err)
	}
	if callbackURL != "" {
		scheduler.RegisterWorker(drivesync.TaskRenewChannel, func(ctx context.Context, _ drivesync.Task) error {
			return manager.EnsureChannel(ctx)
		})
		if err := scheduler.CreateTaskIfAbsent(rootCtx, drivesync.TaskRenewChannel, nil, map[string]any{
			drivesync.MetaUpdateInterval: float64((6 * time.Hour).Milliseconds()),
		}); err != nil {
			log.Fatalf("failed to seed channel renewal task: %v", err)
		}
		if err := manager.EnsureChannel(rootCtx); err != nil {
			log.Printf("channel registration failed, continuing on polling only: %v", err)
		}
	}

	if err := processor.Initialize(rootCtx); err != nil {
		log.Fatalf("failed to initialize sync state: %v", err)
	}

	go scheduler.Run(rootCtx, tickInterval)
	go runSyncLoop(rootCtx, processor, server, logger, syncInterval, syncJitter, syncTimeout)

	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		<-rootCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("drivesync listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
}

func runSyncLoop(ctx context.Context, processor *drivesync.ChangeProcessor, server *httpapi.Server, logger drivesync.Logger, interval time.Duration, jitter float64, timeout time.Duration) {
	run := func() {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		result, err := processor.SyncAll(runCtx)
		if err != nil {
			logger.Printf("sync cycle failed: %v", err)
			return
		}
		if result.Changes > 0 {
			server.Publish("sync completed successfully", result)
		}
		logger.Printf("sync cycle completed: %d changes, %d processed", result.Changes, result.Processed)
	}

	run()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Printf("sync loop stopping: %v", ctx.Err())
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		}
	}
}

func strEnv(name, fileValue, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	if value := strings.TrimSpace(fileValue); value != "" {
		return value
	}
	return fallback
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func fallbackDuration(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
