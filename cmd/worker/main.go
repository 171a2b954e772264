package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"vq-worker/internal/archive"
	"vq-worker/internal/config"
	"vq-worker/internal/device"
	"vq-worker/internal/health"
	"vq-worker/internal/journal"
	"vq-worker/internal/podcost"
	"vq-worker/internal/version"
	"vq-worker/internal/vq"
	workerproc "vq-worker/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	cloud := flag.Bool("cloud", false, "poll the jobs system continuously instead of draining after one job")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file, using environment variables")
	}

	cfg := config.Load()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	logger := log.With().Str("service", cfg.ServiceName).Logger()

	logger.Info().
		Str("build_date", version.BuildDateString()).
		Str("git_commit", version.GitShortHash()).
		Bool("cloud", *cloud).
		Msg("version info")

	if err := cfg.Validate(); err != nil {
		logger.Error().
			Err(err).
			Str("build_date", version.BuildDateString()).
			Str("git_commit", version.GitShortHash()).
			Msg("configuration invalid")
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		logger.Warn().Str("signal", sig.String()).Msg("interrupted by host")
		cancel()
	}()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, health.Router(cfg.ServiceName)); err != nil {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	dispatcher := workerproc.NewDispatcher(logger)
	dispatcher.RegisterLease(gpuLease(cfg))

	if cfg.Offline() {
		return runOffline(ctx, cfg, dispatcher, logger)
	}
	oneShot := !*cloud && !cfg.Continuous
	return runCloud(ctx, cfg, dispatcher, oneShot, logger)
}

// runOffline processes the fixed local folder once and exits.
func runOffline(ctx context.Context, cfg config.Config, dispatcher *workerproc.Dispatcher, logger zerolog.Logger) int {
	uploader := workerproc.NewFolderUploader(cfg.FilesFolder + "/output")
	registerHandlers(ctx, cfg, dispatcher, uploader, logger)

	runner := workerproc.NewLocalRunner(cfg.FilesFolder, cfg.ServiceName, dispatcher, logger)
	if err := runner.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("local run failed")
		return 1
	}
	return 0
}

// runCloud registers with the jobs system and runs the claim loop.
func runCloud(ctx context.Context, cfg config.Config, dispatcher *workerproc.Dispatcher, oneShot bool, logger zerolog.Logger) int {
	client := vq.New(cfg, logger)

	if err := client.Register(ctx, vq.Registration{
		ServiceName:  cfg.ServiceName,
		Channel:      cfg.Channel,
		MajorVersion: version.Major,
		MinorVersion: version.Minor,
		PatchVersion: version.Patch,
	}); err != nil {
		logger.Error().Err(err).Msg("worker registration failed")
		return 1
	}
	defer func() {
		deactivateCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		logger.Info().Str("worker_uuid", client.WorkerUUID().String()).Msg("deactivating worker")
		if err := client.Deactivate(deactivateCtx); err != nil {
			logger.Warn().Err(err).Msg("worker deactivation failed")
		}
	}()

	var jr *journal.Journal
	if cfg.PostgresDSN != "" {
		var err error
		jr, err = journal.New(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Error().Err(err).Msg("connect run journal")
			return 1
		}
		defer jr.Close()
		if err := jr.Migrate(ctx); err != nil {
			logger.Error().Err(err).Msg("migrate run journal")
			return 1
		}
	}

	registerHandlers(ctx, cfg, dispatcher, client, logger)

	processor := workerproc.NewProcessor(cfg, client, dispatcher, jr, podcost.New(logger), client.WorkerUUID().String(), oneShot, logger)
	if err := processor.Run(ctx); err != nil {
		logger.Error().
			Err(err).
			Str("build_date", version.BuildDateString()).
			Str("git_commit", version.GitShortHash()).
			Msg("worker stopped")
		return 1
	}
	logger.Info().Msg("exiting")
	return 0
}

func registerHandlers(ctx context.Context, cfg config.Config, dispatcher *workerproc.Dispatcher, uploader workerproc.Uploader, logger zerolog.Logger) {
	sink, err := archive.FromConfig(ctx, cfg)
	if err != nil {
		logger.Warn().Err(err).Msg("artifact archive unavailable")
	}

	dispatcher.Register(workerproc.NewMergeHandler(uploader, logger))
	dispatcher.Register(workerproc.NewCaptureHandler(uploader, sink, cfg.CaptureTool, logger))
	logger.Info().Strs("types", dispatcher.Types()).Msg("handlers registered")
}

// gpuLease picks the lease scope: node-wide via Redis when configured,
// otherwise process-local.
func gpuLease(cfg config.Config) device.Lease {
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return device.NewRedisLease(client, workerproc.DeviceGPU, cfg.ClaimDuration/10, cfg.GPULeaseWait)
	}
	return device.NewMutexLease(workerproc.DeviceGPU, cfg.GPULeaseWait)
}
