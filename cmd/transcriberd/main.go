package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"transcription-service/internal/cache"
	"transcription-service/internal/config"
	"transcription-service/internal/diagnostics"
	"transcription-service/internal/dispatch"
	"transcription-service/internal/domain"
	"transcription-service/internal/jobs"
	"transcription-service/internal/logging"
	"transcription-service/internal/pool"
	"transcription-service/internal/service"
	"transcription-service/internal/transcribe"
	"transcription-service/internal/worker"
)

func main() {
	cmd := &cli.Command{
		Name:  "transcriberd",
		Usage: "audio transcription job coordinator and workers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "model-dir",
				Usage: "directory holding whisper ggml model files",
				Value: defaultModelDir(),
			},
			&cli.BoolFlag{
				Name:  "auto-download",
				Usage: "fetch missing model presets on first use",
				Value: true,
			},
			&cli.StringFlag{
				Name:  "device",
				Usage: "device placement: automatic, cpu or gpu",
				Value: string(domain.DeviceAuto),
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			workerCommand(),
			checkCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the coordinator with in-process worker pools",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "model",
				Usage: "model preset to start a pool for (repeatable)",
				Value: []string{"base"},
			},
		},
		Action: runServe,
	}
}

func workerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "run a distributed worker consuming one model's stream",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "model",
				Usage:    "model preset to serve",
				Required: true,
			},
		},
		Action: runWorker,
	}
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:   "check",
		Usage:  "run startup diagnostics and exit",
		Action: runCheck,
	}
}

// env gathers everything the subcommands need from flags and settings.
type env struct {
	settings  config.Settings
	catalog   *config.Catalog
	runnerCfg transcribe.CPPConfig
	device    string
	client    redis.UniversalClient
}

func buildEnv(cmd *cli.Command) (*env, error) {
	settings, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.Setup(settings.LogLevel, settings.LogFormat)

	catalog, err := config.LoadCatalog(settings.CatalogPath)
	if err != nil {
		return nil, err
	}

	device, err := domain.ResolveDevice(domain.DeviceChoice(cmd.String("device")), hasGPU)
	if err != nil {
		return nil, err
	}

	e := &env{
		settings: settings,
		catalog:  catalog,
		runnerCfg: transcribe.CPPConfig{
			ModelDir:     cmd.String("model-dir"),
			AutoDownload: cmd.Bool("auto-download"),
		},
		device: device,
	}

	if settings.Backend == config.BackendDistributed {
		opt, err := redis.ParseURL(settings.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		e.client = redis.NewClient(opt)
	}
	return e, nil
}

// verify runs diagnostics and refuses to start on failures.
func verify(ctx context.Context, e *env) error {
	log := logging.For("diagnostics")
	report := diagnostics.NewChecker(e.runnerCfg, e.client).Run(ctx, e.settings)
	for _, item := range report.Items {
		if item.Status == domain.DiagnosticStatusFail {
			log.Error().Str("check", item.ID).Str("hint", item.Hint).Msg(item.Message)
		} else {
			log.Debug().Str("check", item.ID).Msg(item.Message)
		}
	}
	if report.HasFailures {
		return errors.New("startup diagnostics failed")
	}
	return nil
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	e, err := buildEnv(cmd)
	if err != nil {
		return err
	}
	if err := verify(ctx, e); err != nil {
		return err
	}
	log := logging.For("serve")

	var store jobs.Store
	var resultCache cache.Cache
	if e.settings.Backend == config.BackendDistributed {
		store = jobs.NewRedisStore(e.client)
		resultCache = cache.NewRedisCache(e.client, e.settings.CacheTTL)
	} else {
		store = jobs.NewMemoryStore()
		resultCache = cache.NewMemoryCache(e.settings.CacheTTL)
	}

	loader := transcribe.NewCPPLoader(e.runnerCfg)
	prober := transcribe.NewFFProbe("")
	registry := dispatch.NewRegistry()

	group, groupCtx := errgroup.WithContext(ctx)
	var pools []*pool.Pool
	if e.settings.Backend == config.BackendLocal {
		for _, id := range cmd.StringSlice("model") {
			model, ok := e.catalog.Model(id)
			if !ok {
				return fmt.Errorf("unknown model preset: %s", id)
			}
			if model.ReqGPU && e.device == "cpu" {
				return fmt.Errorf("model %s requires a gpu but device is cpu", id)
			}
			if e.settings.PoolWorkers > model.Workers {
				model.Workers = e.settings.PoolWorkers
			}

			p := pool.New(model, e.device, store, loader, prober, e.settings.Debug)
			p.Start(groupCtx)
			registry.Add(model.ID, p.Tasks())
			pools = append(pools, p)

			results := p.Results()
			group.Go(func() error {
				pool.NewCollector(store, resultCache).Run(groupCtx, results)
				return nil
			})
		}
	}

	dispatcher, err := dispatch.New(e.settings, registry, e.client)
	if err != nil {
		return err
	}

	orchestrator := service.New(store, resultCache, dispatcher, e.catalog, e.device)
	for _, m := range orchestrator.Models() {
		log.Info().Str("model", m.ID).Bool("gpu", m.ReqGPU).Msg("model available")
	}

	janitor := jobs.NewJanitor(store, e.settings.Retention, e.settings.StaleTimeout, e.settings.JanitorInterval)
	janitor.Start(ctx)

	log.Info().
		Str("backend", string(e.settings.Backend)).
		Str("device", e.device).
		Msg("coordinator running")
	<-ctx.Done()

	log.Info().Msg("shutting down")
	for _, p := range pools {
		p.Shutdown(e.settings.ShutdownGrace)
	}
	if err := group.Wait(); err != nil {
		return err
	}
	janitor.Stop()
	return nil
}

func runWorker(ctx context.Context, cmd *cli.Command) error {
	e, err := buildEnv(cmd)
	if err != nil {
		return err
	}
	if e.settings.Backend != config.BackendDistributed {
		return errors.New("worker requires EXECUTION_BACKEND=distributed")
	}
	if err := verify(ctx, e); err != nil {
		return err
	}

	model, ok := e.catalog.Model(cmd.String("model"))
	if !ok {
		return fmt.Errorf("unknown model preset: %s", cmd.String("model"))
	}
	if model.ReqGPU && e.device == "cpu" {
		return fmt.Errorf("model %s requires a gpu but device is cpu", model.ID)
	}

	store := jobs.NewRedisStore(e.client)
	resultCache := cache.NewRedisCache(e.client, e.settings.CacheTTL)
	loader := transcribe.NewCPPLoader(e.runnerCfg)
	prober := transcribe.NewFFProbe("")

	consumer := worker.NewConsumer(e.client, store, resultCache, loader, prober, model, e.device, e.settings.Debug)
	return consumer.Run(ctx)
}

func runCheck(ctx context.Context, cmd *cli.Command) error {
	e, err := buildEnv(cmd)
	if err != nil {
		return err
	}

	report := diagnostics.NewChecker(e.runnerCfg, e.client).Run(ctx, e.settings)
	for _, item := range report.Items {
		status := "ok"
		if item.Status == domain.DiagnosticStatusFail {
			status = "FAIL"
		}
		fmt.Printf("%-4s %-12s %s\n", status, item.ID, item.Message)
		if item.Status == domain.DiagnosticStatusFail && item.Hint != "" {
			fmt.Printf("     hint: %s\n", item.Hint)
		}
	}
	if report.HasFailures {
		return errors.New("diagnostics failed")
	}
	return nil
}

// hasGPU reports whether an nvidia GPU is visible to this process.
func hasGPU() bool {
	_, err := exec.LookPath("nvidia-smi")
	return err == nil
}

func defaultModelDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "models"
	}
	return filepath.Join(home, ".transcription-service", "models")
}
