// mediamill is a long-running HTTP job server for media processing:
// transcription, download, keyframe extraction and video composition,
// delegated to ffmpeg, ffprobe, yt-dlp and a whisper CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mediamill/internal/admission"
	"mediamill/internal/cache"
	"mediamill/internal/config"
	"mediamill/internal/executor"
	"mediamill/internal/hwaccel"
	"mediamill/internal/janitor"
	"mediamill/internal/logging"
	"mediamill/internal/observability"
	"mediamill/internal/resource"
	"mediamill/internal/runner"
	"mediamill/internal/server"
	"mediamill/internal/task"
	"mediamill/internal/taskerr"
	"mediamill/internal/transcriber"
)

func main() {
	root := &cobra.Command{
		Use:          "mediamill",
		Short:        "Asynchronous media-processing job server",
		SilenceUsage: true,
	}
	root.AddCommand(serveCommand())
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCommand() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "listen address")
	cmd.Flags().IntVar(&port, "port", 8000, "listen port")
	return cmd
}

func serve(cfg *config.Config) error {
	logger := logging.NewComponentLogger("Server")
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	registry := task.NewRegistry(logger)
	run := runner.New(cfg.FFmpegBin, cfg.FFprobeBin, cfg.MaxConcurrentRuns, logger)
	registry.SetTerminator(run)
	run.SetProgressSink(registry)

	detector := hwaccel.NewDetector(cfg.FFmpegBin, logger)
	run.SetRewriter(detector)

	store, err := cache.New(cfg.Dir(config.DirCache), cfg.CacheMaxBytes, cfg.CacheMaxIdle, logger)
	if err != nil {
		return err
	}

	scratch := cfg.ScratchPolicies()
	scratchDirs := make([]string, 0, len(scratch))
	for dir := range scratch {
		scratchDirs = append(scratchDirs, dir)
	}
	sampler := resource.NewSampler(resource.NewProber(cfg.WorkDir), registry,
		scratchDirs, cfg.SamplingInterval, logger)

	errs := taskerr.NewRing(0)
	exec := executor.New(cfg, registry, run, store, detector, sampler,
		transcriber.New(cfg.WhisperModel, logger), errs, logger)
	jan := janitor.New(registry, run, store, scratch, cfg.TaskTimeout, cfg.JanitorInterval, logger)

	metrics := observability.New(registry, sampler, run, store)
	registry.SetObserver(metrics.TaskFinished)

	srv := server.New(server.Deps{
		Config:    cfg,
		Registry:  registry,
		Executor:  exec,
		Admission: admission.NewController(sampler, registry, logger),
		Sampler:   sampler,
		Runner:    run,
		Cache:     store,
		Detector:  detector,
		Janitor:   jan,
		Errors:    errs,
		Metrics:   metrics,
		Logger:    logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go sampler.Run(ctx)
	go jan.Run(ctx)

	logger.Info("mediamill serving on %s:%d (work dir %s)", cfg.Host, cfg.Port, cfg.WorkDir)
	return srv.Run(ctx)
}
