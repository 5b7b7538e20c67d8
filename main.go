package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"camera-control-go/internal/config"
	"camera-control-go/internal/device"
	"camera-control-go/internal/perf"
	"camera-control-go/internal/pipeline"
	"camera-control-go/internal/record"
	"camera-control-go/internal/web/api"
)

// Version information - set by linker flags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	flag.BoolVar(showVersion, "v", false, "Show version information (shorthand)")
	configPath := flag.String("config", "", "Path to config.toml (default: ./config.toml or $CAMERA_CONTROL_CONFIG)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Camera Control %s\n", Version)
		fmt.Printf("  Build time: %s\n", BuildTime)
		fmt.Printf("  Platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v (using defaults)\n", err)
	}

	logCleanup, err := config.ConfigureLogging(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging setup error: %v\n", err)
	}
	if logCleanup != nil {
		defer logCleanup()
	}

	log := slog.With("component", "main")
	log.Info("camera control starting", "version", Version,
		"capture", fmt.Sprintf("%dx%d@%d", cfg.Capture.Width, cfg.Capture.Height, cfg.Capture.FPS),
		"backend", cfg.Devices.Backend)

	ok, warnings := cfg.Validate()
	for _, w := range warnings {
		log.Warn("config", "warning", w)
	}
	if !ok {
		log.Error("config validation failed")
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	backend, err := newBackend(cfg)
	if err != nil {
		return err
	}

	probe, err := perf.NewSystemProbe()
	if err != nil {
		return fmt.Errorf("init system probe: %w", err)
	}
	monitor := perf.NewMonitor(probe)
	sampleInterval := time.Duration(cfg.Quality.SampleIntervalMS) * time.Millisecond
	monitor.Start(sampleInterval)
	defer monitor.Stop()

	controller := perf.NewController(perf.Thresholds{
		HighPercent:     cfg.Quality.HighPercent,
		CriticalPercent: cfg.Quality.CriticalPercent,
		PerCameraScale:  cfg.Quality.PerCameraScale,
		RecoverHold:     cfg.Quality.RecoverHoldCount,
	})

	pollInterval := time.Second / time.Duration(cfg.Capture.UIFPS)
	recorder, err := record.NewRecorder(record.Config{
		Dir:          cfg.Recording.Dir,
		FPS:          cfg.Recording.FPS,
		PollInterval: pollInterval,
	})
	if err != nil {
		return err
	}

	var states pipeline.StateStore
	if cfg.Devices.StateFile != "" {
		store, err := config.OpenStateStore(cfg.Devices.StateFile)
		if err != nil {
			log.Warn("camera state persistence disabled", "err", err)
		} else {
			states = store
		}
	}

	sup := pipeline.NewSupervisor(backend, recorder, monitor, controller, pipeline.Config{
		ReadTimeout:    time.Duration(cfg.Capture.ReadTimeoutMS) * time.Millisecond,
		MaxTimeouts:    cfg.Capture.MaxConsecutiveTimeouts,
		SampleInterval: sampleInterval,
		States:         states,
	})
	sup.Start()
	defer sup.Stop()

	for _, ref := range cfg.Devices.AutoConnect {
		id, err := sup.Connect(ref)
		if err != nil {
			log.Warn("auto-connect failed", "ref", ref, "err", err)
			continue
		}
		if err := sup.StartStream(id); err != nil {
			log.Warn("auto-stream failed", "camera", id, "err", err)
		}
	}

	server := api.NewServer(sup, recorder, monitor, pollInterval)
	srv := &http.Server{
		Addr:              cfg.Web.Addr,
		Handler:           api.NewRouter(server, cfg.Web.CORS),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http listening", "addr", cfg.Web.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("http shutdown", "err", err)
	}
	return nil
}

func newBackend(cfg *config.Config) (device.Backend, error) {
	switch cfg.Devices.Backend {
	case "sim":
		b := device.NewSimBackend()
		b.Width = cfg.Capture.Width
		b.Height = cfg.Capture.Height
		b.FPS = cfg.Capture.FPS
		return b, nil
	case "webcam":
		return &device.WebcamBackend{
			Width:       cfg.Capture.Width,
			Height:      cfg.Capture.Height,
			FPS:         cfg.Capture.FPS,
			KillHolders: cfg.Devices.KillHolders,
		}, nil
	default:
		return nil, fmt.Errorf("unknown device backend %q", cfg.Devices.Backend)
	}
}
