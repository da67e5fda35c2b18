package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/kiln/internal/allocator"
	"github.com/seantiz/kiln/internal/api"
	"github.com/seantiz/kiln/internal/block"
	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/engine"
	kilnlog "github.com/seantiz/kiln/internal/log"
	"github.com/seantiz/kiln/internal/queue"
	"github.com/seantiz/kiln/internal/store"
	"github.com/seantiz/kiln/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the worker and its HTTP API",
	RunE:  doServe,
}

func doServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(flagConfigFilePath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flagVerbose {
		cfg.LogLevel = slog.LevelDebug
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx := kilnlog.ContextAttrs(cmd.Context(), slog.Group("kiln",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	))

	logger.InfoContext(ctx, "kiln: starting",
		"listen_addr", cfg.ListenAddr,
		"store", cfg.Store,
		"block", cfg.Block,
	)

	if cfg.TraceOutput != "" {
		shutdown, err := initTracing(cfg.TraceOutput)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Warn("flush traces", "error", err)
			}
		}()
	}

	kv, err := store.Open(ctx, store.Options{
		Backend: cfg.Store,
		DBPath:  cfg.DBPath,
		Dir:     cfg.StoreDir,
		Redis: store.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		},
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer kv.Close()

	var state queue.State = queue.NewMemoryState()
	if cfg.DurableQueue {
		state = queue.NewDurableState(kv)
	}

	var enum allocator.Enumerator = allocator.NvidiaSMI{}
	if cfg.Devices != config.DevicesAuto {
		enum = allocator.Static(cfg.Devices)
	}
	alloc, err := allocator.Discover(ctx, enum, cfg.ExcludeDevices)
	if err != nil {
		return fmt.Errorf("discover devices: %w", err)
	}
	logger.InfoContext(ctx, "device units", "units", alloc.Names(), "require_device", cfg.RequireDevice)

	b, err := block.Builtin().Resolve(cfg.Block)
	if err != nil {
		return err
	}

	eng := engine.New(engine.Options{
		Records:       store.NewRecords(kv),
		Tracker:       queue.New(state),
		Allocator:     alloc,
		Block:         b,
		RequireDevice: cfg.RequireDevice,
		MaxWorkers:    cfg.MaxWorkers,
		QueueCapacity: cfg.QueueCapacity,
		JobTimeout:    cfg.JobTimeout,
		Notifier:      webhook.New(cfg.WebhookURL, logger),
		Logger:        logger,
	})
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	srv := api.NewServer(cfg.ListenAddr, eng, logger, cfg.CORSOrigins)
	runErr := srv.Run()

	// Run stops the engine on its way out; stop here too for the error path.
	eng.Stop(0)
	eng.Wait()
	if runErr != nil {
		return fmt.Errorf("server error: %w", runErr)
	}
	return nil
}

// initTracing exports spans to stdout, stderr or a file path.
func initTracing(output string) (func(context.Context) error, error) {
	var w io.Writer
	var closer io.Closer
	switch output {
	case "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		w, closer = f, f
	}

	shutdown, err := engine.InitTracing("kiln", version(), w)
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, err
	}
	return func(ctx context.Context) error {
		err := shutdown(ctx)
		if closer != nil {
			if cerr := closer.Close(); err == nil {
				err = cerr
			}
		}
		return err
	}, nil
}
