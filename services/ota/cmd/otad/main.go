package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"otad/pkg/bus"
	"otad/pkg/db"
	gos3 "otad/pkg/s3"
	"otad/pkg/telemetry"
	"otad/services/ota/internal/api"
	"otad/services/ota/internal/audit"
	"otad/services/ota/internal/config"
	"otad/services/ota/internal/firmware"
	"otad/services/ota/internal/fleet"
	"otad/services/ota/internal/mirror"
	"otad/services/ota/internal/release"
	"otad/services/ota/internal/tftp"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "otad",
		Short:         "Firmware distribution and device fleet server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newGenKeyCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the OTA server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run("otad")
		},
	}
}

func newGenKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "genkey",
		Short: "Generate a random API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			buf := make([]byte, 32)
			if _, err := rand.Read(buf); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(buf))
			return nil
		},
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownTelemetry != nil {
			if err := shutdownTelemetry(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
			}
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	validator := firmware.Validator{
		MaxSize:   cfg.Firmware.MaxSizeBytes(),
		Signature: cfg.Firmware.Signature,
	}
	store, err := firmware.NewStore(cfg.Firmware.Dir, validator, cfg.Firmware.BackupsEnabled, logger)
	if err != nil {
		return fmt.Errorf("init firmware store: %w", err)
	}

	registry := fleet.NewRegistry()

	deps := api.Deps{
		Store:   store,
		Fleet:   registry,
		Metrics: prometheus.DefaultRegisterer,
		Logger:  logger,
	}

	if cfg.NATSURL != "" {
		eventBus, err := bus.New(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer eventBus.Close()
		deps.Bus = eventBus
		logger.Printf("INFO fleet events enabled via %s", cfg.NATSURL)
	}

	if cfg.DatabaseDSN != "" {
		pool, err := db.Open(ctx, cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer pool.Close()
		if err := db.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		deps.Audit = audit.NewRecorder(pool, logger)
		logger.Printf("INFO audit log enabled")
	}

	if cfg.MirrorBucket != "" {
		s3Client, err := gos3.NewClientFromEnv()
		if err != nil {
			return fmt.Errorf("init s3 client: %w", err)
		}
		m, err := mirror.New(s3Client, cfg.MirrorBucket, logger)
		if err != nil {
			return fmt.Errorf("init mirror: %w", err)
		}
		deps.Mirror = m
		logger.Printf("INFO artifact mirror enabled for bucket %s", cfg.MirrorBucket)
	}

	signer, err := release.NewSignerFromEnv()
	if err != nil {
		return fmt.Errorf("init release signer: %w", err)
	}
	if signer.CanSign() {
		writer, err := release.NewWriter(signer, store.Root(), logger)
		if err != nil {
			return fmt.Errorf("init manifest writer: %w", err)
		}
		deps.Manifest = writer
		logger.Printf("INFO manifest signing enabled as %s", signer.Recipient())
	}

	apiLayer, err := api.New(deps, api.Config{
		APIKey:    cfg.APIKey,
		UpdateURL: cfg.UpdateURL,
	})
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}
	routes, err := apiLayer.Routes()
	if err != nil {
		return fmt.Errorf("build routes: %w", err)
	}

	sweeper, err := fleet.NewSweeper(registry, cfg.Fleet.LivenessTimeout, cfg.Fleet.SweepInterval, logger, apiLayer.DeviceOffline)
	if err != nil {
		return fmt.Errorf("init liveness sweeper: %w", err)
	}
	go sweeper.Run(ctx)
	go store.RunStagingSweeper(ctx, cfg.Staging.SweepInterval, cfg.Staging.MaxAge)

	if cfg.TFTP.Enabled {
		tftpServer, err := tftp.NewServer(store.Root(), cfg.TFTP.Address, cfg.TFTP.Timeout, logger)
		if err != nil {
			return fmt.Errorf("init tftp server: %w", err)
		}
		go func() {
			if err := tftpServer.Run(ctx); err != nil {
				logger.Printf("ERROR tftp server failed: %v", err)
			}
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	mux.HandleFunc("/readyz", readyHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", routes)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: middleware(mux),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: server shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Printf("INFO listening on %s", server.Addr)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Printf("ERROR server failed: %v", err)
		return err
	}

	return nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func readyHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
