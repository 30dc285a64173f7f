package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"predictd/internal/config"
	"predictd/internal/engine"
	"predictd/internal/httpapi"
	"predictd/internal/logging"
)

type serveFlags struct {
	configPath string
	envFile    string
	addr       string
	artifact   string
	placement  string
	devices    string
	isolation  string
	logLevel   string
}

func buildServeCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Start the workers and serve predictions over HTTP",
		Example: "  predictd serve --config predictd.yaml\n  predictd serve --artifact ranker.pda --placement plan.yaml --devices cuda:0,cuda:1",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, f)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.configPath, "config", "c", "", "Config file (.yaml, .yml, .json, .toml)")
	fl.StringVar(&f.envFile, "env-file", ".env", "Environment file preloaded before PREDICTD_* overrides")
	fl.StringVar(&f.addr, "addr", "", "HTTP listen address, e.g. :8080")
	fl.StringVar(&f.artifact, "artifact", "", "Model artifact path")
	fl.StringVar(&f.placement, "placement", "", "Placement assignment path")
	fl.StringVar(&f.devices, "devices", "", "Comma-separated devices, e.g. cpu:0,cuda:0")
	fl.StringVar(&f.isolation, "isolation", "", "Worker isolation: process|thread")
	fl.StringVar(&f.logLevel, "log-level", "", "Log level: debug|info|warn|error")
	return cmd
}

// resolveConfig layers defaults, the config file, the environment and then
// explicitly set flags.
func resolveConfig(cmd *cobra.Command, f serveFlags) (config.Config, error) {
	cfg := config.Defaults()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return cfg, err
		}
	}
	if err := config.LoadDotEnv(f.envFile); err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	changed := cmd.Flags().Changed
	if changed("addr") {
		cfg.Addr = f.addr
	}
	if changed("artifact") {
		cfg.ArtifactPath = f.artifact
	}
	if changed("placement") {
		cfg.PlacementPath = f.placement
	}
	if changed("devices") {
		cfg.Devices = strings.Split(f.devices, ",")
	}
	if changed("isolation") {
		cfg.Isolation = f.isolation
	}
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	return cfg, cfg.Validate()
}

func serve(cfg config.Config) error {
	log, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	httpapi.SetLogger(log.With().Str("component", "http").Logger())
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetRequestLogLevel(cfg.RequestLog)
	httpapi.SetCORSOptions(cfg.CORSEnabled, cfg.CORSAllowedOrigins, cfg.CORSAllowedMethods, cfg.CORSAllowedHeaders)

	eng, err := engine.New(cfg, engine.Options{Logger: log})
	if err != nil {
		return err
	}

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpapi.SetBaseContext(baseCtx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(eng),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Strs("devices", cfg.Devices).Str("isolation", cfg.Isolation).Msg("event=listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loadCtx, cancelLoad := context.WithTimeout(sigCtx, cfg.LoadTimeout.D()+5*time.Second)
	err = eng.Start(loadCtx)
	cancelLoad()
	if err != nil {
		_ = srv.Close()
		_ = eng.Shutdown(context.Background())
		return fmt.Errorf("start engine: %w", err)
	}

	select {
	case <-sigCtx.Done():
		log.Info().Msg("event=signal_received")
	case err := <-srvErr:
		if err != nil {
			_ = eng.Shutdown(context.Background())
			return fmt.Errorf("server error: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout.D())
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("event=http_shutdown_error")
	}
	cancelBase()
	return eng.Shutdown(ctx)
}
