package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/event"
	"github.com/parley-ai/parley/internal/logging"
	"github.com/parley-ai/parley/internal/provider"
	"github.com/parley-ai/parley/internal/server"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/internal/store"
)

var (
	servePort     int
	serveHostname string
	serveDir      string
	serveModel    string
	serveWarmPool int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the parley server",
	Long: `Start parley as a server exposing the session API over HTTP,
with an SSE event feed for streaming conversation updates.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", "", "Hostname to listen on")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Workspace directory")
	serveCmd.Flags().StringVar(&serveModel, "model", "", "Provider model identifier")
	serveCmd.Flags().IntVar(&serveWarmPool, "warm-pool", -1, "Warmup pool size")
}

func runServe(cmd *cobra.Command, args []string) error {
	// Local .env is optional.
	_ = godotenv.Load()

	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Port = servePort
	}
	if serveHostname != "" {
		cfg.Host = serveHostname
	}
	if serveModel != "" {
		cfg.Model = serveModel
	}
	if serveWarmPool >= 0 {
		cfg.WarmPoolSize = serveWarmPool
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logPretty {
		cfg.LogPretty = true
	}

	logging.Setup(logging.Options{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	log := logging.Component("serve")
	log.Info().Str("version", Version).Str("workspace", cfg.Workspace).Msg("starting parley")

	if err := config.GetPaths().EnsurePaths(); err != nil {
		return err
	}

	bus := event.NewBus()
	defer bus.Close()

	st := store.New(cfg.TranscriptDir)
	adapter := provider.NewClaude("")

	manager := session.NewManager(adapter, st, bus, session.ManagerConfig{
		Session: session.Config{
			Workspace:      cfg.Workspace,
			Model:          cfg.Model,
			TokenBudget:    cfg.TokenBudget,
			PermissionMode: cfg.PermissionMode,
			AllowedTools:   cfg.AllowedTools,
		},
		WarmPoolSize:  cfg.WarmPoolSize,
		SweepInterval: time.Duration(cfg.SweepIntervalSec) * time.Second,
		CreatedTTL:    time.Duration(cfg.CreatedTTLSec) * time.Second,
		TurnTTL:       time.Duration(cfg.TurnTTLSec) * time.Second,
		Watch:         true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := manager.Start(ctx); err != nil {
		return err
	}
	defer manager.Stop()

	serverCfg := server.DefaultConfig()
	serverCfg.Host = cfg.Host
	serverCfg.Port = cfg.Port
	srv := server.New(serverCfg, manager, bus)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("host", cfg.Host).Int("port", cfg.Port).Msg("server listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown error")
	}
	log.Info().Msg("server stopped")
	return nil
}
