package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/amimimor/claude-code-telegram-bot/internal/claude"
	"github.com/amimimor/claude-code-telegram-bot/internal/config"
	"github.com/amimimor/claude-code-telegram-bot/internal/endpoint"
	"github.com/amimimor/claude-code-telegram-bot/internal/event"
	"github.com/amimimor/claude-code-telegram-bot/internal/logging"
	"github.com/amimimor/claude-code-telegram-bot/internal/router"
	"github.com/amimimor/claude-code-telegram-bot/internal/server"
	"github.com/amimimor/claude-code-telegram-bot/internal/telegram"
	"github.com/amimimor/claude-code-telegram-bot/internal/tunnel"
)

var serveDir string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Telegram bridge",
	Long: `Start the bridge: expose the webhook endpoint (via a cloudflared
quick tunnel by default), register it with Telegram, and route chat
messages to Claude Code sessions.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Default working directory (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	wd, err := os.Getwd()
	if err != nil {
		return err
	}

	cfg, err := config.Load(wd)
	if err != nil {
		return err
	}
	if serveDir != "" {
		cfg.WorkingDir = claude.ExpandDir(serveDir)
	}
	logging.Init(logging.Config{Level: logging.ParseLevel(cfg.LogLevel), Pretty: prettyLog})

	logging.Info().
		Str("version", Version).
		Str("mode", string(cfg.Mode)).
		Str("working_dir", cfg.WorkingDir).
		Msg("starting claude-telegram")

	// Application lifetime context; cancelled on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := event.NewBus()
	defer bus.Close()

	registry := claude.NewRegistry(cfg.WorkingDir, cfg.ContinueWindow)
	runner := claude.NewRunner(cfg.CLIPath, cfg.RunTimeout)
	tg := telegram.New(cfg.BotToken, cfg.ChatID)
	rt := router.New(ctx, cfg, registry, runner, tg, bus)

	// Register the command menu; failure is cosmetic.
	if err := tg.SetMyCommands(ctx, rt.Commands()); err != nil {
		logging.Warn().Err(err).Msg("command menu registration failed")
	}

	tun := tunnel.New(cfg.Port)
	rec := endpoint.New(cfg, tg, tun, bus, rt.HandleUpdate)

	srv := server.New(cfg, rt, registry, bus, func() string {
		return string(rec.State())
	})

	serverErr := make(chan error, 1)
	go func() {
		logging.Info().Str("host", cfg.Host).Int("port", cfg.Port).Msg("http server listening")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	recDone := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(recDone)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logging.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serverErr:
		logging.Error().Err(err).Msg("http server failed")
		return err
	}

	// Teardown order: stop delivery, flush running invocations, close the
	// server.
	cancel()
	<-recDone

	registry.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("server shutdown error")
	}

	logging.Info().Msg("stopped")
	return nil
}
