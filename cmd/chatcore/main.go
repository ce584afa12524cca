package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chatcore/chatcore/pkg/agent"
	"github.com/chatcore/chatcore/pkg/chat"
	"github.com/chatcore/chatcore/pkg/config"
	"github.com/chatcore/chatcore/pkg/httpapi"
	"github.com/chatcore/chatcore/pkg/learning"
	"github.com/chatcore/chatcore/pkg/transcript"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chatcore",
		Short: "Streaming chat backend over an external agent runtime",
	}
	rootCmd.AddCommand(newServeCommand())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

func newServeCommand() *cobra.Command {
	var (
		addr           string
		transcriptRoot string
		model          string
		logLevel       string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the websocket chat endpoint and the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("transcript-root") {
				cfg.TranscriptRoot = transcriptRoot
			}
			if cmd.Flags().Changed("model") {
				cfg.Model = model
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			setupLogging(cfg)
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	cmd.Flags().StringVar(&transcriptRoot, "transcript-root", "", "directory of agent session transcripts")
	cmd.Flags().StringVar(&model, "model", "", "agent model identifier")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level (trace|debug|info|warn|error)")
	return cmd
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	backend := chat.NewStreamBackend(log.Logger)
	registry := chat.NewRegistry()
	queue := learning.NewQueue()
	store := transcript.NewStore(cfg.TranscriptRoot)
	editor := transcript.NewEditor(store)
	agentClient := agent.NewCLIClient(cfg.AgentBinary, cfg.AgentWorkDir)

	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	coordinator := chat.NewCoordinator(registry, agentClient, backend, queue, chat.CoordinatorOptions{
		Model:          cfg.Model,
		MaxTurns:       cfg.MaxTurns,
		PermissionMode: cfg.PermissionMode,
		SystemPrompt:   cfg.SystemPrompt,
		StreamTimeout:  cfg.RequestTimeout,
	}, log.Logger)
	chatRouter := chat.NewRouter(srvCtx, coordinator, backend, chat.RouterConfig{
		ReaderIdleTimeout: cfg.ReaderIdleTimeout,
	}, log.Logger)

	api := httpapi.New(registry, chatRouter, store, editor, queue, httpapi.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,
	}, log.Logger)

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	eg := errgroup.Group{}

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigChan:
			log.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-srvCtx.Done():
		}
		srvCancel()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		if err := backend.Close(); err != nil {
			log.Error().Err(err).Msg("stream backend close error")
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Str("transcript_root", cfg.TranscriptRoot).Msg("starting chatcore server")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})

	return eg.Wait()
}
