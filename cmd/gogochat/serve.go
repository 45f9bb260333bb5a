package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/gogo/webchat/internal/adapter/llm"
	"github.com/xiaot623/gogo/webchat/internal/backend"
	"github.com/xiaot623/gogo/webchat/internal/chat"
	"github.com/xiaot623/gogo/webchat/internal/config"
	"github.com/xiaot623/gogo/webchat/internal/metrics"
	"github.com/xiaot623/gogo/webchat/internal/policy"
	"github.com/xiaot623/gogo/webchat/internal/store"
	httpserver "github.com/xiaot623/gogo/webchat/internal/transport/http"
	"github.com/xiaot623/gogo/webchat/internal/transport/ws"
)

func newServeCmd(a *app) *cobra.Command {
	var policyFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the conversation backend and the browser relay",
		Long: `Serves POST /backend-api/v2/conversation, answering from the upstream
OpenAI-compatible API (LITELLM_URL), and GET /ws, which relays a browser chat
page onto a chat session backed by the local conversation store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(policyFile, relayBackendURL(a.cfg, backendURLExplicit(cmd)))
		},
	}
	cmd.Flags().IntVar(&a.cfg.HTTPPort, "port", a.cfg.HTTPPort, "HTTP listen port")
	cmd.Flags().StringVar(&a.cfg.LiteLLMURL, "llm-url", a.cfg.LiteLLMURL, "Upstream OpenAI-compatible API base URL")
	cmd.Flags().StringVar(&a.cfg.FallbackModel, "fallback-model", a.cfg.FallbackModel, "Model retried when the requested one does not exist")
	cmd.Flags().StringVar(&policyFile, "policy", "", "Rego admission policy file (default: built-in policy)")
	return cmd
}

// backendURLExplicit reports whether the backend URL was set by flag or
// environment rather than left at its default.
func backendURLExplicit(cmd *cobra.Command) bool {
	if cmd.Flags().Changed("backend-url") {
		return true
	}
	_, ok := os.LookupEnv("BACKEND_URL")
	return ok
}

// relayBackendURL is the backend relay sessions stream from: this server
// itself unless another backend was named explicitly.
func relayBackendURL(cfg *config.Config, explicit bool) string {
	if explicit {
		return cfg.BackendURL
	}
	return fmt.Sprintf("http://localhost:%d", cfg.HTTPPort)
}

func (a *app) serve(policyFile, relayURL string) error {
	cfg := a.cfg
	logger := a.logger

	logger.Info("starting gogochat backend",
		zap.Int("port", cfg.HTTPPort),
		zap.String("database", cfg.DatabaseURL),
		zap.String("llm_url", cfg.LiteLLMURL),
		zap.String("relay_backend_url", relayURL),
		zap.Bool("mock", cfg.MockMode()))

	// Initialize store
	st := store.Open(cfg.DatabaseURL, logger.Named("store"))
	defer st.Close()

	// Initialize policy engine
	policyContent := policy.DefaultPolicy
	if policyFile != "" {
		data, err := os.ReadFile(policyFile)
		if err != nil {
			return fmt.Errorf("failed to read policy: %w", err)
		}
		policyContent = string(data)
	}
	engine, err := policy.NewEngine(context.Background(), policyContent)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	// Initialize service
	svc := backend.NewService(llm.NewLLMClient(cfg, logger), engine,
		backend.WithLogger(logger.Named("backend")),
		backend.WithModels(cfg.Model, cfg.FallbackModel))

	m := metrics.New()

	// Browser sessions stream from relayURL unless mocked.
	wsServer := ws.NewServer(cfg, ws.NewHub(), func(view chat.View) *chat.Session {
		return chat.NewSession(st, a.streamerAt(relayURL), view,
			chat.WithLogger(logger.Named("session")),
			chat.WithOptions(a.sessionOptions()))
	}, logger.Named("ws"), ws.WithMetrics(m))

	server := httpserver.NewServer(svc, wsServer, m, logger.Named("http"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	// Start server
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	logger.Info("backend started", zap.Int("port", cfg.HTTPPort))

	// Graceful shutdown on interrupt or when the server fails
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down backend")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shutdown server gracefully", zap.Error(err))
		}
		wsServer.Hub().CloseAll()
		wsServer.Wait()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("backend stopped")
	return nil
}
