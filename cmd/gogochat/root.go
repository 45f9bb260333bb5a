package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/webchat/internal/chat"
	"github.com/xiaot623/gogo/webchat/internal/client"
	"github.com/xiaot623/gogo/webchat/internal/config"
	"github.com/xiaot623/gogo/webchat/internal/logging"
)

// app is the state shared by the sub-commands.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{cfg: config.Load()}
	return a.rootCmd()
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gogochat",
		Short:         "Streaming chat client and conversation backend",
		SilenceUsage:  true,
		SilenceErrors: false,
		Long: `gogochat talks to a conversation backend that answers with a Server-Sent
Events stream, renders the answer as it arrives and keeps the conversations
locally.

Settings come from the environment (BACKEND_URL, DATABASE_URL, GOGO_MODE, ...)
and can be overridden with flags.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(a.cfg.LogLevel, a.cfg.LogFormat)
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfg.BackendURL, "backend-url", a.cfg.BackendURL, "Base URL of the conversation backend")
	flags.StringVar(&a.cfg.DatabaseURL, "db", a.cfg.DatabaseURL, `SQLite DSN for conversations ("memory" keeps them in memory)`)
	flags.StringVar(&a.cfg.Model, "model", a.cfg.Model, "Model requested for answers")
	flags.StringVar(&a.cfg.Jailbreak, "jailbreak", a.cfg.Jailbreak, "Special instructions id")
	flags.StringVar(&a.cfg.Mode, "mode", a.cfg.Mode, `Set to "MOCK" to answer locally without a backend`)
	flags.StringVar(&a.cfg.LogLevel, "log-level", a.cfg.LogLevel, "Log level: debug, info, warn, error")
	flags.StringVar(&a.cfg.LogFormat, "log-format", a.cfg.LogFormat, "Log format: console or json")

	root.AddCommand(
		newServeCmd(a),
		newChatCmd(a),
		newAttachCmd(a),
		newConversationsCmd(a),
	)
	return root
}

// streamer returns the answer source of a chat session: the local echo
// streamer in mock mode, the configured backend otherwise.
func (a *app) streamer() chat.Streamer {
	return a.streamerAt(a.cfg.BackendURL)
}

func (a *app) streamerAt(backendURL string) chat.Streamer {
	if a.cfg.MockMode() {
		return chat.NewEchoStreamer()
	}
	return client.NewClient(backendURL, client.WithLogger(a.logger.Named("client")))
}

func (a *app) sessionOptions() chat.Options {
	return chat.Options{Model: a.cfg.Model, Jailbreak: a.cfg.Jailbreak}
}
