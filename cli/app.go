// Package cli is the command-line front end: it wires configuration, the
// store, the chat API client and the turn orchestrator into cobra commands.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"character-chat/chat"
	"character-chat/db"
	"character-chat/llm"
	"character-chat/utils"
)

// App holds the collaborators shared by every command
type App struct {
	config       *utils.Config
	configPath   string
	db           *db.DB
	logger       *utils.Logger
	orchestrator *chat.Orchestrator
	out          io.Writer
}

// Close releases everything opened by open
func (a *App) Close() {
	if a.orchestrator != nil {
		a.orchestrator.Close()
		a.orchestrator = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("Failed to close database: %v", err)
		}
		a.db = nil
	}
	if a.logger != nil {
		a.logger.Close()
		a.logger = nil
	}
}

func (a *App) open(configPath string, quiet bool) error {
	var err error
	if configPath == "" {
		configPath, err = utils.EnsureDefaultConfig()
		if err != nil {
			return fmt.Errorf("failed to create default config: %w", err)
		}
	}
	a.configPath = configPath

	a.config, err = utils.LoadConfig(configPath)
	if err != nil {
		return err
	}

	a.logger, err = utils.NewLogger(utils.GetLogPath(a.config.Log.Dir))
	if err != nil {
		return utils.WrapError(err, "failed to start logging")
	}
	a.logger.SetQuiet(quiet || a.config.Log.Quiet)
	a.logger.Debug("Using config file: %s", configPath)

	a.db, err = db.New(a.config.Data.DBPath)
	if err != nil {
		return utils.WrapError(err, "failed to open "+a.config.Data.DBPath)
	}
	a.logger.Debug("Database initialized: %s", a.config.Data.DBPath)

	client := llm.NewClient(llm.Config{
		BaseURL:               a.config.API.BaseURL,
		ConnectTimeout:        a.config.API.ConnectTimeout(),
		ResponseHeaderTimeout: a.config.API.ResponseHeaderTimeout(),
	})

	var opts []chat.Option
	if a.config.API.GenerateTitles {
		opts = append(opts, chat.WithTitleGenerator(llm.NewTitler(client.BaseURL())))
	}
	a.orchestrator = chat.New(a.db, client, a.logger, opts...)
	return nil
}

// NewRootCommand builds the command tree
func NewRootCommand(version string) *cobra.Command {
	app := &App{out: os.Stdout}
	var configPath string
	var quiet bool

	root := &cobra.Command{
		Use:           "character-chat",
		Short:         "Chat with configurable AI characters",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			app.out = cmd.OutOrStdout()
			return app.open(configPath, quiet)
		},
	}
	// also runs after a failed command
	cobra.OnFinalize(app.Close)
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (JSON or YAML)")
	root.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Do not echo log lines to stderr")

	root.AddCommand(
		newChatCommand(app),
		newRegenerateCommand(app),
		newContinueCommand(app),
		newConversationsCommand(app),
		newHistoryCommand(app),
		newCharacterCommand(app),
		newPersonaCommand(app),
		newScenarioCommand(app),
		newSettingsCommand(app),
		newSearchCommand(app),
		newUsageCommand(app),
	)
	return root
}

// Execute runs the command line and exits non-zero on failure
func Execute(version string) {
	if err := NewRootCommand(version).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
