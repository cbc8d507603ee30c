// Command textindex builds, queries, inspects and maintains payload full-text
// indexes.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/payload"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/payload/storage"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/logger"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(apperrors.ExitCode(err))
	}
}

type globalFlags struct {
	configPath string
	dataDir    string
	logLevel   string
}

// app carries state shared by every subcommand once the config is loaded.
type app struct {
	flags globalFlags
	cfg   *config.Config
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "textindex",
		Short:         "Full-text payload index tools",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.flags.configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&a.flags.dataDir, "data-dir", "", "index directory, overrides index.dataDir")
	root.PersistentFlags().StringVar(&a.flags.logLevel, "log-level", "", "log level, overrides logging.level")

	root.AddCommand(
		newBuildCommand(a),
		newQueryCommand(a),
		newInspectCommand(a),
		newConsumeCommand(a),
		newPublishCommand(a),
		newServeCommand(a),
	)
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.flags.configPath)
	if err != nil {
		return err
	}
	if a.flags.dataDir != "" {
		cfg.Index.DataDir = a.flags.dataDir
	}
	if a.flags.logLevel != "" {
		cfg.Logging.Level = a.flags.logLevel
	}
	logger.SetupWriter(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
	a.cfg = cfg
	return nil
}

// openIndex opens the configured payload storage and the index over it.
func (a *app) openIndex(ctx context.Context) (*payload.Index, error) {
	store, err := storage.Open(ctx, a.cfg, a.cfg.Index.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening payload storage: %w", err)
	}
	idx, err := payload.Open(ctx, a.cfg.Index.DataDir, store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening payload index: %w", err)
	}
	return idx, nil
}
