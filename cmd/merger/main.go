package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/propmerge/internal/config"
	"github.com/propmerge/internal/db"
	"github.com/propmerge/internal/events"
	"github.com/propmerge/internal/logging"
	"github.com/propmerge/internal/pipeline"
)

// app carries what every subcommand shares
type app struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
	sink   events.Sink
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{}
	if err := a.rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "merger",
		Short:         "Listing record linkage and merge engine",
		Long:          `Links listings of the same property across Zillow, Redfin and Realtor.com and maintains one merged record per address`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default ./config.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log.level")

	root.AddCommand(a.createRunCmd())
	root.AddCommand(a.createImportCmd())
	root.AddCommand(a.createStatsCmd())
	root.AddCommand(a.createShowCmd())
	root.AddCommand(a.createChangesCmd())
	root.AddCommand(a.createNormalizeCmd())
	root.AddCommand(a.createMigrateCmd())
	root.AddCommand(a.createPingCmd())
	root.AddCommand(a.createServeCmd())
	return root
}

// setup loads configuration, builds the logger and reports config corrections
func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	warnings := cfg.Validate()

	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	a.cfg = cfg
	a.logger = logger
	a.sink = events.NewSlogSink(logger)
	for _, w := range warnings {
		a.sink.Emit(events.Event{Kind: events.KindConfigWarning, Attrs: map[string]any{"warning": w}})
	}
	return nil
}

// openStore connects to the configured database and applies the schema
func (a *app) openStore(ctx context.Context) (*db.Store, error) {
	st, err := db.OpenStore(ctx, db.Options{
		Driver:       a.cfg.Database.Driver,
		DSN:          a.cfg.Database.DSN,
		MaxOpenConns: a.cfg.Database.MaxConnections,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

func (a *app) pipelineConfig() pipeline.Config {
	return pipeline.Config{
		Match:                  a.cfg.Match,
		Merge:                  a.cfg.Merge,
		Workers:                a.cfg.Run.Workers,
		StatsDefaultQuality:    a.cfg.Run.StatsDefaultQuality,
		StatsDefaultConfidence: a.cfg.Run.StatsDefaultConfidence,
	}
}
