package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/maxpert/servicebus-go/broker"
	"github.com/maxpert/servicebus-go/config"
	"github.com/maxpert/servicebus-go/server"
	"github.com/maxpert/servicebus-go/storage"
)

var version = "0.1.0"

const banner = `
   ____                 _            ____
  / ___|  ___ _ ____   _(_) ___ ___  | __ ) _   _ ___
  \___ \ / _ \ '__\ \ / / |/ __/ _ \ |  _ \| | | / __|
   ___) |  __/ |   \ V /| | (_|  __/ | |_) | |_| \__ \
  |____/ \___|_|    \_/ |_|\___\___| |____/ \__,_|___/

Service Bus Emulator %s
`

type globalFlags struct {
	configFile string
	logLevel   string
	backend    string
	dataDir    string
}

// load returns defaults overlaid with the config file, SBEMU_* variables
// and finally the command-line overrides.
func (g *globalFlags) load() (*config.Config, error) {
	cfg, err := config.LoadFile(g.configFile)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.backend != "" {
		cfg.Persistence.Backend = g.backend
	}
	if g.dataDir != "" {
		cfg.Persistence.Path = g.dataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "servicebus-emulator",
		Short:         "Local Service Bus broker",
		Long:          "servicebus-emulator runs an in-process Service Bus compatible broker with optional persistence.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&g.configFile, "config", "c", "", "Configuration file path (YAML/JSON)")
	flags.StringVar(&g.logLevel, "log-level", "", "Log level: debug|info|warn|error")
	flags.StringVar(&g.backend, "backend", "", fmt.Sprintf("Persistence backend: %v", storage.Backends()))
	flags.StringVar(&g.dataDir, "data-dir", "", "Data directory for file and embedded backends")

	root.AddCommand(
		newServeCommand(g),
		newExportCommand(g),
		newImportCommand(g),
		newCompactCommand(g),
		newGenerateConfigCommand(),
		newVersionCommand(),
	)
	return root
}

func newServeCommand(g *globalFlags) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"run"},
		Short:   "Run the broker until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if metricsAddr != "" {
				cfg.Telemetry.MetricsEnabled = true
				cfg.Telemetry.MetricsAddress = metricsAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Fprintf(cmd.OutOrStdout(), banner, version)
			srv, err := server.NewServerBuilderWithConfig(cfg).Build(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = srv.Log.Sync() }()

			fmt.Fprintf(cmd.OutOrStdout(), "Persistence: %s (%s)\n", srv.Broker.Health().Backend, cfg.Persistence.Path)
			if cfg.Telemetry.MetricsEnabled {
				fmt.Fprintf(cmd.OutOrStdout(), "Metrics: http://%s/metrics\n", cfg.Telemetry.MetricsAddress)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Broker ready - Press Ctrl+C to stop")
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "Enable the metrics endpoint on this address")
	return cmd
}

// openOffline opens the configured backend for a one-shot state command.
// Background loops are not started; Close writes the final snapshot.
func openOffline(ctx context.Context, g *globalFlags) (*broker.Broker, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	if cfg.Persistence.Backend == "" || cfg.Persistence.Backend == storage.BackendNone {
		return nil, fmt.Errorf("a persistence backend is required; set --backend or persistence.backend")
	}
	if cfg.Persistence.Backend == storage.BackendMemory {
		return nil, fmt.Errorf("the memory backend does not outlive the process")
	}
	cfg.Persistence.Required = true

	logger, err := server.NewLogger(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return broker.New(ctx, cfg, broker.WithLogger(logger))
}

func newExportCommand(g *globalFlags) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the persisted state to a snapshot file (.json or CBOR)",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			b, err := openOffline(ctx, g)
			if err != nil {
				return err
			}
			defer closeBroker(ctx, b, &err)

			snap, err := b.ExportState(ctx)
			if err != nil {
				return err
			}
			if err := storage.WriteSnapshotFile(out, snap); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d entities at LSN %d to %s\n", len(snap.Entities), snap.LSN, out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Destination file")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func newImportCommand(g *globalFlags) *cobra.Command {
	var in string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Replace the persisted state with a snapshot file",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			snap, err := storage.ReadSnapshotFile(in)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			b, err := openOffline(ctx, g)
			if err != nil {
				return err
			}
			defer closeBroker(ctx, b, &err)

			if err := b.ImportState(ctx, snap); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d entities from %s\n", len(snap.Entities), in)
			return nil
		},
	}
	cmd.Flags().StringVarP(&in, "in", "i", "", "Snapshot file to import")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

func newCompactCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Snapshot the persisted state and reclaim journal space",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			b, err := openOffline(ctx, g)
			if err != nil {
				return err
			}
			defer closeBroker(ctx, b, &err)

			if err := b.CompactNow(ctx); err != nil {
				return err
			}
			h := b.Health()
			fmt.Fprintf(cmd.OutOrStdout(), "Compacted %s backend at LSN %d\n", h.Backend, h.LastLSN)
			return nil
		},
	}
}

func closeBroker(ctx context.Context, b *broker.Broker, errp *error) {
	if err := b.Close(ctx); err != nil && *errp == nil {
		*errp = err
	}
}

func newGenerateConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "generate-config <file>",
		Short: "Write the default configuration to a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.DefaultConfig().Save(args[0]); err != nil {
				return fmt.Errorf("failed to generate config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated default configuration: %s\n", args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "Edit the file and start with: servicebus-emulator serve --config %s\n", args[0])
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "servicebus-emulator version %s\n", version)
		},
	}
}
