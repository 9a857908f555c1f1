// Command infragraph stores infrastructure entities and their relationships
// and answers dependency, impact and ownership questions about them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ritzau/infragraph/pkg/config"
	"github.com/ritzau/infragraph/pkg/ingest"
	"github.com/ritzau/infragraph/pkg/logging"
	"github.com/ritzau/infragraph/pkg/metrics"
	"github.com/ritzau/infragraph/pkg/output"
	"github.com/ritzau/infragraph/pkg/query"
	"github.com/ritzau/infragraph/pkg/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds what every command needs once configuration is loaded.
type app struct {
	cfg     *config.Config
	opened  *storage.Opened
	engine  *query.Engine
	gate    *ingest.Gate
	printer *output.Printer
}

// appKey stores the app on the command context.
type appKey struct{}

func newRootCmd() *cobra.Command {
	var asJSON bool

	root := &cobra.Command{
		Use:           "infragraph",
		Short:         "Query infrastructure dependencies, blast radius and ownership",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			logging.Configure(cfg.LogOptions())

			opened, err := storage.Open(cmd.Context(), cfg.StorageConfig())
			if err != nil {
				return err
			}
			metrics.SetDegraded(opened.Degraded)

			a := &app{
				cfg:     cfg,
				opened:  opened,
				engine:  query.New(opened.Backend, cfg.QueryConfig()),
				gate:    ingest.New(opened.Backend),
				printer: output.NewPrinter(cmd.OutOrStdout(), asJSON),
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey{}, a))
			return nil
		},
	}

	config.RegisterFlags(root.PersistentFlags())
	root.PersistentFlags().BoolVar(&asJSON, "json", false, "print results as JSON")

	root.AddCommand(
		newServeCmd(),
		newIngestCmd(),
		newQueryCmd(),
		newExportCmd(),
		newImportCmd(),
		newStatsCmd(),
	)
	return root
}

// withApp runs fn with the loaded app, persists the backend when fn
// succeeds and always closes it.
func withApp(fn func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		a, ok := cmd.Context().Value(appKey{}).(*app)
		if !ok {
			return fmt.Errorf("%s: configuration not loaded", cmd.Name())
		}
		backend := a.opened.Backend
		defer func() {
			if cerr := backend.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("close %s backend: %w", backend.Kind(), cerr)
			}
		}()

		if err := fn(cmd, args, a); err != nil {
			return err
		}
		if err := backend.Persist(cmd.Context()); err != nil {
			return fmt.Errorf("persist %s backend: %w", backend.Kind(), err)
		}
		return nil
	}
}
