package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arcfield/parley/internal/config"
	"github.com/arcfield/parley/internal/gateway"
	"github.com/arcfield/parley/internal/version"
)

func newServeCmd() *cobra.Command {
	var (
		port int
		bind string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			if bind != "" {
				cfg.Server.Bind = bind
			}

			eng, err := buildEngine(cfg)
			if err != nil {
				return err
			}
			defer eng.close()

			srv := gateway.New(gateway.Options{
				Addr:         fmt.Sprintf("%s:%d", cfg.Server.Bind, cfg.Server.Port),
				Orchestrator: eng.orch,
				Store:        eng.convStore,
				Metrics:      eng.metrics,
				Registry:     eng.registry,
				Log:          log,
				Version:      version.Version,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Start(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override the listen port")
	cmd.Flags().StringVar(&bind, "bind", "", "override the bind address")
	return cmd
}
