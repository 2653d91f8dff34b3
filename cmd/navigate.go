// File: cmd/navigate.go
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sylvester1001/zat/internal/navigator"
	"github.com/sylvester1001/zat/internal/observability"
)

func newNavigateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "navigate <state>",
		Short: "Navigate to a scene state and stop there",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			logger := observability.GetLogger()
			components, err := componentFactory.Create(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			g, gCtx := errgroup.WithContext(ctx)
			g.Go(func() error { return components.RunPump(gCtx) })
			g.Go(func() error {
				defer cancel()
				return components.Navigator.NavigateTo(gCtx, args[0])
			})

			if err := g.Wait(); err != nil {
				if reason, ok := navigator.ReasonOf(err); ok {
					return fmt.Errorf("navigation to %s failed: %s", args[0], reason.Message())
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "arrived at %s\n", args[0])
			return nil
		},
	}
}
