// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sylvester1001/zat/internal/config"
	"github.com/sylvester1001/zat/internal/observability"
	"github.com/sylvester1001/zat/internal/orchestrator"
	"github.com/sylvester1001/zat/internal/server"
	"github.com/sylvester1001/zat/internal/service"
)

type runOptions struct {
	count          int
	skipNavigation bool
	serve          bool
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	runCmd := &cobra.Command{
		Use:   "run <subject> [variant]",
		Short: "Run an activity once or in a loop",
		Long: `Run navigates to the subject's entry screen, selects the variant, starts the
activity and waits for its outcome. With --count the run repeats; a negative
count loops until interrupted. Ctrl+C stops the loop after recording the
attempt in flight as interrupted.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			if opts.serve {
				cfg.SetServerEnabled(true)
			}
			req := orchestrator.Request{Subject: args[0], SkipNavigation: opts.skipNavigation}
			if len(args) > 1 {
				req.Variant = args[1]
			}
			return runActivity(cmd.Context(), cmd.OutOrStdout(), cfg, req, opts.count, observability.GetLogger())
		},
	}
	runCmd.Flags().IntVarP(&opts.count, "count", "n", 1, "number of attempts; negative loops until interrupted")
	runCmd.Flags().BoolVar(&opts.skipNavigation, "skip-navigation", false, "assume the entry screen is already showing")
	runCmd.Flags().BoolVar(&opts.serve, "serve", false, "expose the ops HTTP server while running")
	return runCmd
}

// runActivity assembles the engine and runs the loop next to the capture
// pump and, when enabled, the ops server. The first of them to fail stops the rest.
func runActivity(ctx context.Context, out io.Writer, cfg *config.Config, req orchestrator.Request, count int, logger *zap.Logger) error {
	components, err := componentFactory.Create(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gCtx := errgroup.WithContext(runCtx)

	g.Go(func() error { return components.RunPump(gCtx) })
	if cfg.Server().Enabled {
		srv := server.New(cfg.Server(), server.NewHandler(components.Orchestrator, components.ServerOptions(), logger), logger)
		g.Go(func() error { return srv.Run(gCtx) })
	}

	var result orchestrator.LoopResult
	g.Go(func() error {
		// Ends the pump and the server once the loop returns.
		defer cancel()
		stopOnCancel(gCtx, components)

		res, err := components.Orchestrator.RunLoop(gCtx, req, count)
		result = res
		if errors.Is(err, orchestrator.ErrInterrupted) {
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	printLoopResult(out, req, result)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if result.Total > 0 && result.Completed == 0 {
		return fmt.Errorf("no attempt completed")
	}
	return nil
}

// stopOnCancel asks the orchestrator to stop as soon as ctx is done, so the
// attempt in flight is recorded before the loop returns.
func stopOnCancel(ctx context.Context, c *service.Components) {
	go func() {
		<-ctx.Done()
		c.Orchestrator.Stop()
	}()
}

func printLoopResult(out io.Writer, req orchestrator.Request, r orchestrator.LoopResult) {
	name := req.Subject
	if req.Variant != "" {
		name += "/" + req.Variant
	}
	fmt.Fprintf(out, "%s: %d/%d completed (%.0f%%), %d failed, %d interrupted\n",
		name, r.Completed, r.Total, r.SuccessRate()*100, r.Failed, r.Interrupted)
	if len(r.Ranks) > 0 {
		fmt.Fprintf(out, "ranks: %s\n", strings.Join(r.Ranks, " "))
	}
}
