// File: cmd/graph.go
package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sylvester1001/zat/internal/navigator"
	"github.com/sylvester1001/zat/internal/service"
)

func newGraphCmd() *cobra.Command {
	graphCmd := &cobra.Command{
		Use:   "graph",
		Short: "Inspect the scene graph and subject catalog",
	}
	graphCmd.AddCommand(newGraphValidateCmd(), newGraphListCmd(), newGraphPathCmd())
	return graphCmd
}

// graphPath returns the document path from args, falling back to the configured one.
func graphPath(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	cfg, err := getConfigFromContext(cmd.Context())
	if err != nil {
		return "", err
	}
	return cfg.Graph().Path, nil
}

func newGraphValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Load and validate a graph document",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := graphPath(cmd, args)
			if err != nil {
				return err
			}
			g, cat, err := service.LoadGraph(path)
			if err != nil {
				return err
			}
			unreachable := 0
			for _, n := range g.Nodes() {
				if n.ID != g.Hub() && navigator.FindPath(g, g.Hub(), n.ID) == nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s is unreachable from %s\n", n.ID, g.Hub())
					unreachable++
				}
			}
			if path == "" {
				path = "embedded graph"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d states, %d subjects, %d unreachable)\n",
				path, g.Len(), len(cat.Subjects()), unreachable)
			return nil
		},
	}
}

func newGraphListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List states and subjects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := graphPath(cmd, nil)
			if err != nil {
				return err
			}
			g, cat, err := service.LoadGraph(path)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STATE\tNAME\tEDGES")
			for _, n := range g.Nodes() {
				targets := make([]string, 0, len(n.Edges))
				for _, e := range n.Edges {
					targets = append(targets, e.Target)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", n.ID, n.DisplayName(), strings.Join(targets, ", "))
			}
			fmt.Fprintln(w)
			fmt.Fprintln(w, "SUBJECT\tTARGET\tVARIANTS")
			for _, s := range cat.Subjects() {
				variants := make([]string, 0, len(s.Variants))
				for _, v := range s.Variants {
					variants = append(variants, v.ID)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, s.Target, strings.Join(variants, ", "))
			}
			return w.Flush()
		},
	}
}

func newGraphPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path <from> <to>",
		Short: "Print the shortest transition path between two states",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := graphPath(cmd, nil)
			if err != nil {
				return err
			}
			g, _, err := service.LoadGraph(path)
			if err != nil {
				return err
			}
			p := navigator.FindPath(g, args[0], args[1])
			if p == nil {
				return fmt.Errorf("no path from %s to %s", args[0], args[1])
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(p, " -> "))
			return nil
		},
	}
}
