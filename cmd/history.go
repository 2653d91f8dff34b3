// File: cmd/history.go
package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/sylvester1001/zat/internal/observability"
	"github.com/sylvester1001/zat/internal/orchestrator"
)

func newHistoryCmd() *cobra.Command {
	var (
		source string
		limit  int
		asJSON bool
	)
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent run records",
		Long: `History reads run records from the postgres archive or the redis mirror.
Without --source the most durable enabled sink is used. The in-memory history
only covers the current process and is therefore empty for this command.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 1 {
				return fmt.Errorf("--limit must be positive")
			}
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			components, err := componentFactory.Create(cmd.Context(), cfg, observability.GetLogger())
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			records, err := components.History(cmd.Context(), source, limit)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}
			return writeRecords(cmd.OutOrStdout(), records)
		},
	}
	historyCmd.Flags().StringVar(&source, "source", "", "record source: postgres, redis or memory")
	historyCmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum number of records")
	historyCmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	return historyCmd
}

func writeRecords(out io.Writer, records []orchestrator.RunRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(out, "no records")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tSTARTED\tSUBJECT\tVARIANT\tSTATUS\tRANK\tDURATION\tMESSAGE")
	for _, r := range records {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Seq,
			r.StartedAt.Local().Format(time.DateTime),
			r.Subject,
			r.Variant,
			r.Status,
			dash(r.Rank),
			r.Duration().Round(time.Second),
			r.Message,
		)
	}
	return w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
