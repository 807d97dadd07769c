package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/mov-extract/internal/catalog"
	"github.com/sells-group/mov-extract/internal/resilience"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the report store schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		zap.L().Info("store migrated", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Print the canonical question catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := loadCatalog()
		if err != nil {
			return err
		}
		printCatalog(cmd.OutOrStdout(), cat)
		return nil
	},
}

var (
	failuresType  string
	failuresLimit int
)

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "List documents that failed processing",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entries, err := st.ListFailures(cmd.Context(), resilience.DLQFilter{ErrorType: failuresType, Limit: failuresLimit})
		if err != nil {
			return err
		}
		printFailures(cmd.OutOrStdout(), entries)
		return nil
	},
}

func init() {
	failuresCmd.Flags().StringVar(&failuresType, "type", "", "transient or permanent")
	failuresCmd.Flags().IntVar(&failuresLimit, "limit", 50, "max entries")
	rootCmd.AddCommand(migrateCmd, catalogCmd, failuresCmd)
}

func printCatalog(w io.Writer, cat *catalog.Catalog) {
	fmt.Fprintf(w, "catalog %s, %d questions\n", cat.Version(), cat.Len())
	for _, q := range cat.All() {
		fmt.Fprintf(w, "%3d  %s\n", q.ID, q.Text)
	}
}

func printFailures(w io.Writer, entries []resilience.DLQEntry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tDOCUMENT\tSTAGE\tTYPE\tERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.CreatedAt.Format(time.RFC3339), e.SourceDocumentID, e.Stage, e.ErrorType, e.Error)
	}
	_ = tw.Flush()
}
