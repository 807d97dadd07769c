package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/mov-extract/internal/pipeline"
)

var batchWorkers int

var batchCmd = &cobra.Command{
	Use:   "batch <dir>",
	Short: "Extract every PDF and DOCX report in a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "batch")
		if err != nil {
			return err
		}
		defer env.Close()

		workers := batchWorkers
		if workers <= 0 {
			workers = cfg.Batch.MaxConcurrentDocuments
		}
		items, err := env.Pipeline.ProcessDir(ctx, args[0], workers)
		failed := printBatch(cmd.OutOrStdout(), items)
		if err != nil {
			return err
		}
		if failed > 0 {
			return eris.Errorf("%d of %d documents failed", failed, len(items))
		}
		return nil
	},
}

func init() {
	batchCmd.Flags().IntVar(&batchWorkers, "workers", 0, "documents in flight (default batch.max_concurrent_documents)")
	rootCmd.AddCommand(batchCmd)
}

// printBatch writes one line per item and returns the number that failed.
func printBatch(w io.Writer, items []pipeline.BatchItem) int {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tDOCUMENT\tSTATUS\tCOMPLETENESS\tCONFIDENCE")
	failed := 0
	for _, it := range items {
		switch {
		case it.Err != nil:
			failed++
			fmt.Fprintf(tw, "%s\t-\terror: %v\t-\t-\n", it.Path, it.Err)
		case it.Result == nil:
			fmt.Fprintf(tw, "%s\t-\tskipped\t-\t-\n", it.Path)
		default:
			st := it.Result.Stored
			fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%.2f\n", it.Path, st.ID(), st.Status,
				st.Report.CompletenessScore, st.Report.OverallConfidence)
		}
	}
	_ = tw.Flush()
	return failed
}
