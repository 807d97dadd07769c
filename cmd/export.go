package main

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/mov-extract/internal/export"
	"github.com/sells-group/mov-extract/internal/model"
	"github.com/sells-group/mov-extract/internal/store"
)

var (
	exportStatus       string
	exportSite         string
	exportForAnalytics bool
)

var exportCmd = &cobra.Command{
	Use:   "export <out.xlsx>",
	Short: "Write stored reports to an Excel workbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("review"); err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := exportReports(ctx, st, args[0], store.ListFilter{
			Status:       model.ReviewStatus(exportStatus),
			Site:         exportSite,
			ForAnalytics: exportForAnalytics,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d reports to %s\n", n, args[0])
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportStatus, "status", "", "only reports in this review status")
	exportCmd.Flags().StringVar(&exportSite, "site", "", "only reports for this site number")
	exportCmd.Flags().BoolVar(&exportForAnalytics, "for-analytics", false, "exclude rejected reports")
	rootCmd.AddCommand(exportCmd)
}

const exportPageSize = 500

// exportReports pages through the store and writes every matching report.
func exportReports(ctx context.Context, st store.Store, path string, filter store.ListFilter) (int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return 0, eris.Errorf("unknown status %q", filter.Status)
	}
	var all []model.StoredReport
	filter.Limit = exportPageSize
	for {
		page, err := st.List(ctx, filter)
		if err != nil {
			return 0, err
		}
		all = append(all, page...)
		if len(page) < exportPageSize {
			break
		}
		filter.Offset += len(page)
	}
	if err := export.SaveWorkbook(path, all); err != nil {
		return 0, err
	}
	return len(all), nil
}
