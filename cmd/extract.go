package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/mov-extract/internal/document"
	"github.com/sells-group/mov-extract/internal/pipeline"
)

var (
	extractSourceID string
	extractFormat   string
	extractJSON     bool
)

var extractCmd = &cobra.Command{
	Use:   "extract <file>",
	Short: "Extract, validate and store one report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "extract")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := extractFile(ctx, env.Pipeline, args[0], extractSourceID, extractFormat)
		if err != nil {
			return err
		}
		if extractJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res.Stored)
		}
		printResult(cmd.OutOrStdout(), res)
		return nil
	},
}

func init() {
	extractCmd.Flags().StringVar(&extractSourceID, "source-id", "", "document id (default derived from content)")
	extractCmd.Flags().StringVar(&extractFormat, "format", "", "pdf or docx (default detected)")
	extractCmd.Flags().BoolVar(&extractJSON, "json", false, "print the stored report as JSON")
	rootCmd.AddCommand(extractCmd)
}

// extractFile runs the pipeline on path with an optional explicit source id
// and format.
func extractFile(ctx context.Context, p *pipeline.Pipeline, path, sourceID, format string) (*pipeline.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read %s", path)
	}
	name := filepath.Base(path)
	var f document.Format
	if format != "" {
		f, err = document.ParseFormat(format)
	} else {
		f, err = document.DetectFormat(name, data)
	}
	if err != nil {
		return nil, err
	}
	return p.Extract(ctx, data, f, sourceID, name)
}

func printResult(w io.Writer, res *pipeline.Result) {
	st := res.Stored
	r := st.Report
	fmt.Fprintf(w, "document:     %s\n", st.ID())
	fmt.Fprintf(w, "protocol:     %s\n", r.ProtocolNumber)
	fmt.Fprintf(w, "site:         %s (%s)\n", r.SiteInfo.SiteNumber, r.SiteInfo.Country)
	fmt.Fprintf(w, "completeness: %.2f\n", r.CompletenessScore)
	fmt.Fprintf(w, "confidence:   %.2f\n", r.OverallConfidence)
	fmt.Fprintf(w, "errors:       %d\n", len(st.Validation.Errors))
	fmt.Fprintf(w, "warnings:     %d\n", len(st.Validation.Warnings))
	fmt.Fprintf(w, "status:       %s (version %d)\n", st.Status, st.Version)
	for _, reason := range st.Decision.Reasons {
		fmt.Fprintf(w, "  - %s\n", reason)
	}
}
