package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/mov-extract/internal/metrics"
	"github.com/sells-group/mov-extract/internal/model"
	"github.com/sells-group/mov-extract/internal/review"
	"github.com/sells-group/mov-extract/internal/store"
)

var (
	reviewActor string
	reviewNote  string
)

var reviewCmd = &cobra.Command{
	Use:       "review <document-id> approve|reject",
	Short:     "Approve or reject a stored report",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"approve", "reject"},
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

		stored, err := reviewReport(ctx, st, args[0], args[1], reviewActor, reviewNote, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (version %d)\n", stored.ID(), stored.Status, stored.Version)
		return nil
	},
}

func init() {
	reviewCmd.Flags().StringVar(&reviewActor, "actor", "", "reviewer identity (required)")
	reviewCmd.Flags().StringVar(&reviewNote, "note", "", "note recorded with the transition")
	_ = reviewCmd.MarkFlagRequired("actor")
	rootCmd.AddCommand(reviewCmd)
}

func parseAction(action string) (model.ReviewStatus, error) {
	switch strings.ToLower(action) {
	case "approve":
		return model.StatusApproved, nil
	case "reject":
		return model.StatusRejected, nil
	}
	return "", eris.Errorf("unknown action %q (want approve or reject)", action)
}

// reviewReport applies a human transition and persists it with the
// version read.
func reviewReport(ctx context.Context, st store.Store, id, action, actor, note string, at time.Time) (*model.StoredReport, error) {
	to, err := parseAction(action)
	if err != nil {
		return nil, err
	}
	stored, err := st.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	version := stored.Version
	if err := review.Transition(stored, to, actor, at, note); err != nil {
		return nil, err
	}
	if _, err := st.Put(ctx, stored, version); err != nil {
		return nil, err
	}
	if err := st.AppendLog(ctx, review.TransitionLog(stored)); err != nil {
		zap.L().Warn("append transition log", zap.String("document_id", id), zap.Error(err))
	}
	metrics.ObserveReviewStatus(string(to))
	return stored, nil
}
