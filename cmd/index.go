package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-clusterer/internal/logging"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Inspect and repair the cluster index",
}

var indexVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Compare the cluster index with the database",
	Args:  cobra.NoArgs,
	RunE:  runIndexVerify,
}

var indexRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the cluster index from the database",
	Args:  cobra.NoArgs,
	RunE:  runIndexRebuild,
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.AddCommand(indexVerifyCmd)
	indexCmd.AddCommand(indexRebuildCmd)

	indexVerifyCmd.Flags().Bool("json", false, "Output as JSON")
}

// IndexVerifyOutput is the JSON form of an integrity check.
type IndexVerifyOutput struct {
	OK           bool     `json:"ok"`
	IndexCount   int      `json:"index_count"`
	DBCount      int      `json:"db_count"`
	Missing      []string `json:"missing"`
	Orphaned     []string `json:"orphaned"`
	NeedsRebuild bool     `json:"needs_rebuild"`
}

func runIndexVerify(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")
	ctx := context.Background()

	// Start already reconciles small drift; verify reports what is left.
	sess, err := openSession(ctx, false)
	if err != nil {
		return err
	}
	defer closeSession(ctx, sess)

	report, err := sess.svc.VerifyIndex(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		return outputJSON(IndexVerifyOutput{
			OK:           report.OK(),
			IndexCount:   report.IndexCount,
			DBCount:      report.DBCount,
			Missing:      report.Missing,
			Orphaned:     report.Orphaned,
			NeedsRebuild: report.NeedsRebuild,
		})
	}

	fmt.Printf("Indexed clusters:   %d\n", report.IndexCount)
	fmt.Printf("Persisted clusters: %d\n", report.DBCount)
	if report.OK() {
		fmt.Println("Index is consistent.")
		return nil
	}
	fmt.Printf("Missing from index: %d\n", len(report.Missing))
	fmt.Printf("Orphaned in index:  %d\n", len(report.Orphaned))
	if report.NeedsRebuild {
		fmt.Println("Run 'face-clusterer index rebuild' to repair.")
	}
	return errors.New("cluster index is inconsistent")
}

func runIndexRebuild(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	sess, err := openSession(ctx, false)
	if err != nil {
		return err
	}
	defer closeSession(ctx, sess)

	n, err := sess.svc.RebuildIndex(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Rebuilt cluster index with %d clusters.\n", n)
	return nil
}

func closeSession(ctx context.Context, sess *session) {
	if err := sess.Close(ctx); err != nil {
		logging.Logger.WithError(err).Error("closing identity service")
	}
}
