package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var mergeCmd = &cobra.Command{
	Use:   "merge <target-cluster> <source-cluster>...",
	Short: "Merge clusters into a target cluster",
	Long: `Move every face of the source clusters into the target cluster and delete
the sources. A source person's name is carried over when the target person
has none. Merges that would join two faces from the same photo are refused.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runMerge,
}

func init() {
	rootCmd.AddCommand(mergeCmd)
}

func runMerge(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	sess, err := openSession(ctx, false)
	if err != nil {
		return err
	}
	defer closeSession(ctx, sess)

	result, err := sess.svc.MergeClusters(ctx, args[0], args[1:])
	if err != nil {
		return err
	}
	fmt.Printf("Merged %d clusters into %s: %d faces moved, %d faces total, %d anchors\n",
		len(result.Sources), result.Target, result.FacesMoved, result.FaceCount, result.Anchors)
	return nil
}
