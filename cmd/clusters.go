package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-clusterer/internal/constants"
)

var clustersCmd = &cobra.Command{
	Use:   "clusters",
	Short: "List clusters, largest first",
	Args:  cobra.NoArgs,
	RunE:  runClusters,
}

func init() {
	rootCmd.AddCommand(clustersCmd)

	clustersCmd.Flags().Int("limit", constants.DefaultClusterListLimit, "Show at most this many clusters (0 = all)")
	clustersCmd.Flags().Bool("json", false, "Output as JSON")
}

// ClusterOutput is the JSON form of a cluster summary.
type ClusterOutput struct {
	ClusterID   string  `json:"cluster_id"`
	PersonID    string  `json:"person_id"`
	PersonName  string  `json:"person_name,omitempty"`
	FaceCount   int     `json:"face_count"`
	AnchorCount int     `json:"anchor_count"`
	MeanSim     float64 `json:"mean_similarity"`
	MinSim      float64 `json:"min_similarity"`
}

func runClusters(cmd *cobra.Command, args []string) error {
	limit, err := countFlag(cmd, "limit")
	if err != nil {
		return err
	}
	jsonOutput := mustGetBool(cmd, "json")
	ctx := context.Background()

	sess, err := openSession(ctx, false)
	if err != nil {
		return err
	}
	defer closeSession(ctx, sess)

	summaries, err := sess.svc.ClusterSummaries(ctx)
	if err != nil {
		return err
	}
	total := len(summaries)
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}

	if jsonOutput {
		out := make([]ClusterOutput, 0, len(summaries))
		for _, s := range summaries {
			out = append(out, ClusterOutput{
				ClusterID:   s.ClusterID,
				PersonID:    s.PersonID,
				PersonName:  s.PersonName,
				FaceCount:   s.FaceCount,
				AnchorCount: s.AnchorCount,
				MeanSim:     s.Stats.Mean,
				MinSim:      s.Stats.Min,
			})
		}
		return outputJSON(out)
	}

	if total == 0 {
		fmt.Println("No clusters yet.")
		return nil
	}

	fmt.Printf("%-36s  %-24s  %6s  %7s  %6s\n", "CLUSTER", "PERSON", "FACES", "ANCHORS", "MEAN")
	for _, s := range summaries {
		name := s.PersonName
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("%-36s  %-24s  %6d  %7d  %6.3f\n",
			s.ClusterID, truncate(name, 24), s.FaceCount, s.AnchorCount, s.Stats.Mean)
	}
	if len(summaries) < total {
		fmt.Printf("\n%d of %d clusters shown\n", len(summaries), total)
	}
	return nil
}
