package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-clusterer/internal/identity"
	"github.com/kozaktomas/face-clusterer/internal/logging"
)

var refineCmd = &cobra.Command{
	Use:   "refine",
	Short: "Resolve deferred faces and merge clusters of the same person",
	Long: `Run the second clustering pass over faces left uncertain by earlier scans,
then look for clusters that belong to the same person and merge them.
Faces that are still uncertain stay deferred.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRefine(cmd, false)
	},
}

var finalizeCmd = &cobra.Command{
	Use:   "finalize",
	Short: "Settle every deferred face and merge clusters",
	Long: `Like refine, but every deferred face is forced into a cluster or a new
cluster of its own. Use it at the end of a batch import.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRefine(cmd, true)
	},
}

func init() {
	rootCmd.AddCommand(refineCmd)
	rootCmd.AddCommand(finalizeCmd)

	for _, c := range []*cobra.Command{refineCmd, finalizeCmd} {
		c.Flags().Bool("json", false, "Output as JSON")
	}
}

// RefineOutput is the JSON form of a refine or finalize run.
type RefineOutput struct {
	Resolved   int           `json:"resolved"`
	Pending    int           `json:"pending"`
	Links      int           `json:"links"`
	Vetoed     int           `json:"vetoed"`
	Iterations int           `json:"iterations"`
	Skipped    int           `json:"skipped"`
	Merges     []MergeOutput `json:"merges"`
	DurationMs int64         `json:"duration_ms"`
}

// MergeOutput describes one executed merge.
type MergeOutput struct {
	Target     string   `json:"target"`
	Sources    []string `json:"sources"`
	Methods    []string `json:"methods"`
	FacesMoved int      `json:"faces_moved"`
	FaceCount  int      `json:"face_count"`
}

func runRefine(cmd *cobra.Command, force bool) error {
	jsonOutput := mustGetBool(cmd, "json")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	startTime := time.Now()

	sess, err := openSession(ctx, false)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(context.WithoutCancel(ctx)); err != nil {
			logging.Component("refine").WithError(err).Error("closing identity service")
		}
	}()

	var report *identity.RefineReport
	if force {
		report, err = sess.svc.Finalize(ctx)
	} else {
		report, err = sess.svc.Refine(ctx)
	}
	if err != nil {
		return err
	}

	out := RefineOutput{
		Resolved:   len(report.Resolved),
		Pending:    report.Pending,
		Links:      report.Plan.Links,
		Vetoed:     report.Plan.Vetoed,
		Iterations: report.Plan.Iterations,
		Skipped:    report.Skipped,
		Merges:     make([]MergeOutput, 0, len(report.Merged)),
		DurationMs: time.Since(startTime).Milliseconds(),
	}
	for _, m := range report.Merged {
		methods := make([]string, 0, len(m.Methods))
		for _, method := range m.Methods {
			methods = append(methods, string(method))
		}
		out.Merges = append(out.Merges, MergeOutput{
			Target:     m.Target,
			Sources:    m.Sources,
			Methods:    methods,
			FacesMoved: m.FacesMoved,
			FaceCount:  m.FaceCount,
		})
	}

	if jsonOutput {
		return outputJSON(out)
	}

	fmt.Printf("Resolved deferred faces: %d\n", out.Resolved)
	fmt.Printf("Still deferred:          %d\n", out.Pending)
	fmt.Printf("Candidate links:         %d (%d vetoed)\n", out.Links, out.Vetoed)
	fmt.Printf("Merges:                  %d\n", len(out.Merges))
	for _, m := range out.Merges {
		fmt.Printf("  %s <- %s [%s] (%d faces moved, %d total)\n",
			m.Target, strings.Join(m.Sources, ", "), strings.Join(m.Methods, "+"), m.FacesMoved, m.FaceCount)
	}
	if out.Skipped > 0 {
		fmt.Printf("Skipped merge sets:      %d\n", out.Skipped)
	}
	fmt.Printf("Duration:                %s\n", formatDuration(time.Since(startTime)))
	return nil
}
