package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-clusterer/internal/clustering"
	"github.com/kozaktomas/face-clusterer/internal/constants"
	"github.com/kozaktomas/face-clusterer/internal/identity"
	"github.com/kozaktomas/face-clusterer/internal/logging"
	"github.com/kozaktomas/face-clusterer/internal/photo"
)

var scanCmd = &cobra.Command{
	Use:   "scan <dir>",
	Short: "Detect faces in a photo directory and cluster them",
	Long: `Walk a directory of photos (jpeg, png, webp, bmp), send each photo to the
embedding server and cluster the detected faces. Photos processed by an
earlier run are skipped.

Examples:
  # Scan with default concurrency
  face-clusterer scan ~/Pictures

  # Scan the first 100 photos and settle every deferred face afterwards
  face-clusterer scan ~/Pictures --limit 100 --finalize

  # JSON output for scripting
  face-clusterer scan ~/Pictures --json`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().Int("concurrency", constants.WorkerPoolSize, "Number of photos sent to the embedding server in parallel")
	scanCmd.Flags().Int("limit", 0, "Process at most this many photos (0 = all)")
	scanCmd.Flags().Int("max-size", constants.MaxImageSize, "Downscale photos larger than this before detection (0 = never)")
	scanCmd.Flags().Bool("finalize", false, "Resolve every deferred face and consolidate clusters at the end")
	scanCmd.Flags().Bool("json", false, "Output as JSON instead of progress bar")
}

// ScanResult represents the result of a scan.
type ScanResult struct {
	Success       bool  `json:"success"`
	PhotosFound   int   `json:"photos_found"`
	PhotosSkipped int   `json:"photos_skipped"`
	Faces         int   `json:"faces"`
	NewClusters   int   `json:"new_clusters"`
	Assigned      int   `json:"assigned"`
	Deferred      int   `json:"deferred"`
	Merged        int   `json:"merged"`
	Errors        int   `json:"errors"`
	DurationMs    int64 `json:"duration_ms"`
}

func runScan(cmd *cobra.Command, args []string) error {
	concurrency := max(1, mustGetInt(cmd, "concurrency"))
	limit, err := countFlag(cmd, "limit")
	if err != nil {
		return err
	}
	maxSize, err := countFlag(cmd, "max-size")
	if err != nil {
		return err
	}
	finalize := mustGetBool(cmd, "finalize")
	jsonOutput := mustGetBool(cmd, "json")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	startTime := time.Now()
	log := logging.Component("scan")

	fsys := afero.NewOsFs()
	paths, err := photo.Find(fsys, args[0], limit)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		if jsonOutput {
			return outputJSON(ScanResult{Success: true, DurationMs: time.Since(startTime).Milliseconds()})
		}
		fmt.Println("No photos found.")
		return nil
	}

	sess, err := openSession(ctx, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).Error("closing identity service")
		}
	}()

	flushCtx, cancelFlush := context.WithCancel(ctx)
	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		_ = sess.svc.Run(flushCtx)
	}()

	if !jsonOutput {
		fmt.Printf("Found %d photos to scan\n\n", len(paths))
	}

	var bar *progressbar.ProgressBar
	if !jsonOutput {
		bar = progressbar.NewOptions(len(paths),
			progressbar.OptionSetDescription("Scanning photos"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("photos"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionFullWidth(),
		)
	}

	var skipped, faces, newClusters, assigned, deferred, errorCount int64
	count := func(outcomes []clustering.Outcome) {
		for _, o := range outcomes {
			switch o.State {
			case clustering.StateNewCluster:
				atomic.AddInt64(&newClusters, 1)
			case clustering.StateCommitted:
				atomic.AddInt64(&assigned, 1)
			case clustering.StateDeferred:
				atomic.AddInt64(&deferred, 1)
			}
		}
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for _, path := range paths {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(path string) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			result, err := scanPhoto(ctx, sess.svc, fsys, path, maxSize)
			switch {
			case err != nil:
				atomic.AddInt64(&errorCount, 1)
				log.WithError(err).WithField("path", path).Warn("photo failed")
			case result.Skipped:
				atomic.AddInt64(&skipped, 1)
			default:
				atomic.AddInt64(&faces, int64(result.Faces))
				count(result.Outcomes)
				count(result.Resolved)
			}

			if bar != nil {
				bar.Add(1)
			}
		}(path)
	}

	wg.Wait()
	cancelFlush()
	<-flushDone

	if bar != nil {
		fmt.Println()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("scan interrupted: %w", err)
	}

	result := ScanResult{
		Success:       true,
		PhotosFound:   len(paths),
		PhotosSkipped: int(skipped),
		Faces:         int(faces),
		Errors:        int(errorCount),
	}

	if finalize {
		report, err := sess.svc.Finalize(ctx)
		if err != nil {
			return fmt.Errorf("finalizing: %w", err)
		}
		count(report.Resolved)
		result.Merged = len(report.Merged)
	}

	result.NewClusters = int(newClusters)
	result.Assigned = int(assigned)
	result.Deferred = int(deferred)
	duration := time.Since(startTime)
	result.DurationMs = duration.Milliseconds()

	if jsonOutput {
		return outputJSON(result)
	}

	fmt.Println("\nScan complete!")
	fmt.Printf("  Photos found:   %d\n", result.PhotosFound)
	fmt.Printf("  Skipped:        %d\n", result.PhotosSkipped)
	fmt.Printf("  Faces:          %d\n", result.Faces)
	fmt.Printf("  New clusters:   %d\n", result.NewClusters)
	fmt.Printf("  Assigned:       %d\n", result.Assigned)
	fmt.Printf("  Deferred:       %d\n", result.Deferred)
	if finalize {
		fmt.Printf("  Merged:         %d\n", result.Merged)
	}
	if result.Errors > 0 {
		fmt.Printf("  Errors:         %d\n", result.Errors)
	}
	fmt.Printf("  Duration:       %s\n", formatDuration(duration))
	return nil
}

func scanPhoto(ctx context.Context, svc *identity.Service, fsys afero.Fs, path string, maxSize int) (*identity.PhotoResult, error) {
	p, err := photo.Load(fsys, path, maxSize)
	if err != nil {
		return nil, err
	}
	return svc.ProcessPhoto(ctx, identity.PhotoInput{
		UID:     p.UID,
		Data:    p.Data,
		Width:   p.Width,
		Height:  p.Height,
		TakenAt: p.TakenAt,
	})
}
