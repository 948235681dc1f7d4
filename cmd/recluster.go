package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/kozaktomas/photo-index/internal/config"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var reclusterCmd = &cobra.Command{
	Use:   "recluster",
	Short: "Rebuild all person clusters from scratch",
	Long: `Assign every stored face again, in ascending id order, starting from an
empty partition. Use this after changing the similarity threshold. Labels are
not carried over because cluster identities change.

Examples:
  # Recluster with FACE_SIM_THRESH
  photo-index recluster

  # Try a stricter threshold
  photo-index recluster --threshold 0.7`,
	Args: cobra.NoArgs,
	RunE: runRecluster,
}

func init() {
	rootCmd.AddCommand(reclusterCmd)

	reclusterCmd.Flags().Float64("threshold", 0, "Similarity threshold (default FACE_SIM_THRESH)")
}

func runRecluster(cmd *cobra.Command, args []string) (err error) {
	ctx := context.Background()
	cfg := config.Load()

	threshold := cfg.Clustering.Threshold
	if cmd.Flags().Changed("threshold") {
		threshold = mustGetFloat64(cmd, "threshold")
	}

	log, err := newLogger(verbose)
	if err != nil {
		return err
	}
	eng, err := openEngine(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeEngine(eng, &err)

	faces := eng.Graph().Faces()
	if faces == 0 {
		fmt.Println("No faces stored, nothing to recluster")
		return nil
	}

	bar := progressbar.NewOptions(faces,
		progressbar.OptionSetDescription("Clustering faces"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("faces"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)

	start := time.Now()
	stats, err := eng.Recluster(ctx, threshold, func(done, total int) {
		bar.ChangeMax(total)
		bar.Set(done)
	})
	if err != nil {
		return fmt.Errorf("recluster: %w", err)
	}
	bar.Finish()

	fmt.Printf("\n\nRecluster complete in %s (threshold %.2f)\n", time.Since(start).Round(time.Millisecond), threshold)
	fmt.Printf("  Faces:      %d\n", stats.Faces)
	fmt.Printf("  Clusters:   %d\n", stats.Clusters)
	fmt.Printf("  Singletons: %d\n", stats.Singletons)
	fmt.Printf("  Largest:    %d\n", stats.Largest)
	return nil
}
