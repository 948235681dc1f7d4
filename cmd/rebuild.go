package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/kozaktomas/photo-index/internal/config"
	"github.com/kozaktomas/photo-index/internal/vector"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild [kind...]",
	Short: "Rebuild similarity indexes from their vector stores",
	Long: `Rebuild the in-memory similarity index of each given kind (default: all
kinds) from the persisted vectors and save fresh index snapshots when
SNAPSHOT_DIR is set.

Examples:
  photo-index rebuild
  photo-index rebuild face semantic`,
	RunE: runRebuild,
}

func init() {
	rootCmd.AddCommand(rebuildCmd)
}

func runRebuild(cmd *cobra.Command, args []string) (err error) {
	kinds := vector.Kinds
	if len(args) > 0 {
		kinds = make([]vector.Kind, 0, len(args))
		for _, a := range args {
			k, err := vector.ParseKind(a)
			if err != nil {
				return err
			}
			kinds = append(kinds, k)
		}
	}

	ctx := context.Background()
	cfg := config.Load()
	log, err := newLogger(verbose)
	if err != nil {
		return err
	}
	eng, err := openEngine(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeEngine(eng, &err)

	for _, kind := range kinds {
		bar := progressbar.NewOptions(-1,
			progressbar.OptionSetDescription(fmt.Sprintf("Indexing %s", kind)),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("vectors"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionFullWidth(),
		)
		start := time.Now()
		n, err := eng.RebuildIndex(ctx, kind, func(done, total int) {
			bar.ChangeMax(total)
			bar.Set(done)
		})
		if err != nil {
			return err
		}
		bar.Finish()
		fmt.Printf("\n%s: %d vectors indexed in %s\n", kind, n, time.Since(start).Round(time.Millisecond))
	}
	return nil
}
