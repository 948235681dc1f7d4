package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/kozaktomas/photo-index/internal/config"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show index and cluster statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)

	statsCmd.Flags().Bool("json", false, "Output as JSON")
}

func runStats(cmd *cobra.Command, args []string) (err error) {
	jsonOutput := mustGetBool(cmd, "json")

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

	stats := eng.Stats()
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	fmt.Printf("Backend: %s\n\n", stats.Backend)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tDIM\tMODE\tLIVE\tTOMBSTONES")
	for _, s := range stats.Indexes {
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%d\n", s.Kind, s.Dim, s.Mode, s.Live, s.Tombstones)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	c := stats.Clusters
	fmt.Printf("\nClusters: %d (%d labelled, %d singletons, largest %d)\n", c.Clusters, c.Labelled, c.Singletons, c.Largest)
	fmt.Printf("Faces:    %d\n", c.Faces)
	fmt.Printf("Threshold: %.2f\n", c.Threshold)

	if len(stats.Objects) > 0 {
		fmt.Println("\nObject classes:")
		for _, name := range slices.Sorted(maps.Keys(stats.Objects)) {
			fmt.Printf("  %-16s %d\n", name, stats.Objects[name])
		}
	}
	return nil
}
