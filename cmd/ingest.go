package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/kozaktomas/photo-index/internal/config"
	"github.com/kozaktomas/photo-index/internal/constants"
	"github.com/kozaktomas/photo-index/internal/engine"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [file.jsonl]",
	Short: "Store vectors from a JSON Lines file",
	Long: `Read one record per line and store it in the index. Each line is a JSON
object {"kind": "face|semantic|object", "id": "...", "vector": [...]}, with an
optional "overwrite": true. Face ids use the <photo>/<face index> convention.

Face records are assigned to clusters in file order, so ingesting the same file
into an empty index always yields the same clusters. A bad record is reported
and skipped; the rest of the file is still ingested.

Examples:
  # Ingest a file
  photo-index ingest vectors.jsonl

  # Read from stdin with 8 workers
  cat vectors.jsonl | photo-index ingest - --workers 8

  # Machine readable report
  photo-index ingest vectors.jsonl --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().Int("workers", 0, "Parallel workers for non-face records (default WORKER_POOL_SIZE)")
	ingestCmd.Flags().Bool("overwrite", false, "Replace existing vectors even when a record does not ask for it")
	ingestCmd.Flags().Bool("json", false, "Output the report as JSON")
}

// batch holds parsed records together with their line numbers in the input.
type batch struct {
	records []engine.Record
	lines   []int
}

func runIngest(cmd *cobra.Command, args []string) (err error) {
	workers := mustGetInt(cmd, "workers")
	overwrite := mustGetBool(cmd, "overwrite")
	jsonOutput := mustGetBool(cmd, "json")

	in := io.Reader(os.Stdin)
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening input: %w", err)
		}
		defer f.Close()
		in = f
	}

	ctx := context.Background()
	cfg := config.Load()
	if workers <= 0 {
		workers = cfg.Engine.WorkerPoolSize
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

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("Ingesting"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("records"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetVisibility(!jsonOutput),
	)

	start := time.Now()
	var total engine.IngestReport
	flush := func(b *batch) error {
		if len(b.records) == 0 {
			return nil
		}
		report, err := eng.Ingest(ctx, b.records, workers, nil)
		if err != nil {
			return err
		}
		total.Stored += report.Stored
		total.Unchanged += report.Unchanged
		total.Failed += report.Failed
		for _, e := range report.Errors {
			e.Line = b.lines[e.Line-1]
			total.Errors = append(total.Errors, e)
		}
		bar.Add(len(b.records))
		b.records, b.lines = b.records[:0], b.lines[:0]
		return nil
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), constants.MaxIngestLineSize)
	var (
		current batch
		line    int
	)
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var r engine.Record
		if err := json.Unmarshal(raw, &r); err != nil {
			total.Failed++
			total.Errors = append(total.Errors, engine.RecordError{Line: line, Error: fmt.Sprintf("invalid JSON: %v", err)})
			continue
		}
		r.Overwrite = r.Overwrite || overwrite
		current.records = append(current.records, r)
		current.lines = append(current.lines, line)
		if len(current.records) >= constants.IngestBatchSize {
			if err := flush(&current); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input at line %d: %w", line+1, err)
	}
	if err := flush(&current); err != nil {
		return err
	}
	bar.Finish()
	slices.SortFunc(total.Errors, func(a, b engine.RecordError) int { return a.Line - b.Line })

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(total)
	}

	fmt.Printf("\n\nIngest complete in %s\n", time.Since(start).Round(time.Millisecond))
	fmt.Printf("  Stored:    %d\n", total.Stored)
	fmt.Printf("  Unchanged: %d\n", total.Unchanged)
	fmt.Printf("  Failed:    %d\n", total.Failed)
	for _, e := range total.Errors {
		fmt.Printf("  line %d %s: %s\n", e.Line, e.ID, e.Error)
	}
	return nil
}
