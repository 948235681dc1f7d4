package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/kozaktomas/photo-index/internal/config"
	"github.com/kozaktomas/photo-index/internal/inference"
	"github.com/kozaktomas/photo-index/internal/router"
	"github.com/kozaktomas/photo-index/internal/vector"
	"github.com/spf13/cobra"
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Query the index by vector, text, image, object class or stored entity",
	Long: `Run one similarity query. Exactly one of --vector, --text, --image,
--class or --like selects what to search for.

Examples:
  # Photos matching a text query (needs the embedding server)
  photo-index search --text "dog on a beach" --k 10

  # Photos that look like an example image (needs the embedding server)
  photo-index search --image ./example.jpg --k 5

  # Everything with a detected bicycle, confidence at least 0.6
  photo-index search --class bicycle --min 0.6

  # Faces closest to a stored face
  photo-index search --kind face --like IMG_0042/0

  # Raw vector, every semantic entity above 0.8
  photo-index search --kind semantic --vector 0.1,0.2,0.3 --min 0.8`,
	Args: cobra.NoArgs,
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().String("kind", "", "Vector kind (face, semantic, object)")
	searchCmd.Flags().String("vector", "", "Comma separated query vector")
	searchCmd.Flags().String("text", "", "Text query (semantic index)")
	searchCmd.Flags().String("image", "", "Path of an example image (semantic index)")
	searchCmd.Flags().String("class", "", "Object class name")
	searchCmd.Flags().String("like", "", "Id of a stored entity to find similar entities for")
	searchCmd.Flags().Int("k", 0, "Maximum number of results")
	searchCmd.Flags().Float64("min", 0, "Minimum similarity (or class confidence)")
	searchCmd.Flags().Bool("json", false, "Output as JSON")
}

// parseVector parses a comma separated list of floats.
func parseVector(s string) ([]float32, error) {
	parts := strings.Split(s, ",")
	v := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q: %w", p, err)
		}
		v = append(v, float32(f))
	}
	return v, nil
}

func runSearch(cmd *cobra.Command, args []string) (err error) {
	q := router.Query{
		Text:          mustGetString(cmd, "text"),
		ObjectClass:   mustGetString(cmd, "class"),
		K:             mustGetInt(cmd, "k"),
		MinSimilarity: mustGetFloat64(cmd, "min"),
	}
	like := mustGetString(cmd, "like")
	imagePath := mustGetString(cmd, "image")
	jsonOutput := mustGetBool(cmd, "json")

	if kind := mustGetString(cmd, "kind"); kind != "" {
		if q.Kind, err = vector.ParseKind(kind); err != nil {
			return err
		}
	}
	if s := mustGetString(cmd, "vector"); s != "" {
		if q.Vector, err = parseVector(s); err != nil {
			return err
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

	rt := router.New(eng, inference.NewClient(cfg.Embedding.URL))

	var hits []router.Hit
	switch {
	case like != "":
		if q.Kind == "" {
			return errors.New("--like needs --kind")
		}
		hits, err = rt.SimilarTo(q.Kind, like, q.K)
	case imagePath != "":
		image, rerr := os.ReadFile(imagePath) //nolint:gosec // path is from user input
		if rerr != nil {
			return fmt.Errorf("failed to read image: %w", rerr)
		}
		hits, err = rt.SearchImage(ctx, image, q.K, q.MinSimilarity)
	default:
		hits, err = rt.Search(ctx, q)
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(hits)
	}

	if len(hits) == 0 {
		fmt.Println("No results")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tPHOTO\tSCORE\tCLUSTER")
	for _, h := range hits {
		cluster := "-"
		if h.Cluster != 0 {
			cluster = strconv.FormatInt(int64(h.Cluster), 10)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.4f\t%s\n", h.ID, h.Kind, h.Photo, h.Score, cluster)
	}
	return w.Flush()
}
