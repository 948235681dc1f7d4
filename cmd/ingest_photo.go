package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/kozaktomas/photo-index/internal/config"
	"github.com/kozaktomas/photo-index/internal/constants"
	"github.com/kozaktomas/photo-index/internal/inference"
	"github.com/kozaktomas/photo-index/internal/vector"
	"github.com/spf13/cobra"
)

var ingestPhotoCmd = &cobra.Command{
	Use:   "ingest-photo <photo-id> <image-file>",
	Short: "Embed an image and store its face and semantic vectors",
	Long: `Send an image to the embedding server (EMBEDDING_URL), then store the
whole-image semantic vector under <photo-id> and every detected face under
<photo-id>/<face index>. Faces are assigned to person clusters as they are stored.

Examples:
  photo-index ingest-photo IMG_0042 ~/Pictures/IMG_0042.jpg

  # Replace vectors stored by an earlier run
  photo-index ingest-photo IMG_0042 ~/Pictures/IMG_0042.jpg --overwrite`,
	Args: cobra.ExactArgs(2),
	RunE: runIngestPhoto,
}

func init() {
	rootCmd.AddCommand(ingestPhotoCmd)

	ingestPhotoCmd.Flags().Bool("overwrite", false, "Replace existing vectors of this photo")
	ingestPhotoCmd.Flags().Float64("min-score", 0.5, "Minimum face detection score")
}

func runIngestPhoto(cmd *cobra.Command, args []string) (err error) {
	photoID, path := args[0], args[1]
	overwrite := mustGetBool(cmd, "overwrite")
	minScore := mustGetFloat64(cmd, "min-score")

	image, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}

	ctx := context.Background()
	cfg := config.Load()
	client := inference.NewClient(cfg.Embedding.URL)

	fmt.Printf("Computing embeddings for %s...\n", photoID)
	semantic, err := client.EmbedImage(ctx, image)
	if err != nil {
		return fmt.Errorf("image embedding: %w", err)
	}
	faces, err := client.DetectFaces(ctx, image)
	if err != nil {
		return fmt.Errorf("face detection: %w", err)
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

	if _, err := eng.Put(ctx, vector.KindSemantic, photoID, semantic, overwrite); err != nil {
		return fmt.Errorf("storing semantic vector: %w", err)
	}
	fmt.Printf("Stored semantic vector (%d dimensions)\n", len(semantic))

	stored := 0
	for _, f := range faces {
		if f.DetScore < minScore || faceWidth(f) < constants.MinFaceWidthPx {
			continue
		}
		id := vector.FaceID(photoID, f.Index)
		res, err := eng.Put(ctx, vector.KindFace, id, f.Embedding, overwrite)
		if err != nil {
			fmt.Printf("  %s: %v\n", id, err)
			continue
		}
		stored++
		fmt.Printf("  %s (score %.2f) -> cluster %d\n", id, f.DetScore, res.Cluster)
	}
	fmt.Printf("Stored %d of %d detected faces\n", stored, len(faces))
	return nil
}

// faceWidth returns the bounding box width in pixels. Faces without a box are kept.
func faceWidth(f inference.Face) float64 {
	if len(f.BBox) != 4 {
		return constants.MinFaceWidthPx
	}
	return f.BBox[2] - f.BBox[0]
}
