// Package router dispatches similarity queries to the index of the right
// vector kind: raw vectors of any kind, text and images (through the semantic
// index) and object classes.
package router

import (
	"context"
	"fmt"

	"github.com/kozaktomas/photo-index/internal/cluster"
	"github.com/kozaktomas/photo-index/internal/constants"
	"github.com/kozaktomas/photo-index/internal/engine"
	"github.com/kozaktomas/photo-index/internal/index"
	"github.com/kozaktomas/photo-index/internal/vector"
)

// Searcher is the query side of the engine.
type Searcher interface {
	Search(kind vector.Kind, query []float32, k int) ([]index.Result[string], error)
	SearchThreshold(kind vector.Kind, query []float32, minSimilarity float64) ([]index.Result[string], error)
	SimilarTo(kind vector.Kind, id string, k int) ([]index.Result[string], error)
	SearchClass(class string, minConfidence float32, limit int) ([]engine.ClassHit, error)
	ClusterOf(face string) (cluster.ID, bool)
}

// TextEmbedder turns a text query into a semantic vector.
type TextEmbedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// ImageEmbedder turns an example image into a semantic vector.
type ImageEmbedder interface {
	EmbedImage(ctx context.Context, image []byte) ([]float32, error)
}

// Query selects entities by exactly one of Vector, Text or ObjectClass.
//
// A vector query needs Kind. With K > 0 it returns the K nearest entities,
// dropping any below MinSimilarity; with K == 0 and MinSimilarity set it
// returns every entity reaching MinSimilarity. For object class queries
// MinSimilarity is the minimum confidence.
type Query struct {
	Kind          vector.Kind `json:"kind,omitempty"`
	Vector        []float32   `json:"vector,omitempty"`
	Text          string      `json:"text,omitempty"`
	ObjectClass   string      `json:"object_class,omitempty"`
	K             int         `json:"k,omitempty"`
	MinSimilarity float64     `json:"min_similarity,omitempty"`
}

// Hit is one query result.
type Hit struct {
	ID    string      `json:"id"`
	Kind  vector.Kind `json:"kind"`
	Photo string      `json:"photo"`
	// Score is the cosine similarity, or the class confidence for object
	// class queries.
	Score   float64    `json:"score"`
	Cluster cluster.ID `json:"cluster_id,omitempty"`
}

// Router answers queries against a Searcher.
type Router struct {
	searcher Searcher
	text     TextEmbedder
	image    ImageEmbedder
}

// New creates a router. text may be nil, in which case text queries fail.
// When text also implements ImageEmbedder it answers image queries too.
func New(searcher Searcher, text TextEmbedder) *Router {
	r := &Router{searcher: searcher, text: text}
	if img, ok := text.(ImageEmbedder); ok {
		r.image = img
	}
	return r
}

// Search runs q.
func (r *Router) Search(ctx context.Context, q Query) ([]Hit, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	switch {
	case q.ObjectClass != "":
		return r.searchClass(q)
	case q.Text != "":
		if r.text == nil {
			return nil, fmt.Errorf("%w: text queries need an embedding server", vector.ErrInvalidOperation)
		}
		v, err := r.text.EmbedText(ctx, q.Text)
		if err != nil {
			return nil, fmt.Errorf("embedding text query: %w", err)
		}
		q.Kind = vector.KindSemantic
		q.Vector = v
	}
	return r.searchVector(q)
}

// SearchImage embeds an example image and returns the photos whose semantic
// vectors are nearest to it. k and minSimilarity behave as in Query.
func (r *Router) SearchImage(ctx context.Context, image []byte, k int, minSimilarity float64) ([]Hit, error) {
	if r.image == nil {
		return nil, fmt.Errorf("%w: image queries need an embedding server", vector.ErrInvalidOperation)
	}
	if len(image) == 0 {
		return nil, fmt.Errorf("%w: empty image", vector.ErrInvalidOperation)
	}
	v, err := r.image.EmbedImage(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("embedding image query: %w", err)
	}
	q := Query{Kind: vector.KindSemantic, Vector: v, K: k, MinSimilarity: minSimilarity}
	if err := q.validate(); err != nil {
		return nil, err
	}
	return r.searchVector(q)
}

// SimilarTo returns the k entities of kind most similar to the stored
// entity id, excluding id itself.
func (r *Router) SimilarTo(kind vector.Kind, id string, k int) ([]Hit, error) {
	if k == 0 {
		k = constants.DefaultSimilarLimit
	}
	results, err := r.searcher.SimilarTo(kind, id, k)
	if err != nil {
		return nil, err
	}
	return r.hits(kind, results, 0), nil
}

func (q *Query) validate() error {
	set := 0
	if len(q.Vector) > 0 {
		set++
	}
	if q.Text != "" {
		set++
	}
	if q.ObjectClass != "" {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w: query needs exactly one of vector, text or object_class", vector.ErrInvalidOperation)
	}
	if q.K < 0 {
		return fmt.Errorf("%w: k must not be negative", vector.ErrInvalidOperation)
	}
	if q.MinSimilarity < -1 || q.MinSimilarity > 1 {
		return fmt.Errorf("%w: min_similarity must be within [-1, 1]", vector.ErrInvalidOperation)
	}
	if len(q.Vector) > 0 && q.Kind == "" {
		return fmt.Errorf("%w: vector query needs a kind", vector.ErrInvalidOperation)
	}
	if q.Text != "" && q.Kind != "" && q.Kind != vector.KindSemantic {
		return fmt.Errorf("%w: text queries search the %s index", vector.ErrInvalidOperation, vector.KindSemantic)
	}
	if q.K == 0 && q.MinSimilarity == 0 {
		q.K = constants.DefaultSearchLimit
	}
	return nil
}

func (r *Router) searchVector(q Query) ([]Hit, error) {
	var (
		results []index.Result[string]
		err     error
	)
	if q.K > 0 {
		results, err = r.searcher.Search(q.Kind, q.Vector, q.K)
	} else {
		results, err = r.searcher.SearchThreshold(q.Kind, q.Vector, q.MinSimilarity)
	}
	if err != nil {
		return nil, err
	}
	return r.hits(q.Kind, results, q.MinSimilarity), nil
}

// hits converts index results, dropping those below minSimilarity when it is
// set and annotating faces with their cluster.
func (r *Router) hits(kind vector.Kind, results []index.Result[string], minSimilarity float64) []Hit {
	hits := make([]Hit, 0, len(results))
	for _, res := range results {
		if minSimilarity != 0 && res.Similarity < minSimilarity {
			continue
		}
		hit := Hit{ID: res.ID, Kind: kind, Photo: vector.PhotoOf(res.ID), Score: res.Similarity}
		if kind == vector.KindFace {
			hit.Cluster, _ = r.searcher.ClusterOf(res.ID)
		}
		hits = append(hits, hit)
	}
	return hits
}

func (r *Router) searchClass(q Query) ([]Hit, error) {
	found, err := r.searcher.SearchClass(q.ObjectClass, float32(q.MinSimilarity), q.K)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, len(found))
	for i, h := range found {
		hits[i] = Hit{ID: h.ID, Kind: vector.KindObject, Photo: vector.PhotoOf(h.ID), Score: float64(h.Confidence)}
	}
	return hits, nil
}
