package handlers

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/kozaktomas/photo-index/internal/constants"
	"github.com/kozaktomas/photo-index/internal/router"
)

// SearchHandler answers similarity queries.
type SearchHandler struct {
	router *router.Router
}

// NewSearchHandler creates a new search handler.
func NewSearchHandler(rt *router.Router) *SearchHandler {
	return &SearchHandler{router: rt}
}

// SearchResponse is the result of a query.
type SearchResponse struct {
	Results []router.Hit `json:"results"`
	Count   int          `json:"count"`
}

// Search runs a vector, text or object class query.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	var q router.Query
	if !decodeJSON(w, r, &q) {
		return
	}
	if q.K > constants.MaxSearchLimit {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("k must not exceed %d", constants.MaxSearchLimit))
		return
	}

	hits, err := h.router.Search(r.Context(), q)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, SearchResponse{Results: hits, Count: len(hits)})
}

// SearchImage answers a query by example image. The image is sent as the
// "image" field of a multipart form; k and min_similarity are query
// parameters.
func (h *SearchHandler) SearchImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxImageUploadSize)
	if err := r.ParseMultipartForm(constants.MaxImageUploadSize); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing image file")
		return
	}
	defer file.Close()
	image, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read image")
		return
	}

	k, err := intQuery(r, "k", 0, constants.MaxSearchLimit)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	var minSimilarity float64
	if s := r.URL.Query().Get("min_similarity"); s != "" {
		if minSimilarity, err = strconv.ParseFloat(s, 64); err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid min_similarity %q", s))
			return
		}
	}

	hits, err := h.router.SearchImage(r.Context(), image, k, minSimilarity)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, SearchResponse{Results: hits, Count: len(hits)})
}
