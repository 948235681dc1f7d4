// Package inference talks to the external embedding server that turns text
// queries and photos into vectors.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/kozaktomas/photo-index/internal/vector"
)

const defaultTimeout = 60 * time.Second

// Client computes embeddings using the embedding server.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client for the embedding server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: defaultTimeout},
	}
}

type embeddingResponse struct {
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	Model     string    `json:"model"`
}

// Face is one face detected on a photo.
type Face struct {
	Index     int       `json:"face_index"`
	Embedding []float32 `json:"embedding"`
	BBox      []float64 `json:"bbox"` // [x1, y1, x2, y2]
	DetScore  float64   `json:"det_score"`
}

type faceResponse struct {
	FacesCount int    `json:"faces_count"`
	Faces      []Face `json:"faces"`
}

type textRequest struct {
	Text string `json:"text"`
}

// EmbedText computes the semantic embedding of a text query.
func (c *Client) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty text query", vector.ErrInvalidOperation)
	}
	reqBody, err := json.Marshal(textRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	body, err := c.post(ctx, "/embed/text", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	return decodeEmbedding(body)
}

// EmbedImage computes the semantic embedding of a whole photo.
func (c *Client) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	contentType, form, err := imageForm(image)
	if err != nil {
		return nil, err
	}
	body, err := c.post(ctx, "/embed/image", contentType, form)
	if err != nil {
		return nil, err
	}
	return decodeEmbedding(body)
}

// DetectFaces detects the faces on a photo and returns their embeddings.
func (c *Client) DetectFaces(ctx context.Context, image []byte) ([]Face, error) {
	contentType, form, err := imageForm(image)
	if err != nil {
		return nil, err
	}
	body, err := c.post(ctx, "/embed/face", contentType, form)
	if err != nil {
		return nil, err
	}
	var resp faceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return resp.Faces, nil
}

func (c *Client) post(ctx context.Context, endpoint, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding server error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func decodeEmbedding(body []byte) ([]float32, error) {
	var resp embeddingResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, errors.New("empty embedding returned")
	}
	return resp.Embedding, nil
}

// imageForm wraps image bytes in a multipart form with a sniffed content type.
func imageForm(image []byte) (string, io.Reader, error) {
	if len(image) == 0 {
		return "", nil, fmt.Errorf("%w: empty image", vector.ErrInvalidOperation)
	}
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="image"`)
	h.Set("Content-Type", http.DetectContentType(image))
	part, err := writer.CreatePart(h)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return "", nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return writer.FormDataContentType(), &buf, nil
}
