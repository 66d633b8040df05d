// Package embedder talks to an InsightFace-style embedding server that
// detects faces in a photo and returns one embedding per face.
package embedder

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
)

const (
	defaultURL     = "http://localhost:8000"
	defaultTimeout = 60 * time.Second
)

// ErrNoEmbedding is returned when the server found no usable face embedding.
var ErrNoEmbedding = errors.New("no face embedding returned")

// Client computes face embeddings using the embedding server
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a new embedding client
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Detection is a single detected face. Pose and image quality measurements
// are optional; servers that do not report them leave them zero.
type Detection struct {
	FaceIndex     int       `json:"face_index"`
	Dim           int       `json:"dim"`
	Embedding     []float32 `json:"embedding"`
	BBox          []float64 `json:"bbox"` // [x1, y1, x2, y2]
	DetScore      float64   `json:"det_score"`
	Yaw           float64   `json:"yaw"`
	Roll          float64   `json:"roll"`
	Sharpness     float64   `json:"sharpness"`
	EyeVisibility float64   `json:"eye_visibility"`
}

// FaceResponse is the response of the face embedding endpoint
type FaceResponse struct {
	FacesCount int         `json:"faces_count"`
	Faces      []Detection `json:"faces"`
	Model      string      `json:"model"`
}

// postImage posts the image as a multipart form with a Content-Type detected
// from its magic bytes.
func (c *Client) postImage(ctx context.Context, endpoint string, imageData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="image.jpg"`)
	h.Set("Content-Type", detectMIMEType(imageData))
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// DetectFaces detects faces and computes their embeddings. Faces without an
// embedding are returned as they are; the caller decides what to do with them.
func (c *Client) DetectFaces(ctx context.Context, imageData []byte) (*FaceResponse, error) {
	body, err := c.postImage(ctx, "/embed/face", imageData)
	if err != nil {
		return nil, err
	}

	var faceResp FaceResponse
	if err := json.Unmarshal(body, &faceResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &faceResp, nil
}

// EmbedFace returns the embedding of the most confident face in a face crop.
func (c *Client) EmbedFace(ctx context.Context, crop []byte) ([]float32, error) {
	resp, err := c.DetectFaces(ctx, crop)
	if err != nil {
		return nil, err
	}

	var best *Detection
	for i := range resp.Faces {
		f := &resp.Faces[i]
		if len(f.Embedding) == 0 {
			continue
		}
		if best == nil || f.DetScore > best.DetScore {
			best = f
		}
	}
	if best == nil {
		return nil, ErrNoEmbedding
	}
	return best.Embedding, nil
}

// detectMIMEType detects the MIME type from image data
func detectMIMEType(data []byte) string {
	if len(data) < 8 {
		return "application/octet-stream"
	}
	// JPEG: FF D8 FF
	if data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
		return "image/jpeg"
	}
	// PNG: 89 50 4E 47
	if data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47 {
		return "image/png"
	}
	// WebP: RIFF ... WEBP
	if len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP" {
		return "image/webp"
	}
	return "application/octet-stream"
}
