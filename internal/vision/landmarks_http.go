package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
)

// HTTPLandmarkSource calls the native landmark service over HTTP.
type HTTPLandmarkSource struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPLandmarkSource(baseURL string, client *http.Client) *HTTPLandmarkSource {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPLandmarkSource{baseURL: strings.TrimRight(baseURL, "/"), httpClient: client}
}

type detectResponse struct {
	Faces []struct {
		BoundingBox struct {
			Left   int `json:"left"`
			Top    int `json:"top"`
			Width  int `json:"width"`
			Height int `json:"height"`
		} `json:"bounding_box"`
		Landmarks struct {
			AllLandmarks [][2]int `json:"all_landmarks"`
		} `json:"landmarks"`
	} `json:"faces"`
	Error string `json:"error,omitempty"`
}

// Landmarks posts the raw image to /detect. Client errors from the service
// are permanent; transport failures and server errors are not.
func (s *HTTPLandmarkSource) Landmarks(ctx context.Context, img []byte, contentType string) ([]Face, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/detect", bytes.NewReader(img))
	if err != nil {
		return nil, permanent("build request", err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, transient("landmark service timed out", err)
		}
		return nil, transient("call landmark service", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, transient("read landmark response", err)
	}
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return nil, transient(fmt.Sprintf("landmark service status %d", resp.StatusCode), errors.New(snippet(body)))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, permanent(fmt.Sprintf("landmark service rejected image (status %d)", resp.StatusCode), errors.New(snippet(body)))
	}

	var parsed detectResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, transient("decode landmark response", err)
	}
	if parsed.Error != "" {
		return nil, permanent("landmark service error", errors.New(parsed.Error))
	}

	faces := make([]Face, 0, len(parsed.Faces))
	for _, f := range parsed.Faces {
		bb := f.BoundingBox
		face := Face{Box: image.Rect(bb.Left, bb.Top, bb.Left+bb.Width, bb.Top+bb.Height)}
		if len(f.Landmarks.AllLandmarks) == LandmarkCount {
			face.Landmarks = make([]image.Point, LandmarkCount)
			for i, p := range f.Landmarks.AllLandmarks {
				face.Landmarks[i] = image.Pt(p[0], p[1])
			}
		}
		faces = append(faces, face)
	}
	return faces, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
