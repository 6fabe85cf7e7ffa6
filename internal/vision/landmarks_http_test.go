package vision

import (
	"context"
	"encoding/json"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPLandmarkSourceParsesFaces(t *testing.T) {
	lm := syntheticLandmarks(neutralShape, image.Point{})
	all := make([][2]int, len(lm))
	for i, p := range lm {
		all[i] = [2]int{p.X, p.Y}
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/detect", r.URL.Path)
		assert.Equal(t, "image/png", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "pixels", string(body))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"faces": []map[string]any{
				{
					"bounding_box": map[string]int{"left": 10, "top": 20, "width": 100, "height": 120},
					"landmarks":    map[string]any{"left_eye": [2]int{82, 100}, "all_landmarks": all},
				},
				{
					"bounding_box": map[string]int{"left": 200, "top": 20, "width": 50, "height": 50},
					"landmarks":    map[string]any{},
				},
			},
		})
	}))
	t.Cleanup(srv.Close)

	faces, err := NewHTTPLandmarkSource(srv.URL+"/", nil).Landmarks(context.Background(), []byte("pixels"), "image/png")
	require.NoError(t, err)
	require.Len(t, faces, 2)
	assert.Equal(t, 10, faces[0].Box.Min.X)
	assert.Equal(t, 130, faces[0].Box.Max.Y)
	assert.Equal(t, lm, faces[0].Landmarks)
	assert.Nil(t, faces[1].Landmarks)
}

func TestHTTPLandmarkSourceErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		permanent bool
	}{
		{name: "server error", status: http.StatusBadGateway, body: "upstream", permanent: false},
		{name: "throttled", status: http.StatusTooManyRequests, permanent: false},
		{name: "rejected", status: http.StatusUnprocessableEntity, body: "not an image", permanent: true},
		{name: "error field", status: http.StatusOK, body: `{"error":"no model loaded"}`, permanent: true},
		{name: "garbage", status: http.StatusOK, body: `{`, permanent: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			t.Cleanup(srv.Close)

			_, err := NewHTTPLandmarkSource(srv.URL, nil).Landmarks(context.Background(), []byte("x"), "")
			var de *DetectionError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tt.permanent, de.Permanent)
		})
	}
}

func TestHTTPLandmarkSourceDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewHTTPLandmarkSource(srv.URL, nil).Landmarks(ctx, []byte("x"), "image/jpeg")
	var de *DetectionError
	require.ErrorAs(t, err, &de)
	assert.False(t, de.Permanent)
	assert.Contains(t, de.Reason, "timed out")
}
