package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"facemoji/internal/emoji"
	"facemoji/internal/models"
	"facemoji/internal/vision"
)

// ErrNoFaces means the detector found no faces in the image.
var ErrNoFaces = errors.New("no faces detected in image")

// FaceReport is the synchronous analysis of one image.
type FaceReport struct {
	Elapsed        time.Duration
	Faces          []vision.Face
	Primary        vision.Face
	Expression     vision.Expression
	Recommendation emoji.Recommendation
}

// WithLandmarks enables DetectFaces.
func (g *Gateway) WithLandmarks(src vision.LandmarkSource) *Gateway {
	g.landmarks = src
	return g
}

// DetectFaces runs the landmark source inline and classifies the first face.
// Nothing is stored.
func (g *Gateway) DetectFaces(ctx context.Context, image []byte) (FaceReport, error) {
	if g.landmarks == nil {
		return FaceReport{}, fmt.Errorf("%w: no landmark source configured", models.ErrDetectorUnavailable)
	}
	if g.cfg.MaxImageBytes > 0 && int64(len(image)) > g.cfg.MaxImageBytes {
		return FaceReport{}, fmt.Errorf("%w: %d bytes, limit is %d", ErrImageTooLarge, len(image), g.cfg.MaxImageBytes)
	}
	info, err := vision.Probe(image, g.cfg.MaxImagePixels)
	if err != nil {
		return FaceReport{}, err
	}

	cctx, cancel := context.WithTimeout(ctx, g.cfg.CollaboratorTimeout)
	defer cancel()
	start := time.Now()
	faces, err := g.landmarks.Landmarks(cctx, image, info.ContentType)
	elapsed := time.Since(start)
	if err != nil {
		var de *vision.DetectionError
		if errors.As(err, &de) && de.Permanent {
			return FaceReport{}, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
		}
		return FaceReport{}, fmt.Errorf("%w: %v", models.ErrDetectorUnavailable, err)
	}
	if len(faces) == 0 {
		return FaceReport{Elapsed: elapsed}, ErrNoFaces
	}

	primary := faces[0]
	expr := vision.Analyze(primary)
	g.logger.Debug("faces detected",
		slog.Int("faces", len(faces)),
		slog.String("expression", expr.Name),
		slog.Duration("elapsed", elapsed),
	)
	return FaceReport{
		Elapsed:        elapsed,
		Faces:          faces,
		Primary:        primary,
		Expression:     expr,
		Recommendation: emoji.Recommend(expr.Name, expr.Confidence),
	}, nil
}
