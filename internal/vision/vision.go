// Package vision detects faces and composites emojis over them.
package vision

import (
	"context"
	"errors"
	"fmt"
	"image"
)

// Request is one image to process.
type Request struct {
	Image       []byte
	ContentType string
	// Emoji is a catalog id, or "auto" to pick per face from its expression.
	Emoji string
}

// Result is the rendered image plus what was found.
type Result struct {
	Image       []byte
	ContentType string
	Ext         string
	Faces       []FaceResult
}

// FaceResult describes what was drawn on one face.
type FaceResult struct {
	Box        image.Rectangle
	Expression Expression
	EmojiID    string
}

// Detector is the face-detection and overlay collaborator. Errors are
// *DetectionError.
type Detector interface {
	DetectAndOverlay(ctx context.Context, req Request) (Result, error)
}

// Face is one detection from a LandmarkSource. Landmarks holds the 68-point
// model when available.
type Face struct {
	Box       image.Rectangle
	Landmarks []image.Point
}

// LandmarkCount is the size of the landmark model.
const LandmarkCount = 68

// LandmarkSource finds faces and their landmarks.
type LandmarkSource interface {
	Landmarks(ctx context.Context, img []byte, contentType string) ([]Face, error)
}

// DetectionError is a collaborator failure. Permanent failures will not
// succeed on retry.
type DetectionError struct {
	Reason    string
	Permanent bool
	Err       error
}

func (e *DetectionError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *DetectionError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a permanent DetectionError.
func IsPermanent(err error) bool {
	var de *DetectionError
	return errors.As(err, &de) && de.Permanent
}

func transient(reason string, err error) error {
	return &DetectionError{Reason: reason, Err: err}
}

func permanent(reason string, err error) error {
	return &DetectionError{Reason: reason, Permanent: true, Err: err}
}
