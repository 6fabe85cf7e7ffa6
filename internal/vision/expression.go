package vision

import (
	"image"
	"math"

	"facemoji/internal/emoji"
)

// Features are the geometric measurements the classifier reads.
type Features struct {
	MouthOpenness float64
	MouthWidth    float64
	EyeOpenness   float64
	EyebrowHeight float64
}

// Expression is a classified face.
type Expression struct {
	Name       string
	Confidence float64
	Features   Features
}

// Landmark index ranges in the 68-point model.
const (
	browStart = 17
	leftEye   = 36
	rightEye  = 42
	mouth     = 48
)

type vec struct{ x, y float64 }

func toVec(p image.Point) vec { return vec{float64(p.X), float64(p.Y)} }

func dist(a, b vec) float64 { return math.Hypot(a.x-b.x, a.y-b.y) }

func mean(pts []image.Point) vec {
	var v vec
	for _, p := range pts {
		v.x += float64(p.X)
		v.y += float64(p.Y)
	}
	n := float64(len(pts))
	return vec{v.x / n, v.y / n}
}

// MeasureFeatures computes features from 68 landmarks. ok is false for any
// other count.
func MeasureFeatures(lm []image.Point) (Features, bool) {
	if len(lm) != LandmarkCount {
		return Features{}, false
	}
	m := lm[mouth : mouth+20]
	brows := lm[browStart : browStart+10]
	le := lm[leftEye : leftEye+6]
	re := lm[rightEye : rightEye+6]

	width := dist(toVec(m[6]), toVec(m[0]))
	upper := mean(m[13:16])
	lower := mean(m[17:20])

	leftBrow := math.Abs(mean(brows[0:3]).y - mean(le).y)
	rightBrow := math.Abs(mean(brows[5:8]).y - mean(re).y)

	return Features{
		MouthOpenness: math.Abs(upper.y-lower.y) / math.Max(width, 1),
		MouthWidth:    width,
		EyeOpenness:   (aspectRatio(le) + aspectRatio(re)) / 2,
		EyebrowHeight: (leftBrow + rightBrow) / 2,
	}, true
}

// aspectRatio is the eye aspect ratio of a six-point eye contour.
func aspectRatio(eye []image.Point) float64 {
	p := make([]vec, len(eye))
	for i := range eye {
		p[i] = toVec(eye[i])
	}
	horizontal := dist(p[0], p[3])
	if horizontal == 0 {
		return 0
	}
	return (dist(p[1], p[5]) + dist(p[2], p[4])) / (2 * horizontal)
}

// Classify maps features to an expression. The first matching rule wins.
func Classify(f Features) Expression {
	e := Expression{Features: f}
	switch {
	case f.MouthOpenness > 0.3:
		if f.EyeOpenness > 0.25 {
			e.Name, e.Confidence = emoji.Surprised, 0.8
		} else {
			e.Name, e.Confidence = emoji.Laughing, 0.7
		}
	case f.MouthWidth > 60:
		e.Name, e.Confidence = emoji.Happy, 0.85
	case f.EyebrowHeight > 20:
		if f.EyeOpenness < 0.25 {
			e.Name, e.Confidence = emoji.Angry, 0.7
		} else {
			e.Name, e.Confidence = emoji.Surprised, 0.6
		}
	case f.EyeOpenness < 0.2:
		e.Name, e.Confidence = emoji.Sleepy, 0.6
	default:
		e.Name, e.Confidence = emoji.Neutral, 0.5
	}
	return e
}

// Analyze classifies a face. Faces without landmarks are neutral.
func Analyze(face Face) Expression {
	f, ok := MeasureFeatures(face.Landmarks)
	if !ok {
		return Expression{Name: emoji.Neutral, Confidence: 0.5}
	}
	return Classify(f)
}
