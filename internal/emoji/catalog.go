// Package emoji holds the emoji catalog and picks emojis for expressions.
package emoji

import (
	"fmt"
	"image"
	"sort"
	"strings"

	"facemoji/internal/models"
)

// Expressions recognised by the analyzer.
const (
	Happy     = "happy"
	Laughing  = "laughing"
	Surprised = "surprised"
	Angry     = "angry"
	Sleepy    = "sleepy"
	Neutral   = "neutral"
)

// Auto asks the worker to choose an emoji from each face's expression.
const Auto = "auto"

// Anchors are sprite-space positions, on a 256x256 canvas, that line up
// with facial landmarks.
type Anchors struct {
	LeftEye     image.Point `json:"left_eye"`
	RightEye    image.Point `json:"right_eye"`
	MouthCenter image.Point `json:"mouth_center"`
}

// Emoji is one catalog entry.
type Emoji struct {
	ID                  string  `json:"id"`
	Glyph               string  `json:"emoji"`
	Expression          string  `json:"expression"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	URL                 string  `json:"url"`
	Anchors             Anchors `json:"anchor_points"`
}

// SpriteSize is the edge of the square canvas anchors are expressed in.
const SpriteSize = 256

const assetBase = "https://cdn.emojiswap.com/assets/"

func entry(id, glyph, expression string, threshold float64, eyeY, mouthY int) Emoji {
	return Emoji{
		ID:                  id,
		Glyph:               glyph,
		Expression:          expression,
		ConfidenceThreshold: threshold,
		URL:                 assetBase + id + ".webp",
		Anchors: Anchors{
			LeftEye:     image.Pt(80, eyeY),
			RightEye:    image.Pt(176, eyeY),
			MouthCenter: image.Pt(128, mouthY),
		},
	}
}

var catalog = []Emoji{
	entry("happy_001", "😀", Happy, 0.7, 95, 180),
	entry("happy_002", "😍", Happy, 0.8, 95, 180),
	entry("surprised_001", "😲", Surprised, 0.6, 85, 190),
	entry("laughing_001", "🤣", Laughing, 0.7, 90, 185),
	entry("angry_001", "😠", Angry, 0.6, 100, 175),
	entry("neutral_001", "😐", Neutral, 0.4, 95, 180),
	entry("sleepy_001", "😴", Sleepy, 0.5, 98, 180),
}

// aliases keep the effect names older clients send.
var aliases = map[string]string{
	"smile":    "happy_001",
	"surprise": "surprised_001",
}

var byID = func() map[string]Emoji {
	m := make(map[string]Emoji, len(catalog))
	for _, e := range catalog {
		m[e.ID] = e
	}
	return m
}()

// All returns the catalog in a stable order.
func All() []Emoji {
	return append([]Emoji(nil), catalog...)
}

// ByExpression returns the entries mapped to an expression.
func ByExpression(expression string) []Emoji {
	var out []Emoji
	for _, e := range catalog {
		if e.Expression == expression {
			out = append(out, e)
		}
	}
	return out
}

// Lookup resolves an id or alias.
func Lookup(id string) (Emoji, bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	if target, ok := aliases[id]; ok {
		id = target
	}
	e, ok := byID[id]
	return e, ok
}

// Normalize validates a requested emoji and returns its canonical form:
// Auto for empty or "auto", otherwise the catalog id.
func Normalize(requested string) (string, error) {
	requested = strings.ToLower(strings.TrimSpace(requested))
	if requested == "" || requested == Auto {
		return Auto, nil
	}
	e, ok := Lookup(requested)
	if !ok {
		return "", fmt.Errorf("%w: unknown emoji %q", models.ErrInvalidInput, requested)
	}
	return e.ID, nil
}

// Scored is a candidate with its compatibility score.
type Scored struct {
	Emoji
	Score float64 `json:"score"`
}

// Recommendation is the outcome of Recommend.
type Recommendation struct {
	Primary           Scored   `json:"primary"`
	Alternatives      []Scored `json:"alternatives"`
	ExpressionMatched string   `json:"expression_matched"`
	Confidence        float64  `json:"confidence"`
}

const maxAlternatives = 3

// Recommend ranks the emojis for an expression. Unknown expressions fall
// back to neutral.
func Recommend(expression string, confidence float64) Recommendation {
	candidates := ByExpression(expression)
	if len(candidates) == 0 {
		candidates = ByExpression(Neutral)
	}

	scored := make([]Scored, 0, len(candidates))
	for _, e := range candidates {
		scored = append(scored, Scored{Emoji: e, Score: score(confidence, e.ConfidenceThreshold)})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	rec := Recommendation{
		Primary:           scored[0],
		Alternatives:      []Scored{},
		ExpressionMatched: expression,
		Confidence:        confidence,
	}
	for _, s := range scored[1:] {
		if len(rec.Alternatives) == maxAlternatives {
			break
		}
		rec.Alternatives = append(rec.Alternatives, s)
	}
	return rec
}

func score(confidence, threshold float64) float64 {
	s := confidence
	if s >= threshold {
		s *= 1.2
	}
	if s > 1 {
		s = 1
	}
	return s
}
