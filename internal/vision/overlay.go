package vision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	"facemoji/internal/emoji"
)

// LandmarkOverlay finds faces through a LandmarkSource and draws an emoji
// over each one.
type LandmarkOverlay struct {
	source      LandmarkSource
	sprites     *Sprites
	jpegQuality int
}

func NewLandmarkOverlay(source LandmarkSource, sprites *Sprites, jpegQuality int) *LandmarkOverlay {
	if sprites == nil {
		sprites = NewSprites("")
	}
	if jpegQuality <= 0 || jpegQuality > 100 {
		jpegQuality = 90
	}
	return &LandmarkOverlay{source: source, sprites: sprites, jpegQuality: jpegQuality}
}

// DetectAndOverlay renders req. An image without faces comes back unchanged.
func (o *LandmarkOverlay) DetectAndOverlay(ctx context.Context, req Request) (Result, error) {
	src, format, err := image.Decode(bytes.NewReader(req.Image))
	if err != nil {
		return Result{}, permanent("decode image", err)
	}

	faces, err := o.source.Landmarks(ctx, req.Image, req.ContentType)
	if err != nil {
		var de *DetectionError
		if errors.As(err, &de) {
			return Result{}, err
		}
		return Result{}, transient("detect faces", err)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, transient("collaborator deadline", err)
	}

	if len(faces) == 0 {
		return Result{
			Image:       req.Image,
			ContentType: "image/" + format,
			Ext:         sourceExtension(format),
			Faces:       []FaceResult{},
		}, nil
	}

	canvas := imaging.Clone(src)
	results := make([]FaceResult, 0, len(faces))
	for _, face := range faces {
		expr := Analyze(face)
		e, err := resolveEmoji(req.Emoji, expr)
		if err != nil {
			return Result{}, err
		}
		sprite, err := o.sprites.Sprite(e)
		if err != nil {
			return Result{}, transient("load sprite "+e.ID, err)
		}
		placed, at := place(sprite, e.Anchors, face)
		canvas = imaging.Overlay(canvas, placed, at, 1.0)
		results = append(results, FaceResult{Box: face.Box, Expression: expr, EmojiID: e.ID})
	}

	out := chooseFormat(format)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, canvas, out, imaging.JPEGQuality(o.jpegQuality)); err != nil {
		return Result{}, transient("encode image", err)
	}
	return Result{
		Image:       buf.Bytes(),
		ContentType: mimeForFormat(out),
		Ext:         formatExtension(out),
		Faces:       results,
	}, nil
}

func resolveEmoji(requested string, expr Expression) (emoji.Emoji, error) {
	if requested == "" || requested == emoji.Auto {
		return emoji.Recommend(expr.Name, expr.Confidence).Primary.Emoji, nil
	}
	e, ok := emoji.Lookup(requested)
	if !ok {
		return emoji.Emoji{}, permanent(fmt.Sprintf("unknown emoji %q", requested), nil)
	}
	return e, nil
}

// boxScale is how much larger than the detection box a sprite is drawn
// when there are no landmarks to align with.
const boxScale = 1.2

// place scales and rotates the sprite to the face and returns it with its
// top-left position on the canvas.
func place(sprite image.Image, anchors emoji.Anchors, face Face) (image.Image, image.Point) {
	if len(face.Landmarks) != LandmarkCount {
		side := int(math.Round(float64(max(face.Box.Dx(), face.Box.Dy())) * boxScale))
		side = max(side, 1)
		scaled := scale(sprite, side)
		c := face.Box.Min.Add(face.Box.Max).Div(2)
		return scaled, image.Pt(c.X-side/2, c.Y-side/2)
	}

	le := mean(face.Landmarks[leftEye : leftEye+6])
	re := mean(face.Landmarks[rightEye : rightEye+6])
	faceSpan := dist(le, re)
	spriteSpan := dist(toVec(anchors.LeftEye), toVec(anchors.RightEye))
	if faceSpan < 1 || spriteSpan < 1 {
		return place(sprite, anchors, Face{Box: face.Box})
	}

	k := faceSpan / spriteSpan
	side := max(int(math.Round(float64(emoji.SpriteSize)*k)), 1)
	var out image.Image = scale(sprite, side)

	half := float64(side) / 2
	anchorMid := vec{
		x: float64(anchors.LeftEye.X+anchors.RightEye.X) / 2 * k,
		y: float64(anchors.LeftEye.Y+anchors.RightEye.Y) / 2 * k,
	}
	off := vec{anchorMid.x - half, anchorMid.y - half}

	theta := math.Atan2(re.y-le.y, re.x-le.x)
	if math.Abs(theta) > 2*math.Pi/180 {
		// imaging rotates counter-clockwise on screen.
		out = imaging.Rotate(out, -theta*180/math.Pi, color.Transparent)
		sin, cos := math.Sincos(theta)
		off = vec{off.x*cos - off.y*sin, off.x*sin + off.y*cos}
	}

	faceMid := vec{(le.x + re.x) / 2, (le.y + re.y) / 2}
	b := out.Bounds()
	cx, cy := faceMid.x-off.x, faceMid.y-off.y
	return out, image.Pt(int(math.Round(cx-float64(b.Dx())/2)), int(math.Round(cy-float64(b.Dy())/2)))
}

func scale(src image.Image, side int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, side, side))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}
