package vision

import (
	"errors"
	"image"
	"image/color"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/disintegration/imaging"

	"facemoji/internal/emoji"
)

// Sprites resolves catalog emojis to images on the SpriteSize canvas.
// Files named <id>.png in dir take precedence over the built-in drawings.
type Sprites struct {
	dir string

	mu    sync.Mutex
	cache map[string]image.Image
}

func NewSprites(dir string) *Sprites {
	return &Sprites{dir: dir, cache: make(map[string]image.Image)}
}

// Sprite returns the image for e.
func (s *Sprites) Sprite(e emoji.Emoji) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if img, ok := s.cache[e.ID]; ok {
		return img, nil
	}

	img, err := s.load(e.ID)
	if err != nil {
		return nil, err
	}
	if img == nil {
		img = drawSprite(e)
	}
	s.cache[e.ID] = img
	return img, nil
}

func (s *Sprites) load(id string) (image.Image, error) {
	if s.dir == "" {
		return nil, nil
	}
	img, err := imaging.Open(filepath.Join(s.dir, id+".png"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if b := img.Bounds(); b.Dx() != emoji.SpriteSize || b.Dy() != emoji.SpriteSize {
		img = imaging.Resize(img, emoji.SpriteSize, emoji.SpriteSize, imaging.Lanczos)
	}
	return img, nil
}

var (
	skin  = color.NRGBA{R: 0xFF, G: 0xCC, B: 0x33, A: 0xFF}
	ink   = color.NRGBA{R: 0x3B, G: 0x2A, B: 0x1A, A: 0xFF}
	white = color.NRGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF}
	red   = color.NRGBA{R: 0xE0, G: 0x2F, B: 0x3A, A: 0xFF}
	blue  = color.NRGBA{R: 0x4A, G: 0x90, B: 0xE2, A: 0xFF}
)

// drawSprite paints a flat emoji whose features sit on the entry's anchors.
func drawSprite(e emoji.Emoji) *image.NRGBA {
	const size = emoji.SpriteSize
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	fillEllipse(img, size/2, size/2, size/2-4, size/2-4, skin)

	a := e.Anchors
	mx, my := a.MouthCenter.X, a.MouthCenter.Y

	switch e.Expression {
	case emoji.Happy:
		if e.ID == "happy_002" {
			heart(img, a.LeftEye)
			heart(img, a.RightEye)
		} else {
			eyes(img, a, 10, 16, ink)
		}
		halfEllipse(img, mx, my-12, 44, 30, ink, false)
	case emoji.Laughing:
		for _, p := range []image.Point{a.LeftEye, a.RightEye} {
			halfEllipse(img, p.X, p.Y+6, 18, 12, ink, true)
			fillEllipse(img, p.X, p.Y+8, 14, 6, skin)
		}
		halfEllipse(img, mx, my-18, 52, 40, ink, false)
		fillEllipse(img, mx, my+10, 24, 8, red)
		fillEllipse(img, a.LeftEye.X-22, a.LeftEye.Y+26, 8, 12, blue)
		fillEllipse(img, a.RightEye.X+22, a.RightEye.Y+26, 8, 12, blue)
	case emoji.Surprised:
		eyes(img, a, 20, 24, white)
		eyes(img, a, 8, 10, ink)
		fillEllipse(img, mx, my, 20, 26, ink)
	case emoji.Angry:
		eyes(img, a, 10, 10, ink)
		brow(img, a.LeftEye, 1)
		brow(img, a.RightEye, -1)
		halfEllipse(img, mx, my+14, 40, 22, ink, true)
		fillEllipse(img, mx, my+18, 34, 16, skin)
	case emoji.Sleepy:
		fillRect(img, image.Rect(a.LeftEye.X-18, a.LeftEye.Y-2, a.LeftEye.X+18, a.LeftEye.Y+4), ink)
		fillRect(img, image.Rect(a.RightEye.X-18, a.RightEye.Y-2, a.RightEye.X+18, a.RightEye.Y+4), ink)
		fillEllipse(img, mx, my, 10, 12, ink)
	default:
		eyes(img, a, 10, 14, ink)
		fillRect(img, image.Rect(mx-36, my-3, mx+36, my+4), ink)
	}
	return img
}

func eyes(img *image.NRGBA, a emoji.Anchors, rx, ry int, c color.NRGBA) {
	fillEllipse(img, a.LeftEye.X, a.LeftEye.Y, rx, ry, c)
	fillEllipse(img, a.RightEye.X, a.RightEye.Y, rx, ry, c)
}

func heart(img *image.NRGBA, p image.Point) {
	fillEllipse(img, p.X-9, p.Y-6, 11, 11, red)
	fillEllipse(img, p.X+9, p.Y-6, 11, 11, red)
	for dy := 0; dy <= 20; dy++ {
		half := 20 - dy
		fillRect(img, image.Rect(p.X-half, p.Y+dy-4, p.X+half+1, p.Y+dy-3), red)
	}
}

// brow draws a slanted bar above an eye; dir sets the slant.
func brow(img *image.NRGBA, eye image.Point, dir int) {
	for i := -20; i <= 20; i++ {
		y := eye.Y - 26 + dir*i/3
		fillRect(img, image.Rect(eye.X+i, y-3, eye.X+i+1, y+3), ink)
	}
}

func fillEllipse(img *image.NRGBA, cx, cy, rx, ry int, c color.NRGBA) {
	if rx <= 0 || ry <= 0 {
		return
	}
	for y := -ry; y <= ry; y++ {
		for x := -rx; x <= rx; x++ {
			if x*x*ry*ry+y*y*rx*rx <= rx*rx*ry*ry {
				setPixel(img, cx+x, cy+y, c)
			}
		}
	}
}

// halfEllipse fills the lower half of an ellipse, or the upper half when
// upper is set.
func halfEllipse(img *image.NRGBA, cx, cy, rx, ry int, c color.NRGBA, upper bool) {
	for y := 0; y <= ry; y++ {
		for x := -rx; x <= rx; x++ {
			if x*x*ry*ry+y*y*rx*rx > rx*rx*ry*ry {
				continue
			}
			if upper {
				setPixel(img, cx+x, cy-y, c)
			} else {
				setPixel(img, cx+x, cy+y, c)
			}
		}
	}
}

func fillRect(img *image.NRGBA, r image.Rectangle, c color.NRGBA) {
	r = r.Intersect(img.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
}

func setPixel(img *image.NRGBA, x, y int, c color.NRGBA) {
	if image.Pt(x, y).In(img.Bounds()) {
		img.SetNRGBA(x, y, c)
	}
}
