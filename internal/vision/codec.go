package vision

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"facemoji/internal/models"
)

// Info describes an accepted input image.
type Info struct {
	Format      string
	Width       int
	Height      int
	ContentType string
	Ext         string
}

// Probe checks the pixel bound from the header, then decodes the whole image.
// maxPixels <= 0 disables the bound.
func Probe(data []byte, maxPixels int64) (Info, error) {
	if len(data) == 0 {
		return Info{}, fmt.Errorf("%w: empty image", models.ErrInvalidInput)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("%w: unsupported or corrupt image: %v", models.ErrInvalidInput, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Info{}, fmt.Errorf("%w: invalid image dimensions", models.ErrInvalidInput)
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return Info{}, fmt.Errorf("%w: image has %dx%d pixels, limit is %d", models.ErrInvalidInput, cfg.Width, cfg.Height, maxPixels)
	}
	// The header alone accepts truncated bodies.
	if _, err := imaging.Decode(bytes.NewReader(data)); err != nil {
		return Info{}, fmt.Errorf("%w: corrupt image data: %v", models.ErrInvalidInput, err)
	}
	return Info{
		Format:      format,
		Width:       cfg.Width,
		Height:      cfg.Height,
		ContentType: "image/" + format,
		Ext:         sourceExtension(format),
	}, nil
}

func sourceExtension(format string) string {
	if format == "jpeg" {
		return "jpg"
	}
	return format
}

// chooseFormat keeps the input's format when it can be encoded and falls
// back to JPEG otherwise.
func chooseFormat(decodeFormat string) imaging.Format {
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	case "tiff":
		return imaging.TIFF
	case "bmp":
		return imaging.BMP
	}
	return imaging.JPEG
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	case imaging.TIFF:
		return "tiff"
	case imaging.BMP:
		return "bmp"
	default:
		return "jpg"
	}
}

func mimeForFormat(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	case imaging.BMP:
		return "image/bmp"
	default:
		return "image/jpeg"
	}
}
