package feature

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"

	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"imagedecloner/internal/errs"
)

// decoded holds a decoded image with the facts used for quality scoring.
type decoded struct {
	img     image.Image
	width   int
	height  int
	format  string
	hasExif bool
}

// MaxPixels bounds the pixel count of images that will be decoded. Larger
// headers are rejected before any pixel buffer is allocated.
const MaxPixels = 100_000_000

// CheckSize reads only the image header and rejects images whose claimed
// dimensions exceed MaxPixels.
func CheckSize(op, id string, data []byte) error {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return errs.Decode(op, id, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return errs.Decode(op, id, errEmpty)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return errs.Decode(op, id, fmt.Errorf("%dx%d exceeds %d pixels", cfg.Width, cfg.Height, MaxPixels))
	}
	return nil
}

// decode parses data as an image. Any failure is reported as errs.ErrDecode.
func decode(data []byte) (*decoded, error) {
	if len(data) == 0 {
		return nil, errs.Decode("decode", "", errEmpty)
	}
	if err := CheckSize("decode", "", data); err != nil {
		return nil, err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errs.Decode("decode", "", err)
	}

	bounds := img.Bounds()
	if bounds.Empty() {
		return nil, errs.Decode("decode", "", errEmpty)
	}

	return &decoded{
		img:     img,
		width:   bounds.Dx(),
		height:  bounds.Dy(),
		format:  strings.ToLower(format),
		hasExif: hasExif(data),
	}, nil
}

var errEmpty = errors.New("empty image")

// hasExif checks if the encoded image carries EXIF data
func hasExif(data []byte) bool {
	_, err := exif.Decode(bytes.NewReader(data))
	return err == nil
}

// extracted packages a feature together with the decode facts and score.
func (d *decoded) extracted(f Feature) *Extracted {
	return &Extracted{
		Feature: f,
		Width:   d.width,
		Height:  d.height,
		Format:  d.format,
		HasExif: d.hasExif,
		Score:   QualityScore(d.width, d.height, d.format, d.hasExif),
	}
}

// QualityScore computes the quality score used to pick which copy to keep.
func QualityScore(width, height int, format string, hasExif bool) float64 {
	// Base score: resolution (width * height)
	resolution := float64(width * height)

	return resolution * FormatQualityMultiplier(format) * MetadataMultiplier(hasExif)
}

// FormatQualityMultiplier returns quality multiplier for image format
func FormatQualityMultiplier(format string) float64 {
	switch format {
	case "png", "tiff", "bmp":
		return 1.2 // Lossless formats
	case "webp":
		return 1.1
	case "jpeg", "jpg":
		return 1.0
	case "gif":
		return 0.9 // Limited colors
	default:
		return 1.0
	}
}

// MetadataMultiplier returns quality multiplier based on metadata presence
func MetadataMultiplier(hasExif bool) float64 {
	if hasExif {
		return 1.1
	}
	return 1.0
}

// IsSupportedImage checks if a file name has a recognised image extension
func IsSupportedImage(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".tiff", ".tif":
		return true
	default:
		return false
	}
}
