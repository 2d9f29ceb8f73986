package feature

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

const (
	// DefaultSampleSize is the edge length of the square pixel sample.
	DefaultSampleSize = 16

	// DefaultPixelThreshold is the mean squared error, on RGB channels
	// normalised to [0,1], at or below which two samples are similar.
	DefaultPixelThreshold = 0.01
)

// PixelFeature is a size×size RGB sample, row-major, three values per pixel
// in [0,1].
type PixelFeature struct {
	Size   int
	Values []float64
}

// Strategy implements Feature.
func (p PixelFeature) Strategy() string { return "pixel" }

// PixelStrategy resizes images to a small opaque RGB square and compares
// them by mean squared error.
type PixelStrategy struct {
	size int
}

// NewPixelSample returns a pixel sample strategy with the given edge length.
func NewPixelSample(size int) *PixelStrategy {
	if size <= 0 {
		size = DefaultSampleSize
	}
	return &PixelStrategy{size: size}
}

func (s *PixelStrategy) Name() string { return "pixel" }

func (s *PixelStrategy) DefaultThreshold() float64 { return DefaultPixelThreshold }

// Extract decodes data and samples it.
func (s *PixelStrategy) Extract(data []byte) (*Extracted, error) {
	d, err := decode(data)
	if err != nil {
		return nil, err
	}
	return d.extracted(s.sample(d.img)), nil
}

func (s *PixelStrategy) sample(img image.Image) PixelFeature {
	small := imaging.Resize(img, s.size, s.size, imaging.Box)

	// Flatten transparency onto white so alpha never leaks into the metric.
	canvas := imaging.New(s.size, s.size, color.White)
	canvas = imaging.Overlay(canvas, small, image.Pt(0, 0), 1.0)

	values := make([]float64, 0, s.size*s.size*3)
	for y := 0; y < s.size; y++ {
		row := canvas.Pix[y*canvas.Stride:]
		for x := 0; x < s.size; x++ {
			px := row[x*4 : x*4+3]
			values = append(values,
				float64(px[0])/255,
				float64(px[1])/255,
				float64(px[2])/255,
			)
		}
	}
	return PixelFeature{Size: s.size, Values: values}
}

// Distance returns the mean squared error between two samples.
func (s *PixelStrategy) Distance(a, b Feature) (float64, error) {
	pa, okA := a.(PixelFeature)
	pb, okB := b.(PixelFeature)
	if !okA || !okB || pa.Size != s.size || pb.Size != s.size || len(pa.Values) != len(pb.Values) || len(pa.Values) == 0 {
		return 0, fmt.Errorf("pixel distance: %w", ErrIncompatible)
	}
	return MeanSquaredError(pa.Values, pb.Values), nil
}

// MeanSquaredError of two equal-length vectors. Callers check lengths.
func MeanSquaredError(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum / float64(len(a))
}
