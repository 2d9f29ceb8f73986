// Package feature turns raw image bytes into comparable features and
// measures the distance between them.
package feature

import (
	"errors"
	"fmt"
	"sort"
)

// ErrIncompatible is returned when two features come from different
// extractor configurations.
var ErrIncompatible = errors.New("features are not comparable")

// Feature is a fixed-shape representation of one image.
type Feature interface {
	// Strategy names the extractor that produced the feature.
	Strategy() string
}

// Extracted is the result of a successful extraction: the feature plus the
// facts learned while decoding.
type Extracted struct {
	Feature Feature
	Width   int
	Height  int
	Format  string
	HasExif bool
	Score   float64
}

// Strategy pairs one extractor with the metric that compares its features.
// A session uses exactly one Strategy.
type Strategy interface {
	Name() string
	// DefaultThreshold is the distance at or below which two images are
	// considered similar when no threshold is configured.
	DefaultThreshold() float64
	// Extract decodes data and computes its feature. Undecodable input
	// fails with errs.ErrDecode.
	Extract(data []byte) (*Extracted, error)
	// Distance is symmetric, non-negative and zero for identical features.
	Distance(a, b Feature) (float64, error)
}

var registry = map[string]func() Strategy{
	"phash": func() Strategy { return NewPerceptionHash() },
	"dhash": func() Strategy { return NewDifferenceHash() },
	"ahash": func() Strategy { return NewAverageHash() },
	"pixel": func() Strategy { return NewPixelSample(DefaultSampleSize) },
}

// New returns the strategy registered under name.
func New(name string) (Strategy, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (available: %v)", name, Names())
	}
	return ctor(), nil
}

// Names lists the registered strategy names.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveThreshold returns threshold, or the strategy default when
// threshold is negative.
func ResolveThreshold(s Strategy, threshold float64) float64 {
	if threshold < 0 {
		return s.DefaultThreshold()
	}
	return threshold
}
