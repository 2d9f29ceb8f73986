package feature

import (
	"fmt"
	"image"
	"math/bits"

	"github.com/corona10/goimagehash"

	"imagedecloner/internal/errs"
)

// DefaultHashThreshold is the Hamming distance (out of 64 bits) at or below
// which two hashes are considered similar.
const DefaultHashThreshold = 5

// HashFeature is a 64-bit perceptual hash.
type HashFeature struct {
	Algo string
	Bits uint64
}

// Strategy implements Feature.
func (h HashFeature) Strategy() string { return h.Algo }

func (h HashFeature) String() string { return fmt.Sprintf("%s:%016x", h.Algo, h.Bits) }

// HashStrategy computes 64-bit perceptual hashes compared by Hamming distance.
type HashStrategy struct {
	name string
	hash func(image.Image) (*goimagehash.ImageHash, error)
}

// NewPerceptionHash returns the DCT-based pHash strategy.
func NewPerceptionHash() *HashStrategy {
	return &HashStrategy{name: "phash", hash: goimagehash.PerceptionHash}
}

// NewDifferenceHash returns the gradient-based dHash strategy.
func NewDifferenceHash() *HashStrategy {
	return &HashStrategy{name: "dhash", hash: goimagehash.DifferenceHash}
}

// NewAverageHash returns the mean-threshold aHash strategy.
func NewAverageHash() *HashStrategy {
	return &HashStrategy{name: "ahash", hash: goimagehash.AverageHash}
}

func (s *HashStrategy) Name() string { return s.name }

func (s *HashStrategy) DefaultThreshold() float64 { return DefaultHashThreshold }

// Extract decodes data and hashes it.
func (s *HashStrategy) Extract(data []byte) (*Extracted, error) {
	d, err := decode(data)
	if err != nil {
		return nil, err
	}

	hash, err := s.hash(d.img)
	if err != nil {
		return nil, errs.Decode(s.name, "", err)
	}

	return d.extracted(HashFeature{Algo: s.name, Bits: hash.GetHash()}), nil
}

// Distance returns the Hamming distance between two hashes of this strategy.
func (s *HashStrategy) Distance(a, b Feature) (float64, error) {
	ha, okA := a.(HashFeature)
	hb, okB := b.(HashFeature)
	if !okA || !okB || ha.Algo != s.name || hb.Algo != s.name {
		return 0, fmt.Errorf("%s distance: %w", s.name, ErrIncompatible)
	}
	return float64(HammingDistance(ha.Bits, hb.Bits)), nil
}

// HammingDistance calculates the Hamming distance between two hashes
func HammingDistance(hash1, hash2 uint64) int {
	return bits.OnesCount64(hash1 ^ hash2)
}
