package assignment

import (
	"math/rand"
	"unicode/utf16"
)

// Source yields floats uniformly distributed in [0, 1).
type Source func() float64

const (
	lcgMultiplier = 1664525
	lcgIncrement  = 1013904223
	lcgModulus    = 1 << 32
)

// SeedHash folds the UTF-16 code units of key into a signed 32-bit value with
// the rolling hash h = h*31 + c, wrapping on overflow.
func SeedHash(key string) int32 {
	var h int32
	for _, c := range utf16.Encode([]rune(key)) {
		h = (h << 5) - h + int32(c)
	}
	return h
}

// NewSeeded returns a linear congruential generator seeded with |SeedHash(key)|.
// Two calls with the same key produce independent generators with identical streams.
func NewSeeded(key string) Source {
	h := int64(SeedHash(key))
	if h < 0 {
		h = -h
	}
	state := uint64(h)
	return func() float64 {
		state = (state*lcgMultiplier + lcgIncrement) % lcgModulus
		return float64(state) / lcgModulus
	}
}

// NewRandom returns a non-reproducible source.
func NewRandom() Source {
	return rand.Float64
}

// Shuffle returns a Fisher–Yates permutation of items driven by next.
// The input slice is not modified.
func Shuffle[T any](items []T, next Source) []T {
	out := make([]T, len(items))
	copy(out, items)
	for i := len(out) - 1; i > 0; i-- {
		j := int(next() * float64(i+1))
		out[i], out[j] = out[j], out[i]
	}
	return out
}
