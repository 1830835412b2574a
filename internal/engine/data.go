package engine

import (
	"fmt"
	"math"
	"math/rand"

	benchErrors "github.com/arkilian/iobench/internal/errors"
)

const (
	// Seed seeds the generator for written data and its replay on read.
	Seed = 42

	// Tolerance is the absolute difference allowed between written and read values.
	Tolerance = 1e-9

	// FillValue pre-fills read buffers so an untouched element fails validation.
	FillValue = -1.0
)

// FillChunk fills buf with the deterministic seed sequence.
func FillChunk(buf []float64) {
	rng := rand.New(rand.NewSource(Seed))
	for i := range buf {
		buf[i] = rng.Float64()
	}
}

// Validate compares every chunk in buf against a fresh replay of the seed
// sequence and returns an INTEGRITY error for the first element outside
// Tolerance.
func Validate(buf []float64, chunkElems int) error {
	if chunkElems <= 0 {
		return nil
	}
	expected := make([]float64, chunkElems)
	FillChunk(expected)

	for off := 0; off < len(buf); off += chunkElems {
		chunk := buf[off : off+chunkElems]
		for i, got := range chunk {
			// written as !(d <= tol) so NaN fails
			if d := math.Abs(got - expected[i]); !(d <= Tolerance) {
				c := off / chunkElems
				return benchErrors.NewIntegrityError(fmt.Sprintf(
					"chunk %d element %d: expected %v, got %v", c, i, expected[i], got)).
					WithDetails(map[string]interface{}{
						"chunk":    c,
						"element":  i,
						"expected": expected[i],
						"actual":   got,
					})
			}
		}
	}
	return nil
}
