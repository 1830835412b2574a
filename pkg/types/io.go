package types

import (
	"fmt"
	"strings"
)

// ElementSize is the width in bytes of one dataset element (float64).
const ElementSize = 8

// IODirection selects whether an iteration writes a new dataset or reads one back.
type IODirection string

const (
	// DirectionWrite creates a dataset and fills it chunk by chunk
	DirectionWrite IODirection = "write"

	// DirectionRead opens a dataset written by an earlier run and validates it
	DirectionRead IODirection = "read"
)

// ParseDirection returns the direction for an io_type string. Matching is exact.
func ParseDirection(s string) (IODirection, error) {
	switch IODirection(s) {
	case DirectionWrite, DirectionRead:
		return IODirection(s), nil
	}
	return "", fmt.Errorf("%w: %q (must be write or read)", ErrUnknownDirection, s)
}

// Participation is how a chunk transfer is coordinated across ranks.
type Participation string

const (
	// Collective transfers are one coordinated call across all ranks
	Collective Participation = "collective"

	// Independent transfers are issued by each rank on its own
	Independent Participation = "independent"
)

// ParseParticipation returns the participation mode for s.
func ParseParticipation(s string) (Participation, error) {
	switch Participation(s) {
	case Collective, Independent:
		return Participation(s), nil
	}
	return "", fmt.Errorf("%w: %q (must be collective or independent)", ErrUnknownParticipation, s)
}

// Filter is the data transform applied to a dataset at creation time.
type Filter string

const (
	FilterRaw              Filter = "raw"
	FilterCompressLossy    Filter = "compress_lossy"
	FilterCompressLossless Filter = "compress_lossless"
)

var filterAliases = map[string]Filter{
	"raw":               FilterRaw,
	"none":              FilterRaw,
	"compress_lossy":    FilterCompressLossy,
	"lossy":             FilterCompressLossy,
	"zfp":               FilterCompressLossy,
	"compress_lossless": FilterCompressLossless,
	"lossless":          FilterCompressLossless,
	"shuffle":           FilterCompressLossless,
}

// ParseFilter resolves a filter name or alias to its canonical Filter.
func ParseFilter(s string) (Filter, error) {
	if f, ok := filterAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFilter, s)
}

// AllFilters lists the canonical filters in a stable order.
func AllFilters() []Filter {
	return []Filter{FilterRaw, FilterCompressLossy, FilterCompressLossless}
}
