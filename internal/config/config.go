// Package config parses and validates the benchmark configuration document.
package config

import (
	"bytes"
	"encoding/json"
	"math"
	"math/bits"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	benchErrors "github.com/arkilian/iobench/internal/errors"
	"github.com/arkilian/iobench/pkg/types"
)

// Document limits.
const (
	MaxWorkloads      = 255
	MaxParticipations = 2
	MaxString         = 256
)

// RunConfig is the validated configuration for one benchmark run. It is
// immutable after ParseConfig except for the process-group binding set by Bind.
type RunConfig struct {
	Workloads []WorkloadSpec `json:"workloads" yaml:"workloads"`

	// ChunkSizeBytes is the requested chunk footprint. The realized footprint
	// is ElementsPerDim^2 * 8, which may be smaller.
	ChunkSizeBytes uint64 `json:"chunk_size_bytes" yaml:"chunk_size_bytes"`

	// ChunksPerRank is the number of chunks each rank transfers per iteration
	ChunksPerRank uint64 `json:"chunks_per_rank" yaml:"chunks_per_rank"`

	// ElementsPerDim is floor(sqrt(ChunkSizeBytes / 8))
	ElementsPerDim uint64 `json:"-" yaml:"-"`

	// ValidateRead enables the seed replay check after a read loop
	ValidateRead bool `json:"validate_read" yaml:"validate_read"`

	// NumRanks and MyRank are bound at run start from the process group
	NumRanks int `json:"-" yaml:"-"`
	MyRank   int `json:"-" yaml:"-"`
}

// WorkloadSpec is one named backend/direction/filter combination.
type WorkloadSpec struct {
	Name           string                `json:"name" yaml:"name"`
	Implementation string                `json:"implementation" yaml:"implementation"`
	Params         string                `json:"params" yaml:"params"`
	IOType         string                `json:"io_type" yaml:"io_type"`
	Filter         string                `json:"filter" yaml:"filter"`
	Participations []types.Participation `json:"io_participations" yaml:"io_participations"`
}

// ParseConfig reads, decodes and fully validates the document at path.
// Every failure is a CONFIG category error.
func ParseConfig(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, benchErrors.Wrap(benchErrors.ErrCategoryConfig, benchErrors.CodeUnreadable,
			"failed to read config file "+path, err)
	}

	root, err := decode(path, data)
	if err != nil {
		return nil, benchErrors.Wrap(benchErrors.ErrCategoryConfig, benchErrors.CodeMalformed,
			"failed to parse config file "+path, err)
	}

	return fromDocument(root)
}

// ParseBytes validates an in-memory document. format is a file extension
// such as ".json", ".yaml" or ".toml".
func ParseBytes(format string, data []byte) (*RunConfig, error) {
	root, err := decode("config"+format, data)
	if err != nil {
		return nil, benchErrors.Wrap(benchErrors.ErrCategoryConfig, benchErrors.CodeMalformed,
			"failed to parse config document", err)
	}
	return fromDocument(root)
}

// decode turns the raw file into a generic tree, choosing the decoder by extension.
func decode(path string, data []byte) (map[string]interface{}, error) {
	var root map[string]interface{}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &root); err != nil {
			return nil, err
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &root); err != nil {
			return nil, err
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&root); err != nil {
			return nil, err
		}
		if dec.More() {
			return nil, benchErrors.NewConfigError(benchErrors.CodeMalformed, "trailing data after document")
		}
	}

	if root == nil {
		return nil, benchErrors.NewConfigError(benchErrors.CodeMalformed, "document is empty")
	}
	return root, nil
}

func fromDocument(root map[string]interface{}) (*RunConfig, error) {
	doc := document{path: "", fields: root}

	cpr, err := doc.Uint("chunks_per_rank")
	if err != nil {
		return nil, err
	}
	if cpr == 0 {
		return nil, benchErrors.Configf(benchErrors.CodeOutOfRange, "chunks_per_rank must be greater than 0")
	}

	chunkSize, err := doc.Uint("chunk_size_bytes")
	if err != nil {
		return nil, err
	}
	if chunkSize < types.ElementSize {
		return nil, benchErrors.Configf(benchErrors.CodeOutOfRange,
			"chunk_size_bytes must hold at least one %d-byte element, got %d", types.ElementSize, chunkSize)
	}

	validate := true
	if doc.Has("validate_read") {
		if validate, err = doc.Bool("validate_read"); err != nil {
			return nil, err
		}
	}

	items, err := doc.Array("workloads", 1, MaxWorkloads)
	if err != nil {
		return nil, err
	}

	cfg := &RunConfig{
		ChunkSizeBytes: chunkSize,
		ChunksPerRank:  cpr,
		ElementsPerDim: ElementsPerDim(chunkSize),
		ValidateRead:   validate,
		NumRanks:       1,
		Workloads:      make([]WorkloadSpec, 0, len(items)),
	}

	for i := range items {
		w, err := doc.Index("workloads", i)
		if err != nil {
			return nil, err
		}
		spec, err := parseWorkload(w)
		if err != nil {
			return nil, err
		}
		cfg.Workloads = append(cfg.Workloads, spec)
	}

	return cfg, nil
}

func parseWorkload(doc document) (WorkloadSpec, error) {
	var spec WorkloadSpec
	var err error

	for _, f := range []struct {
		key string
		dst *string
	}{
		{"name", &spec.Name},
		{"implementation", &spec.Implementation},
		{"params", &spec.Params},
		{"io_type", &spec.IOType},
		{"filter", &spec.Filter},
	} {
		if *f.dst, err = doc.String(f.key); err != nil {
			return spec, err
		}
	}

	parts, err := doc.StringArray("io_participations", 1, MaxParticipations)
	if err != nil {
		return spec, err
	}
	seen := make(map[types.Participation]bool, len(parts))
	for _, s := range parts {
		p, err := types.ParseParticipation(s)
		if err != nil {
			return spec, benchErrors.Configf(benchErrors.CodeInvalidValue, "%s: %v", doc.key("io_participations"), err)
		}
		if seen[p] {
			return spec, benchErrors.Configf(benchErrors.CodeInvalidValue,
				"%s: duplicate participation %q", doc.key("io_participations"), p)
		}
		seen[p] = true
		spec.Participations = append(spec.Participations, p)
	}

	return spec, nil
}

// ElementsPerDim returns floor(sqrt(chunkSizeBytes / 8)) using integer arithmetic.
func ElementsPerDim(chunkSizeBytes uint64) uint64 {
	return isqrt(chunkSizeBytes / types.ElementSize)
}

func isqrt(n uint64) uint64 {
	if n < 2 {
		return n
	}
	x := uint64(math.Sqrt(float64(n)))
	// float rounding can be off by one in either direction near 2^53 and above
	for x > 0 && (x > math.MaxUint32 || x*x > n) {
		x--
	}
	for x+1 <= math.MaxUint32 && (x+1)*(x+1) <= n {
		x++
	}
	return x
}

// Bind attaches the configuration to a process group of size ranks where
// this process is rank. It fails when the dataset would not be addressable.
func (c *RunConfig) Bind(rank, size int) error {
	if size < 1 {
		return benchErrors.Configf(benchErrors.CodeOutOfRange, "process group size must be at least 1, got %d", size)
	}
	if rank < 0 || rank >= size {
		return benchErrors.Configf(benchErrors.CodeOutOfRange, "rank %d outside process group of size %d", rank, size)
	}

	hi, chunkElems := bits.Mul64(c.ElementsPerDim, c.ElementsPerDim)
	hi2, perRank := bits.Mul64(chunkElems, c.ChunksPerRank)
	hi3, total := bits.Mul64(perRank, uint64(size))
	hi4, totalBytes := bits.Mul64(total, types.ElementSize)
	if hi|hi2|hi3|hi4 != 0 || totalBytes > math.MaxInt64 {
		return benchErrors.Configf(benchErrors.CodeOutOfRange,
			"dataset of %d ranks x %d chunks x %d elements is not addressable", size, c.ChunksPerRank, chunkElems)
	}

	c.NumRanks = size
	c.MyRank = rank
	return nil
}

// ChunkElements is the number of elements in one chunk.
func (c *RunConfig) ChunkElements() uint64 {
	return c.ElementsPerDim * c.ElementsPerDim
}

// RealizedChunkBytes is the byte footprint actually transferred per chunk.
func (c *RunConfig) RealizedChunkBytes() uint64 {
	return c.ChunkElements() * types.ElementSize
}

// TotalChunks is the number of chunks in the whole dataset.
func (c *RunConfig) TotalChunks() uint64 {
	return uint64(c.NumRanks) * c.ChunksPerRank
}

// TotalBytes is the size of the whole dataset across all ranks.
func (c *RunConfig) TotalBytes() uint64 {
	return c.TotalChunks() * c.RealizedChunkBytes()
}

// GlobalChunk returns the dataset-wide index of this rank's chunk cur.
func (c *RunConfig) GlobalChunk(cur uint64) uint64 {
	return uint64(c.MyRank)*c.ChunksPerRank + cur
}

// ChunkOffset returns the leading-dimension offset of this rank's chunk cur.
func (c *RunConfig) ChunkOffset(cur uint64) uint64 {
	return c.GlobalChunk(cur) * c.ElementsPerDim
}
