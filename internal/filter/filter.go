// Package filter implements the dataset transforms applied to each chunk
// before it reaches a storage backend.
package filter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/arkilian/iobench/pkg/types"
)

// DefaultAccuracy is the absolute error bound of the lossy filter.
const DefaultAccuracy = 1e-10

// ErrCorrupt is returned when an encoded chunk cannot be decoded.
var ErrCorrupt = errors.New("corrupt encoded chunk")

// Codec encodes one chunk of float64 elements to bytes and back.
type Codec interface {
	Filter() types.Filter
	Encode(src []float64) ([]byte, error)
	Decode(data []byte, dst []float64) error
	Close() error
}

// Options tunes codec construction.
type Options struct {
	// Accuracy is the lossy filter's absolute error bound. Zero means DefaultAccuracy.
	Accuracy float64
}

// New returns the codec for f.
func New(f types.Filter, opts Options) (Codec, error) {
	switch f {
	case types.FilterRaw:
		return rawCodec{}, nil
	case types.FilterCompressLossy:
		acc := opts.Accuracy
		if acc == 0 {
			acc = DefaultAccuracy
		}
		if acc < 0 || math.IsNaN(acc) || math.IsInf(acc, 0) {
			return nil, fmt.Errorf("lossy accuracy must be a positive number, got %v", acc)
		}
		return &lossyCodec{step: 2 * acc}, nil
	case types.FilterCompressLossless:
		return newLosslessCodec()
	}
	return nil, fmt.Errorf("%w: %q", types.ErrUnknownFilter, f)
}

type rawCodec struct{}

func (rawCodec) Filter() types.Filter { return types.FilterRaw }
func (rawCodec) Close() error         { return nil }

func (rawCodec) Encode(src []float64) ([]byte, error) {
	return EncodeRaw(src, nil), nil
}

func (rawCodec) Decode(data []byte, dst []float64) error {
	return DecodeRaw(data, dst)
}

// EncodeRaw appends the little-endian bytes of src to buf.
func EncodeRaw(src []float64, buf []byte) []byte {
	if cap(buf)-len(buf) < len(src)*types.ElementSize {
		grown := make([]byte, len(buf), len(buf)+len(src)*types.ElementSize)
		copy(grown, buf)
		buf = grown
	}
	for _, v := range src {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	}
	return buf
}

// DecodeRaw fills dst from little-endian bytes.
func DecodeRaw(data []byte, dst []float64) error {
	if len(data) != len(dst)*types.ElementSize {
		return fmt.Errorf("%w: %d bytes for %d elements", ErrCorrupt, len(data), len(dst))
	}
	for i := range dst {
		dst[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*types.ElementSize:]))
	}
	return nil
}

// lossyCodec quantizes to a fixed step, delta-encodes the quanta as
// zig-zag varints and compresses the stream with snappy.
type lossyCodec struct {
	step float64
}

func (c *lossyCodec) Filter() types.Filter { return types.FilterCompressLossy }
func (c *lossyCodec) Close() error         { return nil }

const maxQuantum = 1 << 62

func (c *lossyCodec) Encode(src []float64) ([]byte, error) {
	buf := make([]byte, 0, len(src)*binary.MaxVarintLen64/2)
	var prev int64
	for i, v := range src {
		q := math.Round(v / c.step)
		if math.IsNaN(q) || math.Abs(q) >= maxQuantum {
			return nil, fmt.Errorf("element %d (%v) is not representable at step %g", i, v, c.step)
		}
		cur := int64(q)
		buf = binary.AppendVarint(buf, cur-prev)
		prev = cur
	}
	return snappy.Encode(nil, buf), nil
}

func (c *lossyCodec) Decode(data []byte, dst []float64) error {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	var prev int64
	for i := range dst {
		d, n := binary.Varint(raw)
		if n <= 0 {
			return fmt.Errorf("%w: truncated at element %d", ErrCorrupt, i)
		}
		raw = raw[n:]
		prev += d
		dst[i] = float64(prev) * c.step
	}
	if len(raw) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(raw))
	}
	return nil
}

// losslessCodec byte-shuffles the elements so equal-significance bytes are
// adjacent, then compresses with zstd.
type losslessCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newLosslessCodec() (*losslessCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &losslessCodec{enc: enc, dec: dec}, nil
}

func (c *losslessCodec) Filter() types.Filter { return types.FilterCompressLossless }

func (c *losslessCodec) Close() error {
	c.dec.Close()
	return c.enc.Close()
}

func (c *losslessCodec) Encode(src []float64) ([]byte, error) {
	return c.enc.EncodeAll(shuffle(EncodeRaw(src, nil), types.ElementSize), nil), nil
}

func (c *losslessCodec) Decode(data []byte, dst []float64) error {
	raw, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if len(raw) != len(dst)*types.ElementSize {
		return fmt.Errorf("%w: %d bytes for %d elements", ErrCorrupt, len(raw), len(dst))
	}
	return DecodeRaw(unshuffle(raw, types.ElementSize), dst)
}

func shuffle(in []byte, width int) []byte {
	n := len(in) / width
	out := make([]byte, len(in))
	for i := 0; i < n; i++ {
		for b := 0; b < width; b++ {
			out[b*n+i] = in[i*width+b]
		}
	}
	return out
}

func unshuffle(in []byte, width int) []byte {
	n := len(in) / width
	out := make([]byte, len(in))
	for i := 0; i < n; i++ {
		for b := 0; b < width; b++ {
			out[i*width+b] = in[b*n+i]
		}
	}
	return out
}
