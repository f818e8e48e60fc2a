package wire

import (
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Compressor applies symmetric compression to an outbound message batch.
// Negotiated per-socket; off by default, so it changes wire bytes only, never
// protocol semantics (§"wire compression negotiation").
type Compressor interface {
	//1.- Name returns the codec identifier negotiated at hello time.
	Name() string
	//2.- Compress encodes the provided payload into a compressed representation.
	Compress(data []byte) ([]byte, error)
	//3.- Decompress restores the original payload from its compressed form.
	Decompress(data []byte) ([]byte, error)
}

// snappyCompressor wraps golang/snappy for low-latency, low-ratio framing.
type snappyCompressor struct{}

// NewSnappyCompressor constructs a Compressor backed by snappy block format.
func NewSnappyCompressor() Compressor { return snappyCompressor{} }

func (snappyCompressor) Name() string { return "snappy" }

func (snappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (snappyCompressor) Decompress(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress: %w", err)
	}
	return out, nil
}

// zstdCompressor wraps klauspost/compress's zstd implementation for higher
// ratio compression of large multi-response batches.
type zstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewZstdCompressor constructs a Compressor backed by zstd.
func NewZstdCompressor() (Compressor, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &zstdCompressor{encoder: enc, decoder: dec}, nil
}

func (z *zstdCompressor) Name() string { return "zstd" }

func (z *zstdCompressor) Compress(data []byte) ([]byte, error) {
	return z.encoder.EncodeAll(data, nil), nil
}

func (z *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("zstd decompress: empty payload")
	}
	return z.decoder.DecodeAll(data, nil)
}

// ByName resolves a negotiated codec identifier to a Compressor. An empty or
// unknown name yields (nil, false): the caller should treat that as "no
// compression" rather than an error, since compression is optional.
func ByName(name string) (Compressor, bool) {
	switch name {
	case "snappy":
		return NewSnappyCompressor(), true
	case "zstd":
		c, err := NewZstdCompressor()
		if err != nil {
			return nil, false
		}
		return c, true
	default:
		return nil, false
	}
}
