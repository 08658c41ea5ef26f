package channel

import (
	"fmt"
	"strings"

	"github.com/dargueta/tiledir/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// codec compresses whole tiles.
type codec interface {
	// compress returns the encoded form of `tile`, or nil if encoding
	// wouldn't make it any smaller.
	compress(tile []byte) ([]byte, error)
	// decompress decodes `data` into `tile`, which is exactly one raw tile
	// long. Data that doesn't decode to exactly that many bytes is corrupt.
	decompress(tile, data []byte) error
	close() error
}

// NormalizeCompression converts a compression tag as stored on disk to the
// form used to select a codec. An empty tag means no compression.
func NormalizeCompression(tag string) string {
	normalized := strings.ToUpper(strings.TrimSpace(tag))
	if normalized == "" {
		return "NONE"
	}
	return normalized
}

// newCodec returns the codec for a normalized compression tag.
func newCodec(tag string) (codec, error) {
	switch tag {
	case "NONE":
		return noCodec{}, nil
	case "RLE":
		return rleCodec{}, nil
	case "LZ4":
		return lz4Codec{}, nil
	case "ZSTD":
		return newZstdCodec()
	}

	if strings.HasPrefix(tag, "JPEG") {
		return nil, errors.ErrNotSupported.WithMessage(
			"JPEG tile compression isn't supported")
	}
	return nil, errors.ErrNotSupported.WithMessage(
		fmt.Sprintf("unrecognized tile compression %q", tag))
}

// SupportsCompression reports whether tiles with the given compression tag
// can be read and written by a Channel.
func SupportsCompression(tag string) bool {
	c, err := newCodec(NormalizeCompression(tag))
	if err != nil {
		return false
	}
	c.close()
	return true
}

type noCodec struct{}

func (noCodec) compress([]byte) ([]byte, error) {
	return nil, nil
}

func (noCodec) decompress(tile, data []byte) error {
	return errors.Corruptedf(
		"uncompressed tile is %d bytes, expected %d", len(data), len(tile))
}

func (noCodec) close() error {
	return nil
}

type rleCodec struct{}

func (rleCodec) compress(tile []byte) ([]byte, error) {
	encoded, ok := compressRLE8(make([]byte, 0, len(tile)), tile, len(tile)-1)
	if !ok {
		return nil, nil
	}
	return encoded, nil
}

func (rleCodec) decompress(tile, data []byte) error {
	return decompressRLE8(tile, data)
}

func (rleCodec) close() error {
	return nil
}

type lz4Codec struct{}

func (lz4Codec) compress(tile []byte) ([]byte, error) {
	var compressor lz4.Compressor
	encoded := make([]byte, lz4.CompressBlockBound(len(tile)))

	n, err := compressor.CompressBlock(tile, encoded)
	if err != nil {
		return nil, errors.ErrIOFailed.Wrap(err)
	}
	// A size of 0 means the data was incompressible.
	if n == 0 || n >= len(tile) {
		return nil, nil
	}
	return encoded[:n], nil
}

func (lz4Codec) decompress(tile, data []byte) error {
	n, err := lz4.UncompressBlock(data, tile)
	if err != nil {
		return errors.ErrCorrupted.Wrap(err)
	}
	if n != len(tile) {
		return errors.Corruptedf("LZ4 tile decodes to %d bytes, expected %d", n, len(tile))
	}
	return nil
}

func (lz4Codec) close() error {
	return nil
}

// zstdCodec holds an encoder and decoder for the lifetime of a channel. Both
// are safe for concurrent use through EncodeAll and DecodeAll.
type zstdCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newZstdCodec() (*zstdCodec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, errors.ErrIOFailed.Wrap(err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		encoder.Close()
		return nil, errors.ErrIOFailed.Wrap(err)
	}
	return &zstdCodec{encoder: encoder, decoder: decoder}, nil
}

func (c *zstdCodec) compress(tile []byte) ([]byte, error) {
	encoded := c.encoder.EncodeAll(tile, make([]byte, 0, len(tile)))
	if len(encoded) >= len(tile) {
		return nil, nil
	}
	return encoded, nil
}

func (c *zstdCodec) decompress(tile, data []byte) error {
	decoded, err := c.decoder.DecodeAll(data, tile[:0])
	if err != nil {
		return errors.ErrCorrupted.Wrap(err)
	}
	if len(decoded) != len(tile) {
		return errors.Corruptedf(
			"ZSTD tile decodes to %d bytes, expected %d", len(decoded), len(tile))
	}
	// DecodeAll only reallocates when the output outgrows the tile, which is
	// caught above.
	return nil
}

func (c *zstdCodec) close() error {
	c.decoder.Close()
	return c.encoder.Close()
}
