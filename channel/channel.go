// Package channel is a reference raster band built on a tile layer. It
// translates between the pixels callers see, in host byte order and
// uncompressed, and the tiles stored in the layer.
package channel

import (
	"fmt"

	"github.com/dargueta/tiledir"
	"github.com/dargueta/tiledir/errors"
	"github.com/dargueta/tiledir/tilelayer"
)

// Channel reads and writes whole blocks of a tiled raster band. A block is
// one tile.
type Channel struct {
	tiles       *tilelayer.TileLayer
	info        tiledir.TileLayerInfo
	compression string
	codec       codec
	needsSwap   bool
	tileSize    int
}

var _ tiledir.Channel = (*Channel)(nil)

// New creates a channel over `tiles`. `needsSwap` tells whether the
// directory's byte order differs from the host's, see
// [tiledir.ByteOrder.NeedsSwap].
//
// Opening a layer with an unsupported compression tag fails with
// [errors.ErrNotSupported].
func New(tiles *tilelayer.TileLayer, needsSwap bool) (*Channel, error) {
	info := tiles.Info()
	compression := NormalizeCompression(info.Compression)

	tileCodec, err := newCodec(compression)
	if err != nil {
		return nil, err
	}

	return &Channel{
		tiles:       tiles,
		info:        info,
		compression: compression,
		codec:       tileCodec,
		needsSwap:   needsSwap && info.DataType.SwapSize() > 1,
		tileSize:    int(tiles.TileSize()),
	}, nil
}

func (c *Channel) BlockWidth() uint32 {
	return c.info.TileWidth
}

func (c *Channel) BlockHeight() uint32 {
	return c.info.TileHeight
}

func (c *Channel) DataType() tiledir.DataType {
	return c.info.DataType
}

func (c *Channel) NoData() (float64, bool) {
	return c.info.NoDataValue, c.info.NoDataValid
}

// Compression returns the normalized compression tag of the band.
func (c *Channel) Compression() string {
	return c.compression
}

// TileLayer returns the tile layer the channel reads from.
func (c *Channel) TileLayer() *tilelayer.TileLayer {
	return c.tiles
}

// BlockSize returns the size of one uncompressed block, in bytes.
func (c *Channel) BlockSize() int {
	return c.tileSize
}

func (c *Channel) checkBuffer(buffer []byte) error {
	if len(buffer) < c.tileSize {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("buffer is %d bytes, need %d", len(buffer), c.tileSize))
	}
	return nil
}

// ReadBlock fills the first [Channel.BlockSize] bytes of `out` with the
// pixels of the tile at (col, row), in host byte order.
func (c *Channel) ReadBlock(col, row int, out []byte) error {
	err := c.checkBuffer(out)
	if err != nil {
		return err
	}
	out = out[:c.tileSize]

	sparse, err := c.tiles.ReadSparseTile(out, col, row)
	if err != nil {
		return err
	}
	if !sparse {
		err = c.readStoredTile(out, col, row)
		if err != nil {
			return err
		}
	}

	if c.needsSwap {
		swapWords(out, int(c.info.DataType.SwapSize()))
	}
	return nil
}

func (c *Channel) readStoredTile(out []byte, col, row int) error {
	size, err := c.tiles.TileDataSize(col, row)
	if err != nil {
		return err
	}

	if int(size) == c.tileSize {
		_, err = c.tiles.ReadTile(out, col, row)
		return err
	}
	if int(size) > c.tileSize {
		return errors.Corruptedf(
			"tile (%d, %d) holds %d bytes, more than a raw tile of %d",
			col,
			row,
			size,
			c.tileSize,
		)
	}

	compressed := make([]byte, size)
	_, err = c.tiles.ReadTile(compressed, col, row)
	if err != nil {
		return err
	}

	err = c.codec.decompress(out, compressed)
	if err != nil {
		return errors.Cast(err).WithMessage(fmt.Sprintf("tile (%d, %d)", col, row))
	}
	return nil
}

// WriteBlock stores the first [Channel.BlockSize] bytes of `in` as the tile
// at (col, row). `in` is in host byte order and isn't modified.
//
// Uniform tiles are stored sparse. Otherwise the tile is compressed with the
// band's codec, and stored raw if compression doesn't make it smaller.
func (c *Channel) WriteBlock(col, row int, in []byte) error {
	err := c.checkBuffer(in)
	if err != nil {
		return err
	}

	tile := in[:c.tileSize]
	if c.needsSwap {
		tile = make([]byte, c.tileSize)
		copy(tile, in)
		swapWords(tile, int(c.info.DataType.SwapSize()))
	}

	sparse, err := c.tiles.WriteSparseTile(tile, col, row)
	if err != nil || sparse {
		return err
	}

	compressed, err := c.codec.compress(tile)
	if err != nil {
		return err
	}
	if compressed != nil && len(compressed) < c.tileSize {
		return c.tiles.WriteTile(compressed, col, row, uint32(len(compressed)))
	}
	return c.tiles.WriteTile(tile, col, row, uint32(c.tileSize))
}

// Close releases the codec's resources. The tile layer isn't affected.
func (c *Channel) Close() error {
	return c.codec.close()
}
