package main

import (
	"bytes"
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"

	"github.com/dargueta/tiledir"
	"github.com/dargueta/tiledir/channel"
	"github.com/dargueta/tiledir/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func runCommand(t *testing.T, args ...string) error {
	app := newApp()
	app.ExitErrHandler = func(*cli.Context, error) {}
	return app.Run(append([]string{"tiledir"}, args...))
}

func TestEncodePixel(t *testing.T) {
	pixel, err := encodePixel(tiledir.DataType16S, -2)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xfffe), binary.NativeEndian.Uint16(pixel))

	pixel, err = encodePixel(tiledir.DataType32R, 1.5)
	require.NoError(t, err)
	assert.Equal(t, math.Float32bits(1.5), binary.NativeEndian.Uint32(pixel))

	pixel, err = encodePixel(tiledir.DataTypeC16U, 7)
	require.NoError(t, err)
	require.Len(t, pixel, 4)
	assert.Equal(t, uint16(7), binary.NativeEndian.Uint16(pixel))
	assert.Equal(t, []byte{0, 0}, pixel[2:])
}

func TestEncodePixel__OutOfRange(t *testing.T) {
	_, err := encodePixel(tiledir.DataType8U, 300)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)

	_, err = encodePixel(tiledir.DataType16S, 1.25)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)

	_, err = encodePixel(tiledir.DataTypeUnknown, 0)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestCommands__FillAndCheck(t *testing.T) {
	for _, format := range []string{"binary", "ascii"} {
		t.Run(format, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "container")

			require.NoError(t, runCommand(t, "create", "--format", format, "--block-size", "512", path))
			require.NoError(t, runCommand(
				t,
				"add-layer",
				"--width", "100",
				"--height", "40",
				"--tile-width", "32",
				"--tile-height", "32",
				"--type", "16S",
				"--compression", "rle",
				path,
			))
			require.NoError(t, runCommand(t, "fill", "--value", "-3", path, "0"))
			require.NoError(t, runCommand(t, "check", path))
			require.NoError(t, runCommand(t, "layers", "--csv", path))
			require.NoError(t, runCommand(t, "tiles", path, "0"))

			c, err := openContainer(path)
			require.NoError(t, err)
			defer c.close()

			tiles, err := c.dir.TileLayer(0)
			require.NoError(t, err)
			assert.Equal(t, "RLE", tiles.Info().Compression)

			band, err := channel.New(tiles, c.dir.NeedsSwap())
			require.NoError(t, err)
			defer band.Close()

			pixel, err := encodePixel(tiledir.DataType16S, -3)
			require.NoError(t, err)
			expected := bytes.Repeat(pixel, band.BlockSize()/2)

			out := make([]byte, band.BlockSize())
			require.NoError(t, band.ReadBlock(3, 1, out))
			assert.Equal(t, expected, out)
		})
	}
}

func TestCommands__DeleteLayer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "container")

	require.NoError(t, runCommand(t, "create", path))
	require.NoError(t, runCommand(t, "add-layer", "--width", "10", "--height", "10", path))
	require.NoError(t, runCommand(t, "delete-layer", path, "0"))
	assert.Error(t, runCommand(t, "delete-layer", path, "0"))
	assert.Error(t, runCommand(t, "tiles", path, "0"))

	c, err := openContainer(path)
	require.NoError(t, err)
	defer c.close()

	info, err := c.dir.LayerInfo(0)
	require.NoError(t, err)
	assert.Equal(t, tiledir.LayerDead, info.Type)
}

func TestCommands__MissingDirectory(t *testing.T) {
	path := t.TempDir()
	assert.ErrorIs(t, runCommand(t, "layers", path), errors.ErrInvalidArgument)
}
