package main

import (
	"bytes"

	"github.com/dargueta/tiledir/channel"
	"github.com/urfave/cli/v2"
)

func fillLayer(ctx *cli.Context) error {
	index, err := layerArgument(ctx)
	if err != nil {
		return err
	}

	return withContainer(ctx, func(c *container) error {
		tiles, err := c.dir.TileLayer(index)
		if err != nil {
			return err
		}

		band, err := channel.New(tiles, c.dir.NeedsSwap())
		if err != nil {
			return err
		}
		defer band.Close()

		pixel, err := encodePixel(band.DataType(), ctx.Float64("value"))
		if err != nil {
			return err
		}
		block := bytes.Repeat(pixel, band.BlockSize()/len(pixel))

		for row := 0; row < tiles.TilesPerColumn(); row++ {
			for col := 0; col < tiles.TilesPerRow(); col++ {
				err = band.WriteBlock(col, row, block)
				if err != nil {
					return err
				}
			}
		}

		okColor.Printf(
			"filled %d tiles of %s\n",
			tiles.TileCount(),
			layerSummary(index, band.TileLayer().Info()),
		)
		return nil
	})
}
