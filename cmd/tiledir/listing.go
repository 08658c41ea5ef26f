package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dargueta/tiledir"
	"github.com/dargueta/tiledir/tilelayer"
	"github.com/gocarina/gocsv"
	"github.com/urfave/cli/v2"
)

type layerRow struct {
	Index       int    `csv:"index"`
	Type        string `csv:"type"`
	Blocks      uint32 `csv:"blocks"`
	Size        uint64 `csv:"size"`
	Width       uint32 `csv:"width"`
	Height      uint32 `csv:"height"`
	TileWidth   uint32 `csv:"tile_width"`
	TileHeight  uint32 `csv:"tile_height"`
	DataType    string `csv:"data_type"`
	Compression string `csv:"compression"`
}

type tileRow struct {
	Column int `csv:"column"`
	Row    int `csv:"row"`
	// Offset is -1 for sparse tiles.
	Offset int64  `csv:"offset"`
	Size   uint32 `csv:"size"`
	Sparse bool   `csv:"sparse"`
}

func printCSV(rows any) error {
	out, err := gocsv.MarshalString(rows)
	if err != nil {
		return err
	}
	_, err = fmt.Print(out)
	return err
}

func listLayers(ctx *cli.Context) error {
	return withContainer(ctx, func(c *container) error {
		rows := make([]layerRow, 0, c.dir.LayerCount())
		for i := 0; i < c.dir.LayerCount(); i++ {
			info, err := c.dir.LayerInfo(i)
			if err != nil {
				return err
			}

			row := layerRow{
				Index:  i,
				Type:   info.Type.String(),
				Blocks: info.BlockCount,
				Size:   info.LayerSize,
			}
			if tiles, err := c.dir.TileLayer(i); err == nil {
				geometry := tiles.Info()
				row.Width = geometry.Width
				row.Height = geometry.Height
				row.TileWidth = geometry.TileWidth
				row.TileHeight = geometry.TileHeight
				row.DataType = geometry.DataType.String()
				row.Compression = geometry.Compression
			}
			rows = append(rows, row)
		}

		if ctx.Bool("csv") {
			return printCSV(&rows)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "#\tTYPE\tBLOCKS\tSIZE\tRASTER\tTILE\tPIXEL\tCOMPRESSION")
		for _, row := range rows {
			if row.DataType == "" {
				fmt.Fprintf(w, "%d\t%s\t%d\t%d\t-\t-\t-\t-\n", row.Index, row.Type, row.Blocks, row.Size)
				continue
			}
			fmt.Fprintf(
				w,
				"%d\t%s\t%d\t%d\t%dx%d\t%dx%d\t%s\t%s\n",
				row.Index,
				row.Type,
				row.Blocks,
				row.Size,
				row.Width,
				row.Height,
				row.TileWidth,
				row.TileHeight,
				row.DataType,
				row.Compression,
			)
		}
		return w.Flush()
	})
}

func tileRows(tiles *tilelayer.TileLayer) ([]tileRow, error) {
	list, err := tiles.Tiles()
	if err != nil {
		return nil, err
	}

	rows := make([]tileRow, len(list))
	perRow := tiles.TilesPerRow()
	for i, tile := range list {
		rows[i] = tileRow{
			Column: i % perRow,
			Row:    i / perRow,
			Offset: int64(tile.Offset),
			Size:   tile.Size,
			Sparse: tile.IsSparse(),
		}
		if tile.IsSparse() {
			rows[i].Offset = -1
		}
	}
	return rows, nil
}

func listTiles(ctx *cli.Context) error {
	index, err := layerArgument(ctx)
	if err != nil {
		return err
	}

	return withContainer(ctx, func(c *container) error {
		tiles, err := c.dir.TileLayer(index)
		if err != nil {
			return err
		}
		rows, err := tileRows(tiles)
		if err != nil {
			return err
		}

		if ctx.Bool("csv") {
			return printCSV(&rows)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "COL\tROW\tOFFSET\tSIZE")
		for _, row := range rows {
			if row.Sparse {
				fmt.Fprintf(w, "%d\t%d\tsparse\tfill=%#x\n", row.Column, row.Row, row.Size)
			} else {
				fmt.Fprintf(w, "%d\t%d\t%d\t%d\n", row.Column, row.Row, row.Offset, row.Size)
			}
		}
		return w.Flush()
	})
}

// layerSummary is a one-line description of a tile layer for status output.
func layerSummary(index int, info tiledir.TileLayerInfo) string {
	return fmt.Sprintf(
		"layer %d: %dx%d %s, %s",
		index,
		info.Width,
		info.Height,
		info.DataType.String(),
		info.Compression,
	)
}
