package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "tiledir",
		Usage: "Inspect and maintain tiled raster containers",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log directory activity",
			},
		},
		Before: func(ctx *cli.Context) error {
			if ctx.Bool("verbose") {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.WarnLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "create",
				Usage:     "Create a container with an empty block directory",
				ArgsUsage: "PATH",
				Action:    createContainer,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "format",
						Value: "binary",
						Usage: "directory format, `binary` or `ascii`",
					},
					&cli.UintFlag{
						Name:  "block-size",
						Value: 8192,
						Usage: "size of a data block, in bytes",
					},
					&cli.StringFlag{
						Name:  "byte-order",
						Usage: "`B` or `L`; defaults to the host's",
					},
				},
			},
			{
				Name:      "add-layer",
				Usage:     "Add an image layer with empty tiles",
				ArgsUsage: "PATH",
				Action:    addLayer,
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "width", Required: true, Usage: "raster width in pixels"},
					&cli.UintFlag{Name: "height", Required: true, Usage: "raster height in pixels"},
					&cli.UintFlag{Name: "tile-width", Value: 256},
					&cli.UintFlag{Name: "tile-height", Value: 256},
					&cli.StringFlag{Name: "type", Value: "8U", Usage: "pixel data type"},
					&cli.StringFlag{Name: "compression", Value: "NONE"},
					&cli.Float64Flag{Name: "nodata", Usage: "NoData value"},
				},
			},
			{
				Name:      "delete-layer",
				Usage:     "Delete a layer and release its blocks",
				ArgsUsage: "PATH INDEX",
				Action:    deleteLayer,
			},
			{
				Name:      "layers",
				Usage:     "List the layers of a directory",
				ArgsUsage: "PATH",
				Action:    listLayers,
				Flags:     []cli.Flag{&cli.BoolFlag{Name: "csv", Usage: "print CSV"}},
			},
			{
				Name:      "tiles",
				Usage:     "List the tiles of an image layer",
				ArgsUsage: "PATH INDEX",
				Action:    listTiles,
				Flags:     []cli.Flag{&cli.BoolFlag{Name: "csv", Usage: "print CSV"}},
			},
			{
				Name:      "fill",
				Usage:     "Set every pixel of an image layer to one value",
				ArgsUsage: "PATH INDEX",
				Action:    fillLayer,
				Flags: []cli.Flag{
					&cli.Float64Flag{Name: "value", Required: true},
				},
			},
			{
				Name:      "check",
				Usage:     "Check block accounting and read back every tile",
				ArgsUsage: "PATH",
				Action:    checkContainer,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "jobs",
						Value: 0,
						Usage: "tiles to read in parallel; 0 means one per CPU",
					},
				},
			},
		},
	}
}

func main() {
	err := newApp().Run(os.Args)
	if err != nil {
		logrus.Fatalf("fatal error: %s", err.Error())
	}
}
