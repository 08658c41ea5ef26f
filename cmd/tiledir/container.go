package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dargueta/tiledir"
	"github.com/dargueta/tiledir/channel"
	"github.com/dargueta/tiledir/directory"
	"github.com/dargueta/tiledir/errors"
	"github.com/dargueta/tiledir/segment"
	"github.com/fatih/color"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	failColor = color.New(color.FgRed, color.Bold)
)

// container is an open segment directory and the block directory in it.
type container struct {
	file *segment.DirFile
	dir  *directory.Directory
}

func directoryOptions() directory.Options {
	return directory.Options{Logger: logrus.StandardLogger()}
}

func openContainer(path string) (*container, error) {
	file, err := segment.OpenDirFile(path, false)
	if err != nil {
		return nil, err
	}

	for _, name := range []string{directory.BinarySegmentName, directory.ASCIISegmentName} {
		seg, ok := file.FindSegment(name)
		if !ok {
			continue
		}

		dir, err := directory.Open(file, seg, name, directoryOptions())
		if err != nil {
			file.Close()
			return nil, err
		}
		return &container{file: file, dir: dir}, nil
	}

	file.Close()
	return nil, errors.ErrInvalidArgument.WithMessage(
		fmt.Sprintf("%s doesn't contain a block directory", path))
}

// close syncs the directory and closes every segment, even if syncing
// fails.
func (c *container) close() error {
	var result error
	err := c.dir.Close()
	if err != nil {
		result = multierror.Append(result, err)
	}
	err = c.file.Close()
	if err != nil {
		result = multierror.Append(result, err)
	}
	return result
}

// withContainer opens the container named by the first argument, runs
// `action` on it, and closes it again.
func withContainer(ctx *cli.Context, action func(c *container) error) error {
	if ctx.NArg() < 1 {
		return cli.Exit("missing container path", 2)
	}

	c, err := openContainer(ctx.Args().First())
	if err != nil {
		return err
	}

	err = action(c)
	closeErr := c.close()
	if err != nil {
		return err
	}
	return closeErr
}

// layerArgument parses the layer index given as the second argument.
func layerArgument(ctx *cli.Context) (int, error) {
	if ctx.NArg() < 2 {
		return 0, cli.Exit("missing layer index", 2)
	}
	index, err := strconv.Atoi(ctx.Args().Get(1))
	if err != nil {
		return 0, cli.Exit(fmt.Sprintf("invalid layer index %q", ctx.Args().Get(1)), 2)
	}
	return index, nil
}

func createContainer(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return cli.Exit("missing container path", 2)
	}

	var name string
	switch strings.ToLower(ctx.String("format")) {
	case "binary":
		name = directory.BinarySegmentName
	case "ascii":
		name = directory.ASCIISegmentName
	default:
		return cli.Exit(fmt.Sprintf("unknown directory format %q", ctx.String("format")), 2)
	}

	options := directoryOptions()
	options.BlockSize = uint32(ctx.Uint("block-size"))
	if order := ctx.String("byte-order"); order != "" {
		options.ByteOrder = tiledir.ByteOrder(strings.ToUpper(order)[0])
	}

	file, err := segment.OpenDirFile(ctx.Args().First(), true)
	if err != nil {
		return err
	}
	defer file.Close()

	dir, err := directory.Create(file, name, options)
	if err != nil {
		return err
	}

	okColor.Printf(
		"created %s directory with %d-byte blocks (%s)\n",
		dir.Format().String(),
		dir.BlockSize(),
		dir.ByteOrder().String(),
	)
	return nil
}

func addLayer(ctx *cli.Context) error {
	dataType, err := tiledir.ParseDataType(ctx.String("type"))
	if err != nil {
		return err
	}

	info := tiledir.TileLayerInfo{
		Width:       uint32(ctx.Uint("width")),
		Height:      uint32(ctx.Uint("height")),
		TileWidth:   uint32(ctx.Uint("tile-width")),
		TileHeight:  uint32(ctx.Uint("tile-height")),
		DataType:    dataType,
		Compression: channel.NormalizeCompression(ctx.String("compression")),
		NoDataValid: ctx.IsSet("nodata"),
		NoDataValue: ctx.Float64("nodata"),
	}
	if !channel.SupportsCompression(info.Compression) {
		warnColor.Printf("tiles compressed with %s can't be read or written by this tool\n", info.Compression)
	}

	return withContainer(ctx, func(c *container) error {
		index, err := c.dir.CreateTileLayer(info)
		if err != nil {
			return err
		}
		okColor.Printf("created layer %d\n", index)
		return nil
	})
}

func deleteLayer(ctx *cli.Context) error {
	index, err := layerArgument(ctx)
	if err != nil {
		return err
	}

	return withContainer(ctx, func(c *container) error {
		err := c.dir.DeleteLayer(index)
		if err != nil {
			return err
		}
		okColor.Printf("deleted layer %d, %d blocks free\n", index, c.dir.FreeBlockCount())
		return nil
	})
}
