package main

import (
	"runtime"
	"sync/atomic"

	"github.com/dargueta/tiledir/channel"
	"github.com/dargueta/tiledir/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

// readAllBlocks reads every tile of a band with up to `jobs` readers at once
// and returns the number of tiles that couldn't be read.
func readAllBlocks(band *channel.Channel, index, jobs int) (int64, error) {
	tiles := band.TileLayer()
	var failures atomic.Int64

	var group errgroup.Group
	group.SetLimit(jobs)

	for row := 0; row < tiles.TilesPerColumn(); row++ {
		for col := 0; col < tiles.TilesPerRow(); col++ {
			group.Go(func() error {
				block := make([]byte, band.BlockSize())
				err := band.ReadBlock(col, row, block)
				if err == nil {
					return nil
				}
				// I/O failures mean the container itself is unusable.
				if errors.CodeOf(err) == errors.IOFailure {
					return err
				}

				failures.Add(1)
				logrus.WithFields(logrus.Fields{
					"layer":  index,
					"column": col,
					"row":    row,
				}).WithError(err).Warn("unreadable tile")
				return nil
			})
		}
	}

	err := group.Wait()
	return failures.Load(), err
}

func checkContainer(ctx *cli.Context) error {
	jobs := ctx.Int("jobs")
	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}

	return withContainer(ctx, func(c *container) error {
		stats, err := c.dir.Check()
		if err != nil {
			failColor.Printf("block accounting is inconsistent: %s\n", err.Error())
			return cli.Exit("", 1)
		}
		okColor.Printf(
			"%d layers, %d of %d blocks used, %d free\n",
			stats.Layers,
			stats.UsedBlocks,
			stats.TotalBlocks,
			stats.FreeBlocks,
		)

		var badTiles int64
		for i := 0; i < c.dir.LayerCount(); i++ {
			tiles, err := c.dir.TileLayer(i)
			if err != nil {
				continue
			}

			summary := layerSummary(i, tiles.Info())
			band, err := channel.New(tiles, c.dir.NeedsSwap())
			if err != nil {
				warnColor.Printf("%s: skipped, %s\n", summary, err.Error())
				continue
			}

			failed, err := readAllBlocks(band, i, jobs)
			band.Close()
			if err != nil {
				return err
			}

			if failed > 0 {
				failColor.Printf("%s: %d of %d tiles unreadable\n", summary, failed, tiles.TileCount())
			} else {
				okColor.Printf("%s: %d tiles OK\n", summary, tiles.TileCount())
			}
			badTiles += failed
		}

		if badTiles > 0 {
			return cli.Exit("", 1)
		}
		return nil
	})
}
