package channel

import (
	"fmt"

	"github.com/dargueta/tiledir/errors"
)

// maxRLE8Group is the longest run a single group can encode: the two literal
// bytes plus a repeat count of 255.
const maxRLE8Group = 257

// byteRun is a single run of a particular byte value.
type byteRun struct {
	value byte
	// length is the number of times the byte occurs in the run, not the
	// number of times it's repeated. It's always at least 1.
	length int
}

// runGrouper splits a byte slice into runs of identical bytes.
type runGrouper struct {
	data []byte
	pos  int
}

// nextRun returns the next run in the data, and false once the data is
// exhausted.
func (g *runGrouper) nextRun() (byteRun, bool) {
	if g.pos >= len(g.data) {
		return byteRun{}, false
	}

	first := g.data[g.pos]
	end := g.pos + 1
	for end < len(g.data) && g.data[end] == first {
		end++
	}

	run := byteRun{value: first, length: end - g.pos}
	g.pos = end
	return run, true
}

// compressRLE8 appends the RLE8 encoding of `input` to `output`. A run of two
// or more bytes B is written as B, B, count-2; anything else is copied as is.
// If the output would grow past `limit` bytes, compression stops and the
// second return value is false.
func compressRLE8(output, input []byte, limit int) ([]byte, bool) {
	grouper := runGrouper{data: input}
	for {
		run, ok := grouper.nextRun()
		if !ok {
			return output, true
		}

		for run.length >= 2 {
			repeatCount := min(run.length, maxRLE8Group) - 2
			output = append(output, run.value, run.value, byte(repeatCount))
			run.length -= repeatCount + 2
		}
		if run.length == 1 {
			output = append(output, run.value)
		}

		if len(output) > limit {
			return output, false
		}
	}
}

// decompressRLE8 decodes `input` into `output`, which must be exactly the
// size of the decoded data.
func decompressRLE8(output, input []byte) error {
	written := 0
	lastByte := -1

	for i := 0; i < len(input); i++ {
		current := input[i]

		count := 1
		if int(current) == lastByte {
			// Two identical bytes in a row, the next byte is a repeat count.
			// The first of the pair has already been written.
			if i+1 >= len(input) {
				return errors.Corruptedf(
					"RLE8 data ends without a repeat count after two %#02x bytes",
					current,
				)
			}
			i++
			count = int(input[i]) + 1

			// Without this, runs of 258+ bytes would gain extra bytes.
			lastByte = -1
		} else {
			lastByte = int(current)
		}

		if written+count > len(output) {
			return errors.ErrCorrupted.WithMessage(
				fmt.Sprintf("RLE8 data decodes to more than %d bytes", len(output)))
		}
		for j := 0; j < count; j++ {
			output[written+j] = current
		}
		written += count
	}

	if written != len(output) {
		return errors.Corruptedf(
			"RLE8 data decodes to %d bytes, expected %d", written, len(output))
	}
	return nil
}
