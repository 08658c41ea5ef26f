package channel

import (
	"bytes"
	"math"
	"testing"

	"github.com/dargueta/tiledir/errors"
	tiledirtest "github.com/dargueta/tiledir/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rle8TestCase struct {
	Input          []byte
	ExpectedOutput []byte
	Name           string
}

func TestCompressRLE8__Basic(t *testing.T) {
	tests := []rle8TestCase{
		{[]byte{}, []byte{}, "empty"},
		{[]byte{4, 4}, []byte{4, 4, 0}, "run with two only"},
		{[]byte{0, 1, 2, 3, 4}, []byte{0, 1, 2, 3, 4}, "no runs"},
		{[]byte{6, 1, 3, 0, 0}, []byte{6, 1, 3, 0, 0, 0}, "two at end"},
		{[]byte{6, 1, 0, 0, 0}, []byte{6, 1, 0, 0, 1}, "three at end"},
		{[]byte{9, 5, 5, 5, 5, 5, 3, 7}, []byte{9, 5, 5, 3, 3, 7}, "short run"},
		{
			[]byte{9, 5, 5, 5, 5, 5, 5, 3, 3, 3, 3, 7, 2, 6},
			[]byte{9, 5, 5, 4, 3, 3, 2, 7, 2, 6},
			"adjacent runs",
		},
		{
			bytes.Repeat([]byte{5}, 1024),
			[]byte{5, 5, 255, 5, 5, 255, 5, 5, 255, 5, 5, 251},
			"single long run",
		},
		{bytes.Repeat([]byte{8}, 257), []byte{8, 8, 255}, "257"},
		{bytes.Repeat([]byte{8}, 258), []byte{8, 8, 255, 8}, "258"},
		{bytes.Repeat([]byte{8}, 259), []byte{8, 8, 255, 8, 8, 0}, "259"},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			output, ok := compressRLE8([]byte{}, test.Input, math.MaxInt)
			require.True(t, ok)
			assert.Equal(t, test.ExpectedOutput, output)

			decoded := make([]byte, len(test.Input))
			require.NoError(t, decompressRLE8(decoded, output))
			assert.Equal(t, test.Input, decoded)
		})
	}
}

func TestCompressRLE8__StopsAtLimit(t *testing.T) {
	// Every pair of bytes costs three, so this can only grow.
	input := []byte{1, 1, 2, 2, 3, 3, 4, 4, 5, 5, 6, 6}

	_, ok := compressRLE8(nil, input, len(input)-1)
	assert.False(t, ok)
}

func TestRLE8RoundTrip__CompletelyRandom(t *testing.T) {
	runRoundTripTestCase(t, tiledirtest.CreateRandomTile(1852, t))
}

func TestRLE8RoundTrip__EntirelyNulls(t *testing.T) {
	runRoundTripTestCase(t, make([]byte, 571))
}

func TestRLE8RoundTrip__EntirelyNonNullRun(t *testing.T) {
	runRoundTripTestCase(t, bytes.Repeat([]byte{182}, 934))
}

func TestRLE8Decompress__MissingRepeatCount(t *testing.T) {
	decoded := make([]byte, 16)
	err := decompressRLE8(decoded, []byte{9, 1, 4, 4})
	assert.ErrorIs(t, err, errors.ErrCorrupted)
}

func TestRLE8Decompress__WrongSize(t *testing.T) {
	encoded := []byte{7, 7, 10}

	err := decompressRLE8(make([]byte, 11), encoded)
	assert.ErrorIs(t, err, errors.ErrCorrupted, "decoding past the end of the tile")

	err = decompressRLE8(make([]byte, 13), encoded)
	assert.ErrorIs(t, err, errors.ErrCorrupted, "decoding less than a whole tile")
}

func TestSwapWords(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}

	swapWords(data, 4)
	assert.Equal(t, []byte{4, 3, 2, 1, 8, 7, 6, 5, 9}, data)

	swapWords(data, 1)
	assert.Equal(t, []byte{4, 3, 2, 1, 8, 7, 6, 5, 9}, data)
}

func runRoundTripTestCase(t *testing.T, originalData []byte) {
	compressed, ok := compressRLE8(nil, originalData, math.MaxInt)
	require.True(t, ok)

	decompressed := make([]byte, len(originalData))
	require.NoError(t, decompressRLE8(decompressed, compressed))

	assert.Equal(
		t,
		-1,
		tiledirtest.FirstDifference(originalData, decompressed),
		"decompressed data doesn't match the original",
	)
}
