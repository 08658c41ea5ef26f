// Package testing contains fixtures shared by the tests of the other
// packages. Import it under another name, such as tiledirtest, to avoid
// clashing with the standard library.
package testing

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// CreateRandomTile returns `size` random bytes. It is guaranteed to either
// return a valid slice or fail the test and abort.
func CreateRandomTile(size int, t *testing.T) []byte {
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoErrorf(t, err, "failed to initialize %d random bytes", size)

	// Random data that happens to be uniform would take the sparse path and
	// confuse tests that expect real storage.
	if size > 1 && bytes.Count(data, data[:1]) == size {
		data[size-1] ^= 0xff
	}
	return data
}

// CreateUniformTile returns `size` bytes made of `pattern` repeated. `size`
// doesn't need to be a multiple of the pattern length.
func CreateUniformTile(size int, pattern ...byte) []byte {
	data := bytes.Repeat(pattern, size/len(pattern)+1)
	return data[:size]
}

// FirstDifference returns the index of the first byte where `left` and
// `right` differ, or -1 if they're identical.
func FirstDifference(left, right []byte) int {
	if len(left) > len(right) {
		return len(right)
	} else if len(right) > len(left) {
		return len(left)
	}

	for i := 0; i < len(left); i++ {
		if left[i] != right[i] {
			return i
		}
	}
	return -1
}
