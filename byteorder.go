package tiledir

import (
	"encoding/binary"
	"fmt"

	"github.com/dargueta/tiledir/errors"
)

// ByteOrder is the persisted byte order tag of a directory.
type ByteOrder byte

const (
	BigEndian    ByteOrder = 'B'
	LittleEndian ByteOrder = 'L'
)

var hostByteOrder ByteOrder

func init() {
	probe := [2]byte{}
	binary.NativeEndian.PutUint16(probe[:], 1)
	if probe[0] == 1 {
		hostByteOrder = LittleEndian
	} else {
		hostByteOrder = BigEndian
	}
}

// HostByteOrder returns the native byte order of the machine we're running on.
func HostByteOrder() ByteOrder {
	return hostByteOrder
}

// ParseByteOrder validates a byte order tag read from disk.
func ParseByteOrder(tag byte) (ByteOrder, error) {
	switch ByteOrder(tag) {
	case BigEndian, LittleEndian:
		return ByteOrder(tag), nil
	}
	return 0, errors.Corruptedf("invalid byte order tag %#02x", tag)
}

// Binary returns the encoding/binary implementation for this byte order.
func (order ByteOrder) Binary() binary.ByteOrder {
	if order == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// NeedsSwap reports whether values in this byte order must be swapped to be
// used on this machine.
func (order ByteOrder) NeedsSwap() bool {
	return order != hostByteOrder
}

func (order ByteOrder) String() string {
	switch order {
	case BigEndian:
		return "big-endian"
	case LittleEndian:
		return "little-endian"
	}
	return fmt.Sprintf("ByteOrder(%#02x)", byte(order))
}
