package directory

import (
	"bytes"
	"fmt"

	"github.com/dargueta/tiledir"
	"github.com/dargueta/tiledir/errors"
)

// Layout of the 512-byte header shared by both directory formats.
const (
	headerSize      = 512
	versionTag      = "VERSION"
	versionOffset   = 7
	versionDigits   = 3
	byteOrderOffset = 509
	validTagOffset  = 510

	currentVersion = 1
)

type commonHeader struct {
	Version   int
	ByteOrder tiledir.ByteOrder
	ValidTag  uint16
}

// parseCommonHeader validates the parts of the header both formats share.
func parseCommonHeader(raw []byte) (commonHeader, error) {
	if len(raw) < headerSize {
		return commonHeader{}, errors.Corruptedf(
			"directory header is %d bytes, expected %d", len(raw), headerSize)
	}
	if !bytes.Equal(raw[:versionOffset], []byte(versionTag)) {
		return commonHeader{}, errors.Corruptedf(
			"directory header doesn't start with %q", versionTag)
	}

	version, err := parseDecimal(raw[versionOffset : versionOffset+versionDigits])
	if err != nil {
		return commonHeader{}, errors.Corruptedf("bad directory version: %s", err.Error())
	}
	if version < 1 {
		return commonHeader{}, errors.Corruptedf("bad directory version %d", version)
	}
	if version > currentVersion {
		return commonHeader{}, errors.ErrUnsupportedVersion.WithMessage(
			fmt.Sprintf("directory version %d, only %d is supported", version, currentVersion))
	}

	order, err := tiledir.ParseByteOrder(raw[byteOrderOffset])
	if err != nil {
		return commonHeader{}, err
	}

	return commonHeader{
		Version:   int(version),
		ByteOrder: order,
		ValidTag:  order.Binary().Uint16(raw[validTagOffset:headerSize]),
	}, nil
}

// writeCommonHeader fills in the shared parts of a header being built.
func writeCommonHeader(raw []byte, order tiledir.ByteOrder, validTag uint16) {
	copy(raw, versionTag)
	formatDecimal(raw[versionOffset:versionOffset+versionDigits], currentVersion)
	// Version numbers are zero-padded, unlike every other number.
	for i := versionOffset; i < versionOffset+versionDigits && raw[i] == ' '; i++ {
		raw[i] = '0'
	}
	raw[byteOrderOffset] = byte(order)
	order.Binary().PutUint16(raw[validTagOffset:headerSize], validTag)
}
