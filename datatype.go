package tiledir

import (
	"strings"

	"github.com/dargueta/tiledir/errors"
)

// DataType is the pixel type stored in a tile layer.
type DataType uint8

const (
	DataTypeUnknown DataType = iota
	DataType8U
	DataType8S
	DataType16U
	DataType16S
	DataType32U
	DataType32S
	DataType32R
	DataType64U
	DataType64S
	DataType64R
	DataTypeC16U
	DataTypeC16S
	DataTypeC32U
	DataTypeC32S
	DataTypeC32R
)

var dataTypeNames = [...]string{
	DataTypeUnknown: "",
	DataType8U:      "8U",
	DataType8S:      "8S",
	DataType16U:     "16U",
	DataType16S:     "16S",
	DataType32U:     "32U",
	DataType32S:     "32S",
	DataType32R:     "32R",
	DataType64U:     "64U",
	DataType64S:     "64S",
	DataType64R:     "64R",
	DataTypeC16U:    "C16U",
	DataTypeC16S:    "C16S",
	DataTypeC32U:    "C32U",
	DataTypeC32S:    "C32S",
	DataTypeC32R:    "C32R",
}

var dataTypeSizes = [...]uint32{
	DataTypeUnknown: 0,
	DataType8U:      1,
	DataType8S:      1,
	DataType16U:     2,
	DataType16S:     2,
	DataType32U:     4,
	DataType32S:     4,
	DataType32R:     4,
	DataType64U:     8,
	DataType64S:     8,
	DataType64R:     8,
	DataTypeC16U:    4,
	DataTypeC16S:    4,
	DataTypeC32U:    8,
	DataTypeC32S:    8,
	DataTypeC32R:    8,
}

// ParseDataType converts a data type tag such as "16S" to a DataType. Leading
// and trailing spaces are ignored, since tags are space-padded on disk.
func ParseDataType(tag string) (DataType, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(tag))
	for i, name := range dataTypeNames {
		if i != int(DataTypeUnknown) && name == trimmed {
			return DataType(i), nil
		}
	}
	return DataTypeUnknown, errors.ErrInvalidArgument.WithMessage(
		"unrecognized data type: " + tag)
}

func (t DataType) String() string {
	if int(t) >= len(dataTypeNames) {
		return "?"
	}
	return dataTypeNames[t]
}

// IsValid reports whether the data type is one of the known types.
func (t DataType) IsValid() bool {
	return t != DataTypeUnknown && int(t) < len(dataTypeNames)
}

// Size returns the size of one pixel, in bytes.
func (t DataType) Size() uint32 {
	if int(t) >= len(dataTypeSizes) {
		return 0
	}
	return dataTypeSizes[t]
}

// IsComplex reports whether each pixel is a (real, imaginary) pair.
func (t DataType) IsComplex() bool {
	return t >= DataTypeC16U && t <= DataTypeC32R
}

// SwapSize is the size of the unit that must be byte-swapped when converting
// between byte orders. For complex types this is the size of one component.
func (t DataType) SwapSize() uint32 {
	if t.IsComplex() {
		return t.Size() / 2
	}
	return t.Size()
}
