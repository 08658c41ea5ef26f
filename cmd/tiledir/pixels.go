package main

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/dargueta/tiledir"
	"github.com/dargueta/tiledir/errors"
)

type integerRange struct {
	low  float64
	high float64
}

var integerRanges = map[tiledir.DataType]integerRange{
	tiledir.DataType8U:   {0, math.MaxUint8},
	tiledir.DataType8S:   {math.MinInt8, math.MaxInt8},
	tiledir.DataType16U:  {0, math.MaxUint16},
	tiledir.DataType16S:  {math.MinInt16, math.MaxInt16},
	tiledir.DataType32U:  {0, math.MaxUint32},
	tiledir.DataType32S:  {math.MinInt32, math.MaxInt32},
	tiledir.DataType64U:  {0, math.MaxUint64},
	tiledir.DataType64S:  {math.MinInt64, math.MaxInt64},
	tiledir.DataTypeC16U: {0, math.MaxUint16},
	tiledir.DataTypeC16S: {math.MinInt16, math.MaxInt16},
	tiledir.DataTypeC32U: {0, math.MaxUint32},
	tiledir.DataTypeC32S: {math.MinInt32, math.MaxInt32},
}

// encodePixel returns the bytes of one pixel of the given type holding
// `value`, in host byte order. Complex pixels get `value` as their real part
// and 0 as their imaginary part.
func encodePixel(dataType tiledir.DataType, value float64) ([]byte, error) {
	if !dataType.IsValid() {
		return nil, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("invalid data type %s", dataType.String()))
	}

	if limits, ok := integerRanges[dataType]; ok {
		if value != math.Trunc(value) || value < limits.low || value > limits.high {
			return nil, errors.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("%v can't be stored in a %s pixel", value, dataType.String()))
		}
	}

	pixel := make([]byte, dataType.Size())
	order := binary.NativeEndian

	switch dataType {
	case tiledir.DataType8U:
		pixel[0] = uint8(value)
	case tiledir.DataType8S:
		pixel[0] = byte(int8(value))
	case tiledir.DataType16U, tiledir.DataTypeC16U:
		order.PutUint16(pixel, uint16(value))
	case tiledir.DataType16S, tiledir.DataTypeC16S:
		order.PutUint16(pixel, uint16(int16(value)))
	case tiledir.DataType32U, tiledir.DataTypeC32U:
		order.PutUint32(pixel, uint32(value))
	case tiledir.DataType32S, tiledir.DataTypeC32S:
		order.PutUint32(pixel, uint32(int32(value)))
	case tiledir.DataType32R, tiledir.DataTypeC32R:
		order.PutUint32(pixel, math.Float32bits(float32(value)))
	case tiledir.DataType64U:
		order.PutUint64(pixel, uint64(value))
	case tiledir.DataType64S:
		order.PutUint64(pixel, uint64(int64(value)))
	case tiledir.DataType64R:
		order.PutUint64(pixel, math.Float64bits(value))
	}
	return pixel, nil
}
