package directory

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dargueta/tiledir/errors"
)

// digitValues maps ASCII digits to their values and every other byte to -1.
var digitValues [256]int8

func init() {
	for i := range digitValues {
		digitValues[i] = -1
	}
	for c := '0'; c <= '9'; c++ {
		digitValues[c] = int8(c - '0')
	}
}

// parseDecimal reads a signed decimal integer from a fixed-width field. The
// number may be padded with spaces on either side. Anything else in the
// field is corruption; a value too large for an int64 is reported as
// [errors.SizeLimitExceeded].
func parseDecimal(field []byte) (int64, error) {
	start := 0
	for start < len(field) && field[start] == ' ' {
		start++
	}
	end := len(field)
	for end > start && field[end-1] == ' ' {
		end--
	}

	digits := field[start:end]
	negative := false
	if len(digits) > 0 && digits[0] == '-' {
		negative = true
		digits = digits[1:]
	}
	if len(digits) == 0 {
		return 0, errors.Corruptedf("expected a number, got %q", string(field))
	}

	var value int64
	for _, c := range digits {
		digit := int64(digitValues[c])
		if digit < 0 {
			return 0, errors.Corruptedf("expected a number, got %q", string(field))
		}
		if value > (math.MaxInt64-digit)/10 {
			return 0, errors.ErrSizeLimitExceeded.WithMessage(
				fmt.Sprintf("number %q is too large", string(field)))
		}
		value = value*10 + digit
	}

	if negative {
		return -value, nil
	}
	return value, nil
}

// parseCount reads a field that must hold a non-negative number no greater
// than `limit`.
func parseCount(field []byte, limit uint64) (uint64, error) {
	value, err := parseDecimal(field)
	if err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, errors.Corruptedf("expected a non-negative number, got %d", value)
	}
	if uint64(value) > limit {
		return 0, errors.ErrSizeLimitExceeded.WithMessage(
			fmt.Sprintf("%d is larger than the maximum of %d", value, limit))
	}
	return uint64(value), nil
}

// parseIndex reads a field holding either a non-negative number or -1. -1 is
// returned as `none`.
func parseIndex(field []byte, none uint64) (uint64, error) {
	value, err := parseDecimal(field)
	if err != nil {
		return 0, err
	}
	if value == -1 {
		return none, nil
	}
	if value < 0 {
		return 0, errors.Corruptedf("expected an index or -1, got %d", value)
	}
	return uint64(value), nil
}

// formatDecimal writes `value` right-aligned into `field`, padding with
// spaces. It fails if the number doesn't fit.
func formatDecimal(field []byte, value int64) error {
	var scratch [24]byte
	digits := strconv.AppendInt(scratch[:0], value, 10)
	if len(digits) > len(field) {
		return errors.ErrSizeLimitExceeded.WithMessage(
			fmt.Sprintf("%d doesn't fit in %d digits", value, len(field)))
	}

	padding := len(field) - len(digits)
	for i := 0; i < padding; i++ {
		field[i] = ' '
	}
	copy(field[padding:], digits)
	return nil
}

// formatIndex is the inverse of parseIndex.
func formatIndex(field []byte, value uint64, none uint64) error {
	if value == none {
		return formatDecimal(field, -1)
	}
	if value > math.MaxInt64 {
		return errors.ErrSizeLimitExceeded.WithMessage(
			fmt.Sprintf("%d doesn't fit in %d digits", value, len(field)))
	}
	return formatDecimal(field, int64(value))
}

// formatFloat writes `value` right-aligned into `field` using as much
// precision as fits. Only text that parses back to a finite value (or the
// same non-finite one) is written. Values that are exactly a float32 prefer
// their shortest float32 form, which converts back to the same float32.
func formatFloat(field []byte, value float64) error {
	candidates := []string{strconv.FormatFloat(value, 'g', -1, 64)}
	if float64(float32(value)) == value {
		candidates = append(candidates, strconv.FormatFloat(value, 'g', -1, 32))
	}

	for _, text := range candidates {
		if len(text) <= len(field) && readsBackAsFloat(text) {
			return writeRightAligned(field, text)
		}
	}

	// Rounding can carry past the largest float64, so each precision also
	// has a variant with the mantissa cut toward zero.
	for precision := 16; precision > 0; precision-- {
		rounded := strconv.FormatFloat(value, 'g', precision, 64)
		if len(rounded) <= len(field) && readsBackAsFloat(rounded) {
			return writeRightAligned(field, rounded)
		}
		truncated := truncateMantissa(value, precision)
		if len(truncated) <= len(field) && readsBackAsFloat(truncated) {
			return writeRightAligned(field, truncated)
		}
	}

	return errors.ErrSizeLimitExceeded.WithMessage(
		fmt.Sprintf("%g doesn't fit in %d characters", value, len(field)))
}

func readsBackAsFloat(text string) bool {
	_, err := strconv.ParseFloat(text, 64)
	return err == nil
}

// truncateMantissa formats `value` in exponent form with `digits`
// significant digits, dropping the rest instead of rounding.
func truncateMantissa(value float64, digits int) string {
	exact := strconv.FormatFloat(value, 'e', -1, 64)
	mantissa, exponent, found := strings.Cut(exact, "e")
	if !found {
		// NaN and infinities have no exponent.
		return exact
	}

	sign := ""
	if strings.HasPrefix(mantissa, "-") {
		sign = "-"
		mantissa = mantissa[1:]
	}
	significant := strings.Replace(mantissa, ".", "", 1)
	if len(significant) > digits {
		significant = significant[:digits]
	}
	significant = strings.TrimRight(significant, "0")
	if significant == "" {
		significant = "0"
	}

	text := sign + significant[:1]
	if len(significant) > 1 {
		text += "." + significant[1:]
	}
	return text + "e" + exponent
}

func writeRightAligned(field []byte, text string) error {
	padding := len(field) - len(text)
	for i := 0; i < padding; i++ {
		field[i] = ' '
	}
	copy(field[padding:], text)
	return nil
}

func parseFloat(field []byte) (float64, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(string(field)), 64)
	if err != nil {
		return 0, errors.ErrCorrupted.Wrap(err)
	}
	return value, nil
}

// formatText writes `text` left-aligned into `field`, padded with spaces.
func formatText(field []byte, text string) error {
	if len(text) > len(field) {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("%q is longer than %d characters", text, len(field)))
	}
	copy(field, text)
	for i := len(text); i < len(field); i++ {
		field[i] = ' '
	}
	return nil
}

// parseText reads a space- or NUL-padded text field.
func parseText(field []byte) string {
	return strings.TrimRight(string(field), " \x00")
}
