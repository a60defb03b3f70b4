package model

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strconv"
)

// Normalize converts decoded wire values to the canonical Go types used in
// snapshots: int64, float64, bool, string and []byte. Unsigned values that do
// not fit int64 stay uint64. Blobs are copied.
func Normalize(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return normalizeUnsigned(uint64(x))
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return normalizeUnsigned(x)
	case float32:
		return float64(x)
	case []byte:
		return slices.Clone(x)
	default:
		return v
	}
}

func normalizeUnsigned(u uint64) any {
	if u > math.MaxInt64 {
		return u
	}
	return int64(u)
}

// Equal reports whether two property values are the same after normalization.
func Equal(a, b any) bool {
	a, b = Normalize(a), Normalize(b)
	ab, aIsBytes := a.([]byte)
	bb, bIsBytes := b.([]byte)
	if aIsBytes || bIsBytes {
		return aIsBytes && bIsBytes && bytes.Equal(ab, bb)
	}
	return reflect.DeepEqual(a, b)
}

// ParseValue converts command-line text into a property value: integers,
// floats and booleans are recognised, "0x"-prefixed hex with an even number of
// digits becomes a blob, anything else stays a string.
func ParseValue(s string) any {
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") && len(s)%2 == 0 {
		if b, err := parseHex(s[2:]); err == nil {
			return b
		}
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

// FormatValue renders a property value for display. Blobs print as hex.
func FormatValue(v any) string {
	if b, ok := v.([]byte); ok {
		return fmt.Sprintf("0x%x", b)
	}
	return fmt.Sprint(v)
}

func parseHex(s string) ([]byte, error) {
	out := make([]byte, len(s)/2)
	for i := range out {
		n, err := strconv.ParseUint(s[2*i:2*i+2], 16, 8)
		if err != nil {
			return nil, err
		}
		out[i] = byte(n)
	}
	return out, nil
}
