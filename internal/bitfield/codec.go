package bitfield

import (
	"errors"
	"fmt"
)

const (
	// DefaultBitsPerZone is the width used when a layout does not specify one
	DefaultBitsPerZone = 8

	// MaxBitsPerZone is the widest sub-value a zone can hold
	MaxBitsPerZone = 64
)

var (
	// ErrZoneOutOfRange is returned by setters for a zone index outside [1, ZoneCount]
	ErrZoneOutOfRange = errors.New("zone index out of range")

	// ErrInvalidRange is returned when a bounded clamp range has Min > Max
	ErrInvalidRange = errors.New("invalid clamp range")
)

// Range bounds a zone value. Min and Max apply only when Bounded is set; the
// zero Range is unbounded. Setters never store more than the zone width can
// hold either way.
type Range struct {
	Min     uint64
	Max     uint64
	Bounded bool
}

// Between returns the bounded range [lo, hi].
func Between(lo, hi uint64) Range {
	return Range{Min: lo, Max: hi, Bounded: true}
}

// Clamp limits v to [Min, Max] when r is bounded.
func (r Range) Clamp(v uint64) uint64 {
	if !r.Bounded {
		return v
	}
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	return v
}

// ValueLayout describes a value-type zone field.
type ValueLayout struct {
	ZoneCount   int
	BitsPerZone int
}

// FlagLayout describes a flag-type zone field (one bit per zone).
type FlagLayout struct {
	ZoneCount int
}

// Bits returns the effective zone width.
func (l ValueLayout) Bits() int {
	return normalizeBits(l.BitsPerZone)
}

// Size returns the encoded length in bytes.
func (l ValueLayout) Size() int {
	return byteLen(l.ZoneCount * l.Bits())
}

// Max returns the largest value a zone can hold.
func (l ValueLayout) Max() uint64 {
	return mask(l.Bits())
}

// Decode unpacks data into a map of all zones in the layout.
func (l ValueLayout) Decode(data []byte) map[int]uint64 {
	return DecodeValueField(data, l.ZoneCount, l.BitsPerZone)
}

// Encode packs values into a byte sequence of Size() bytes.
func (l ValueLayout) Encode(values map[int]uint64) []byte {
	return EncodeValueField(values, l.ZoneCount, l.BitsPerZone)
}

// Zone reads a single zone from packed data. Out-of-range zones read as 0.
func (l ValueLayout) Zone(data []byte, zone int) uint64 {
	if zone < 1 || zone > l.ZoneCount {
		return 0
	}
	bits := l.Bits()
	return readBits(data, (zone-1)*bits, bits)
}

// SetZone returns a copy of data with one zone replaced. The copy is at least
// Size() bytes long; bytes beyond the layout are preserved.
func (l ValueLayout) SetZone(data []byte, zone int, value uint64, r Range) ([]byte, error) {
	if err := l.check(zone, r); err != nil {
		return nil, err
	}
	out := make([]byte, max(len(data), l.Size()))
	copy(out, data)
	bits := l.Bits()
	writeBits(out, (zone-1)*bits, bits, l.clamp(value, r))
	return out, nil
}

// clamp applies r and then saturates at the zone width, so an oversized
// value or range never wraps into a small one.
func (l ValueLayout) clamp(value uint64, r Range) uint64 {
	return min(r.Clamp(value), l.Max())
}

func (l ValueLayout) check(zone int, r Range) error {
	if zone < 1 || zone > l.ZoneCount {
		return fmt.Errorf("%w: zone %d, layout has %d zones", ErrZoneOutOfRange, zone, l.ZoneCount)
	}
	if r.Bounded && r.Min > r.Max {
		return fmt.Errorf("%w: min %d > max %d", ErrInvalidRange, r.Min, r.Max)
	}
	return nil
}

// Size returns the encoded length in bytes.
func (l FlagLayout) Size() int {
	return byteLen(l.ZoneCount)
}

// Decode unpacks data into a map of all zones in the layout.
func (l FlagLayout) Decode(data []byte) map[int]bool {
	return DecodeFlagField(data, l.ZoneCount)
}

// Encode packs flags into a byte sequence of Size() bytes.
func (l FlagLayout) Encode(flags map[int]bool) []byte {
	out := make([]byte, l.Size())
	for zone, on := range flags {
		if on && zone >= 1 && zone <= l.ZoneCount {
			writeBits(out, zone-1, 1, 1)
		}
	}
	return out
}

// Zone reads a single flag. Out-of-range zones read as false.
func (l FlagLayout) Zone(data []byte, zone int) bool {
	if zone < 1 || zone > l.ZoneCount {
		return false
	}
	return readBits(data, zone-1, 1) == 1
}

// SetZone returns a copy of data with one flag replaced.
func (l FlagLayout) SetZone(data []byte, zone int, on bool) ([]byte, error) {
	if zone < 1 || zone > l.ZoneCount {
		return nil, fmt.Errorf("%w: zone %d, layout has %d zones", ErrZoneOutOfRange, zone, l.ZoneCount)
	}
	out := make([]byte, max(len(data), l.Size()))
	copy(out, data)
	var bit uint64
	if on {
		bit = 1
	}
	writeBits(out, zone-1, 1, bit)
	return out, nil
}

// DecodeValueField unpacks zoneCount zones of bitsPerZone bits each.
// A zoneCount <= 0 decodes as many whole zones as data holds.
func DecodeValueField(data []byte, zoneCount, bitsPerZone int) map[int]uint64 {
	bits := normalizeBits(bitsPerZone)
	if zoneCount <= 0 {
		zoneCount = len(data) * 8 / bits
	}
	out := make(map[int]uint64, zoneCount)
	for zone := 1; zone <= zoneCount; zone++ {
		out[zone] = readBits(data, (zone-1)*bits, bits)
	}
	return out
}

// EncodeValueField packs values into ceil(zoneCount*bitsPerZone/8) bytes.
// Values are masked to the zone width. Zones outside [1, zoneCount] are ignored.
// A zoneCount <= 0 uses the highest zone present in values.
func EncodeValueField(values map[int]uint64, zoneCount, bitsPerZone int) []byte {
	bits := normalizeBits(bitsPerZone)
	if zoneCount <= 0 {
		zoneCount = highestZone(values)
	}
	out := make([]byte, byteLen(zoneCount*bits))
	for zone, v := range values {
		if zone < 1 || zone > zoneCount {
			continue
		}
		writeBits(out, (zone-1)*bits, bits, v&mask(bits))
	}
	return out
}

// DecodeFlagField unpacks one flag per zone. A zoneCount <= 0 decodes every bit
// present in data.
func DecodeFlagField(data []byte, zoneCount int) map[int]bool {
	if zoneCount <= 0 {
		zoneCount = len(data) * 8
	}
	out := make(map[int]bool, zoneCount)
	for zone := 1; zone <= zoneCount; zone++ {
		out[zone] = readBits(data, zone-1, 1) == 1
	}
	return out
}

// EncodeFlagField packs flags into the minimal number of bytes covering the
// highest mentioned zone. Zones not mentioned are false.
func EncodeFlagField(flags map[int]bool) []byte {
	return FlagLayout{ZoneCount: highestZone(flags)}.Encode(flags)
}

// GetZoneValue returns the value of zone in m, 0 when absent.
func GetZoneValue(m map[int]uint64, zone int) uint64 {
	return m[zone]
}

// SetZoneValue returns a copy of m with zone set to value, clamped to r and
// to the largest value the layout width holds. m is not modified.
func SetZoneValue(m map[int]uint64, l ValueLayout, zone int, value uint64, r Range) (map[int]uint64, error) {
	if err := l.check(zone, r); err != nil {
		return nil, err
	}
	out := make(map[int]uint64, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[zone] = l.clamp(value, r)
	return out, nil
}

// GetZoneFlag returns the flag of zone in m, false when absent.
func GetZoneFlag(m map[int]bool, zone int) bool {
	return m[zone]
}

// SetZoneFlag returns a copy of m with zone set to on. m is not modified.
func SetZoneFlag(m map[int]bool, l FlagLayout, zone int, on bool) (map[int]bool, error) {
	if zone < 1 || zone > l.ZoneCount {
		return nil, fmt.Errorf("%w: zone %d, layout has %d zones", ErrZoneOutOfRange, zone, l.ZoneCount)
	}
	out := make(map[int]bool, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[zone] = on
	return out, nil
}

// readBits reads width bits starting at bit offset, LSB first. Bits past the
// end of data read as zero.
func readBits(data []byte, offset, width int) uint64 {
	var v uint64
	for i := 0; i < width; i++ {
		bit := offset + i
		idx := bit / 8
		if idx >= len(data) {
			break
		}
		if data[idx]&(1<<(bit%8)) != 0 {
			v |= 1 << i
		}
	}
	return v
}

// writeBits writes the low width bits of v at bit offset. data must be long enough.
func writeBits(data []byte, offset, width int, v uint64) {
	for i := 0; i < width; i++ {
		bit := offset + i
		idx := bit / 8
		if v&(1<<i) != 0 {
			data[idx] |= 1 << (bit % 8)
		} else {
			data[idx] &^= 1 << (bit % 8)
		}
	}
}

func normalizeBits(bits int) int {
	if bits <= 0 {
		return DefaultBitsPerZone
	}
	if bits > MaxBitsPerZone {
		return MaxBitsPerZone
	}
	return bits
}

func mask(bits int) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << bits) - 1
}

func byteLen(bits int) int {
	if bits <= 0 {
		return 0
	}
	return (bits + 7) / 8
}

func highestZone[V any](m map[int]V) int {
	highest := 0
	for zone := range m {
		if zone > highest {
			highest = zone
		}
	}
	return highest
}
