// Package bitfield packs and unpacks per-zone sub-values carried inside a single
// device property.
//
// Multi-zone appliances expose several independent values (one power level per
// cooking zone, one "pan detected" flag per zone) through one packed property.
// This package converts between those byte sequences and plain maps keyed by
// 1-based zone index.
//
// # Value Fields
//
// A value field stores BitsPerZone bits per zone, packed least-significant bit
// first. Zone z occupies bits [(z-1)*bits, z*bits) of the sequence:
//
//	bits=8:  byte 0 = zone 1, byte 1 = zone 2, ...
//	bits=16: bytes 0-1 = zone 1 (little-endian), bytes 2-3 = zone 2, ...
//	bits=4:  low nibble of byte 0 = zone 1, high nibble = zone 2, ...
//
// # Flag Fields
//
// A flag field stores one bit per zone: zone z is bit (z-1)%8 of byte (z-1)/8.
//
// # Robustness
//
// Decoding never fails. Missing or short input decodes the absent zones to 0 or
// false. Setters are pure and return updated copies of the input.
package bitfield
