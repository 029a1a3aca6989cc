package frame

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Threshold is the first grayscale value that is NOT engraved.
// Samples below it are dark and burn; samples at or above it are skipped.
const Threshold = 0x80

// MaxDevicePower is the upper bound of the device power field.
const MaxDevicePower = 1000

// DeviceSpeed maps a speed percentage onto the device's dwell value.
// Smaller values burn faster. The mapping is not linear: below 25% each
// percent costs three steps.
func DeviceSpeed(speedPercent int) int {
	if speedPercent >= 25 {
		return int(math.Round(float64(51 - speedPercent)))
	}
	return int(math.Round(float64(29 + (24-speedPercent)*3)))
}

// DevicePower maps a power percentage onto the device's 0-1000 scale.
func DevicePower(powerPercent int) int {
	p := powerPercent * 10
	if p > MaxDevicePower {
		return MaxDevicePower
	}
	return p
}

// PackedLen is the number of bytes needed for n packed pixels.
func PackedLen(n int) int {
	return (n + 7) / 8
}

// EncodeEngraveLine builds one raster line frame:
//
//	09 lenHi lenLo speedHi speedLo powerHi powerLo lineHi lineLo bits...
//
// The length field counts the whole frame. Pixels are packed one bit each
// by PackLine. Rows longer than MaxLinePixels and speed or power outside
// their percent ranges return ErrRange.
func EncodeEngraveLine(lineNumber uint16, speedPercent, powerPercent int, pixels []uint8) (Frame, error) {
	if speedPercent < MinSpeedPercent || speedPercent > MaxSpeedPercent {
		return nil, fmt.Errorf("%w: speed %d not in %d..%d", ErrRange, speedPercent, MinSpeedPercent, MaxSpeedPercent)
	}
	if powerPercent < 0 || powerPercent > MaxPowerPercent {
		return nil, fmt.Errorf("%w: power %d not in 0..%d", ErrRange, powerPercent, MaxPowerPercent)
	}
	if len(pixels) > MaxLinePixels {
		return nil, fmt.Errorf("%w: %s of %d pixels exceeds %d", ErrRange, OpEngraveLine, len(pixels), MaxLinePixels)
	}

	n := PackedLen(len(pixels))
	total := lineHeaderLen + n

	f := make(Frame, lineHeaderLen, total)
	f[0] = byte(OpEngraveLine)
	binary.BigEndian.PutUint16(f[1:3], uint16(total))
	binary.BigEndian.PutUint16(f[3:5], uint16(DeviceSpeed(speedPercent)))
	binary.BigEndian.PutUint16(f[5:7], uint16(DevicePower(powerPercent)))
	binary.BigEndian.PutUint16(f[7:9], lineNumber)

	return append(f, PackLine(pixels)...), nil
}

// LinePayload returns the packed bitstream portion of an engrave-line frame.
func LinePayload(f Frame) []byte {
	if f.Op() != OpEngraveLine || len(f) < lineHeaderLen {
		return nil
	}
	return f[lineHeaderLen:]
}

// PackLine packs grayscale samples MSB-first, one bit per pixel: a dark
// sample (< Threshold) sets the bit. Each bit is shifted in from the right,
// so a trailing partial byte holds its pixels in the low-order bits.
func PackLine(pixels []uint8) []byte {
	out := make([]byte, 0, PackedLen(len(pixels)))

	var b byte
	for i, px := range pixels {
		b <<= 1
		if px < Threshold {
			b |= 1
		}
		if i%8 == 7 {
			out = append(out, b)
			b = 0
		}
	}
	if len(pixels)%8 != 0 {
		out = append(out, b)
	}

	return out
}

// UnpackLine reverses PackLine for width pixels. Dark pixels come back as
// 0x00 and skipped pixels as 0xFF.
func UnpackLine(packed []byte, width int) []uint8 {
	out := make([]uint8, width)
	for i := range out {
		if bitAt(packed, width, i) {
			out[i] = 0x00
		} else {
			out[i] = 0xFF
		}
	}
	return out
}

// LastDark scans a packed line of width pixels from the end and returns the
// index of the rightmost dark pixel, or -1 if the line is blank.
func LastDark(packed []byte, width int) int {
	for i := width - 1; i >= 0; i-- {
		if bitAt(packed, width, i) {
			return i
		}
	}
	return -1
}

// bitAt reports whether pixel i of a packed line is dark.
func bitAt(packed []byte, width, i int) bool {
	idx := i / 8
	if idx >= len(packed) {
		return false
	}

	// bits in this byte; only the trailing byte can be short
	bits := 8
	if rem := width % 8; rem != 0 && idx == width/8 {
		bits = rem
	}
	shift := uint(bits - 1 - i%8)
	return packed[idx]&(1<<shift) != 0
}

// Speed percentages the device accepts. Above MaxSpeedPercent the mapped
// dwell value would drop below one.
const (
	MinSpeedPercent = 1
	MaxSpeedPercent = 50
)

// MaxPowerPercent is full laser power.
const MaxPowerPercent = 100

// MaxLinePixels is the widest row whose frame length still fits the 16 bit
// length field.
const MaxLinePixels = (math.MaxUint16 - lineHeaderLen) * 8
