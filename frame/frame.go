// Package frame encodes command frames for the engraver's binary protocol.
//
// Every function here is pure: no IO, no state.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Op is a protocol opcode; it is always the first byte of a frame.
type Op byte

const (
	OpMove        Op = 1
	OpFanOn       Op = 4
	OpFanOff      Op = 5
	OpReset       Op = 6
	OpEngraveLine Op = 9
	OpConnect     Op = 10
	OpStart       Op = 20
	OpStop        Op = 22
	OpHome        Op = 23
	OpCenter      Op = 26
	OpDiscreteOn  Op = 27
	OpDiscreteOff Op = 28
)

// Ack is the single byte the device answers with when a command was accepted.
const Ack byte = 0x09

// ErrRange is returned when an argument does not fit its wire field.
var ErrRange = errors.New("frame: argument out of range")

// Frame is one complete encoded command.
type Frame []byte

// Op returns the opcode of f, or 0 for an empty frame.
func (f Frame) Op() Op {
	if len(f) == 0 {
		return 0
	}
	return Op(f[0])
}

func (o Op) String() string {
	switch o {
	case OpMove:
		return "move"
	case OpFanOn:
		return "fan-on"
	case OpFanOff:
		return "fan-off"
	case OpReset:
		return "reset"
	case OpEngraveLine:
		return "engrave-line"
	case OpConnect:
		return "connect"
	case OpStart:
		return "start"
	case OpStop:
		return "stop"
	case OpHome:
		return "home"
	case OpCenter:
		return "center"
	case OpDiscreteOn:
		return "discrete-on"
	case OpDiscreteOff:
		return "discrete-off"
	}
	return fmt.Sprintf("op(%d)", byte(o))
}

// fixedArgs are the literal argument bytes every fixed command carries.
// Together with the opcode they read as a 4 byte frame: op 00 04 00.
var fixedArgs = []byte{0x00, 0x04, 0x00}

const (
	pointFrameLen = 7
	lineHeaderLen = 9
)

// EncodeFixed concatenates op and args. There is no length field.
func EncodeFixed(op Op, args ...byte) Frame {
	f := make(Frame, 0, 1+len(args))
	f = append(f, byte(op))
	return append(f, args...)
}

// Fixed returns the standard 4 byte frame for a fixed command
// (connect, home, center, fan, reset, discrete mode, stop).
func Fixed(op Op) Frame {
	return EncodeFixed(op, fixedArgs...)
}

// EncodeMove builds a relative move frame:
//
//	01 00 07 dxHi dxLo dyHi dyLo
//
// dx and dy must fit in a signed 16 bit integer.
func EncodeMove(dx, dy int) (Frame, error) {
	return encodePoint(OpMove, dx, dy)
}

// EncodeStart builds the engrave session start frame carrying the
// session origin.
func EncodeStart(x, y int) (Frame, error) {
	return encodePoint(OpStart, x, y)
}

func encodePoint(op Op, a, b int) (Frame, error) {
	if !fitsInt16(a) || !fitsInt16(b) {
		return nil, fmt.Errorf("%w: %s (%d,%d) exceeds int16", ErrRange, op, a, b)
	}
	f := make(Frame, pointFrameLen)
	f[0] = byte(op)
	binary.BigEndian.PutUint16(f[1:3], pointFrameLen)
	binary.BigEndian.PutUint16(f[3:5], uint16(int16(a)))
	binary.BigEndian.PutUint16(f[5:7], uint16(int16(b)))
	return f, nil
}

// DecodeMove returns the dx, dy arguments of a move (or start) frame.
func DecodeMove(f Frame) (dx, dy int, err error) {
	if len(f) != pointFrameLen {
		return 0, 0, fmt.Errorf("frame: expected %d bytes, got %d", pointFrameLen, len(f))
	}
	if n := binary.BigEndian.Uint16(f[1:3]); n != pointFrameLen {
		return 0, 0, fmt.Errorf("frame: length field %d, want %d", n, pointFrameLen)
	}
	dx = int(int16(binary.BigEndian.Uint16(f[3:5])))
	dy = int(int16(binary.BigEndian.Uint16(f[5:7])))
	return dx, dy, nil
}

// Len returns the value of the frame length field, if f has one.
func (f Frame) Len() (int, bool) {
	switch f.Op() {
	case OpMove, OpStart, OpEngraveLine:
		if len(f) < 3 {
			return 0, false
		}
		return int(binary.BigEndian.Uint16(f[1:3])), true
	}
	return 0, false
}

func fitsInt16(v int) bool {
	return v >= math.MinInt16 && v <= math.MaxInt16
}
