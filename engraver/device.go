// Package engraver defines the contract every engraver variant implements.
package engraver

import (
	"github.com/mastercactapus/lasergrave/coord"
	"github.com/mastercactapus/lasergrave/transport"
)

// A Device is one engraver variant. A Device serves a single connection
// at a time and runs one operation at a time; an operation started while
// another is running fails with exchange.ErrBusy.
//
// Every operation returns nil on success. Timeouts are reported as errors
// for which IsTimeout is true.
type Device interface {
	// Name identifies the variant.
	Name() string

	// NeedsTransport reports whether Connect requires a non-nil Opener.
	NeedsTransport() bool

	Connect(open transport.Opener) error
	Disconnect() error

	SetFan(on bool) error
	Home() error
	Center() error

	// MoveRelative moves the head by (dx, dy) pixels. Position is updated
	// before the device confirms the move and is not rolled back on
	// failure: it reflects the last attempted move.
	MoveRelative(dx, dy int) error
	MoveAbsolute(x, y int) error

	StartEngraving(box coord.Rect, speed, power int) error

	// EngraveLine sends one raster row: one grayscale byte per pixel,
	// samples below 0x80 burn. line is zero-based within the session.
	EngraveLine(pixels []byte, line int) error
	StopEngraving() error

	Status() Status
}

// Status is a snapshot of a Device's observable state.
type Status struct {
	Device   string      `json:"device"`
	State    State       `json:"state"`
	Position coord.Point `json:"position"`
	FanOn    bool        `json:"fanOn"`
	Session  *Session    `json:"session,omitempty"`
}

// Session is the state of an active engrave session.
type Session struct {
	Origin coord.Point `json:"origin"`
	Speed  int         `json:"speed"`
	Power  int         `json:"power"`
}
