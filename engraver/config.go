package engraver

import (
	"math"
	"time"

	"github.com/mastercactapus/lasergrave/coord"
)

// Timeouts are per command class response budgets and settle delays.
type Timeouts struct {
	Connect time.Duration
	Fan     time.Duration
	Home    time.Duration
	Center  time.Duration
	Line    time.Duration

	// Command covers the quick fixed commands: reset, discrete mode, stop.
	Command time.Duration
	// Start covers the session start, during which the head travels to
	// the session origin.
	Start time.Duration

	// Move timeouts scale with distance: MoveMin, or the distance in
	// pixels times MoveNear (below MoveFarFrom) or MoveFar, whichever is
	// larger.
	MoveMin     time.Duration
	MoveNear    time.Duration
	MoveFar     time.Duration
	MoveFarFrom float64

	// MoveSettle is the pause after an acknowledged move; StartSettle the
	// pause after a session start.
	MoveSettle  time.Duration
	StartSettle time.Duration
}

// DefaultTimeouts returns the budgets the hardware is known to meet.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect: 100 * time.Millisecond,
		Fan:     100 * time.Millisecond,
		Home:    6000 * time.Millisecond,
		Center:  6000 * time.Millisecond,
		Line:    5000 * time.Millisecond,
		Command: 100 * time.Millisecond,
		Start:   6000 * time.Millisecond,

		MoveMin:     100 * time.Millisecond,
		MoveNear:    1 * time.Millisecond,
		MoveFar:     2 * time.Millisecond,
		MoveFarFrom: 100,

		MoveSettle:  100 * time.Millisecond,
		StartSettle: 500 * time.Millisecond,
	}
}

// MoveTimeout returns the response budget for a relative move.
func (t Timeouts) MoveTimeout(dx, dy int) time.Duration {
	dist := coord.Point{X: dx, Y: dy}.Length()
	per := t.MoveNear
	if dist >= t.MoveFarFrom {
		per = t.MoveFar
	}
	d := time.Duration(math.Round(dist * float64(per)))
	if d < t.MoveMin {
		return t.MoveMin
	}
	return d
}

// Bed describes the engraving surface.
type Bed struct {
	Width  int
	Height int

	// MMPerPixel converts pixels to millimeters for variants that
	// address the bed in real-world units.
	MMPerPixel float64
}

// DefaultBed is a 512x512 pixel bed at 0.075mm per pixel.
func DefaultBed() Bed {
	return Bed{Width: 512, Height: 512, MMPerPixel: 0.075}
}

// Rect returns the addressable area of the bed.
func (b Bed) Rect() coord.Rect {
	return coord.R(0, 0, b.Width, b.Height)
}

// Center returns the geometric center of the bed.
func (b Bed) Center() coord.Point {
	return b.Rect().Center()
}

// Options configure a Device.
type Options struct {
	Bed      Bed
	Timeouts Timeouts

	// ClampToBed re-targets moves that would leave the bed to the
	// closest point on it.
	ClampToBed bool
}

// DefaultOptions returns the default bed and timeouts with clamping off.
func DefaultOptions() Options {
	return Options{Bed: DefaultBed(), Timeouts: DefaultTimeouts()}
}
