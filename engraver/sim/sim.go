// Package sim is an engraver that is not there. Every operation is logged
// and takes a fixed delay, and the engrave session rules are enforced
// exactly as the hardware does, so callers behave the same under test.
package sim

import (
	"log"
	"sync"
	"time"

	"github.com/mastercactapus/lasergrave/coord"
	"github.com/mastercactapus/lasergrave/engraver"
	"github.com/mastercactapus/lasergrave/exchange"
	"github.com/mastercactapus/lasergrave/frame"
	"github.com/mastercactapus/lasergrave/transport"
)

// Logf is used for the operation log. Replace it to capture or mute output.
var Logf = log.Printf

// DefaultDelay is how long each simulated operation takes.
const DefaultDelay = 50 * time.Millisecond

type Device struct {
	opts  engraver.Options
	delay time.Duration

	op sync.Mutex

	mx      sync.Mutex
	state   engraver.State
	pos     coord.Point
	fan     bool
	session *engraver.Session
	lines   int
}

var _ engraver.Device = &Device{}

// New returns a simulator that spends delay on every operation.
func New(opts engraver.Options, delay time.Duration) *Device {
	return &Device{opts: opts, delay: delay}
}

func (d *Device) Name() string         { return "simulator" }
func (d *Device) NeedsTransport() bool { return false }

func (d *Device) Status() engraver.Status {
	d.mx.Lock()
	defer d.mx.Unlock()
	st := engraver.Status{Device: d.Name(), State: d.state, Position: d.pos, FanOn: d.fan}
	if d.session != nil {
		s := *d.session
		st.Session = &s
	}
	return st
}

// Lines returns how many lines were engraved in total.
func (d *Device) Lines() int {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.lines
}

// pause logs one operation and spends the delay on it.
func (d *Device) pause(format string, v ...interface{}) {
	Logf("sim: "+format, v...)
	time.Sleep(d.delay)
}

// do runs fn as one operation in state s. fn runs after the delay and
// with the state lock held.
func (d *Device) do(name string, s engraver.State, allowInSession bool, fn func() error) error {
	if !d.op.TryLock() {
		return exchange.ErrBusy
	}
	defer d.op.Unlock()

	d.mx.Lock()
	if !d.state.Connected() {
		d.mx.Unlock()
		return engraver.ErrNotConnected
	}
	if d.session != nil && !allowInSession {
		d.mx.Unlock()
		return engraver.ErrSessionActive
	}
	prev := d.state
	d.state = s
	d.mx.Unlock()

	d.pause("%s", name)

	d.mx.Lock()
	defer d.mx.Unlock()
	d.state = prev
	return fn()
}

// Connect ignores open; the simulator needs no transport.
func (d *Device) Connect(open transport.Opener) error {
	if !d.op.TryLock() {
		return exchange.ErrBusy
	}
	defer d.op.Unlock()

	d.pause("connect")

	d.mx.Lock()
	d.state = engraver.Ready
	d.pos = coord.Point{}
	d.fan = false
	d.session = nil
	d.mx.Unlock()
	return nil
}

func (d *Device) Disconnect() error {
	if !d.op.TryLock() {
		return exchange.ErrBusy
	}
	defer d.op.Unlock()

	d.pause("disconnect")
	d.mx.Lock()
	d.state = engraver.Disconnected
	d.session = nil
	d.mx.Unlock()
	return nil
}

func (d *Device) SetFan(on bool) error {
	return d.do("fan", engraver.FanToggling, true, func() error {
		d.fan = on
		return nil
	})
}

func (d *Device) Home() error {
	return d.do("home", engraver.Homing, false, func() error {
		d.pos = coord.Point{}
		return nil
	})
}

func (d *Device) Center() error {
	return d.do("center", engraver.Centering, false, func() error {
		d.pos = d.opts.Bed.Center()
		return nil
	})
}

func (d *Device) MoveRelative(dx, dy int) error {
	if dx == 0 && dy == 0 {
		return nil
	}
	return d.do("move", engraver.Moving, false, func() error {
		return d.move(dx, dy)
	})
}

func (d *Device) MoveAbsolute(x, y int) error {
	return d.do("move", engraver.Moving, false, func() error {
		return d.move(x-d.pos.X, y-d.pos.Y)
	})
}

// move is called with mx held.
func (d *Device) move(dx, dy int) error {
	if d.opts.ClampToBed {
		target := d.opts.Bed.Rect().Clamp(d.pos.Add(coord.Point{X: dx, Y: dy}))
		dx, dy = target.X-d.pos.X, target.Y-d.pos.Y
	}
	if _, err := frame.EncodeMove(dx, dy); err != nil {
		return err
	}
	d.pos = d.pos.Add(coord.Point{X: dx, Y: dy})
	return nil
}

func (d *Device) StartEngraving(box coord.Rect, speed, power int) error {
	if err := engraver.CheckJob(box, speed, power); err != nil {
		return err
	}
	if _, err := frame.EncodeStart(box.Min.X, box.Min.Y); err != nil {
		return err
	}
	return d.do("start", engraver.Starting, false, func() error {
		d.session = &engraver.Session{Origin: box.Min, Speed: speed, Power: power}
		d.pos = box.Min
		d.fan = true
		d.state = engraver.Engraving
		return nil
	})
}

func (d *Device) EngraveLine(pixels []byte, line int) error {
	if !d.op.TryLock() {
		return exchange.ErrBusy
	}
	defer d.op.Unlock()

	d.mx.Lock()
	s := d.session
	d.mx.Unlock()
	if s == nil {
		return engraver.ErrNoSession
	}
	if err := engraver.CheckLine(line); err != nil {
		return err
	}
	if err := engraver.CheckRow(pixels); err != nil {
		return err
	}

	d.pause("line %d, %d pixels", line, len(pixels))

	d.mx.Lock()
	d.pos = coord.Point{X: s.Origin.X, Y: s.Origin.Y + line}
	d.lines++
	d.mx.Unlock()
	return nil
}

func (d *Device) StopEngraving() error {
	if !d.op.TryLock() {
		return exchange.ErrBusy
	}
	defer d.op.Unlock()

	d.mx.Lock()
	s := d.session
	d.mx.Unlock()
	if s == nil {
		return engraver.ErrNoSession
	}

	d.pause("stop")

	d.mx.Lock()
	defer d.mx.Unlock()
	d.pos = s.Origin
	d.session = nil
	d.fan = false
	if d.state.Connected() {
		d.state = engraver.Ready
	}
	return nil
}
