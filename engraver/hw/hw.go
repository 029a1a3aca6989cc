// Package hw drives engravers that speak the binary ack protocol over a
// serial link.
package hw

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mastercactapus/lasergrave/coord"
	"github.com/mastercactapus/lasergrave/engraver"
	"github.com/mastercactapus/lasergrave/exchange"
	"github.com/mastercactapus/lasergrave/frame"
	"github.com/mastercactapus/lasergrave/transport"
)

// Logf is used for diagnostics. Replace it to capture or mute output.
var Logf = log.Printf

// Device is the hardware engraver. The zero value is not usable; call New.
type Device struct {
	opts engraver.Options

	// Sleep performs the mechanical settle delays.
	Sleep func(time.Duration)

	op sync.Mutex

	mx      sync.Mutex
	conn    *transport.Conn
	engine  *exchange.Engine
	state   engraver.State
	pos     coord.Point
	fan     bool
	session *engraver.Session
}

var _ engraver.Device = &Device{}

// New returns a disconnected Device.
func New(opts engraver.Options) *Device {
	return &Device{
		opts:   opts,
		Sleep:  time.Sleep,
		engine: exchange.New(nil),
	}
}

func (d *Device) Name() string         { return "hardware" }
func (d *Device) NeedsTransport() bool { return true }

func (d *Device) Status() engraver.Status {
	d.mx.Lock()
	defer d.mx.Unlock()
	st := engraver.Status{
		Device:   d.Name(),
		State:    d.state,
		Position: d.pos,
		FanOn:    d.fan,
	}
	if d.session != nil {
		s := *d.session
		st.Session = &s
	}
	return st
}

// Stats returns the exchange counters of the current connection.
func (d *Device) Stats() exchange.Stats {
	d.mx.Lock()
	e := d.engine
	d.mx.Unlock()
	return e.Stats()
}

// lock claims the device for one operation.
func (d *Device) lock() (unlock func(), err error) {
	if !d.op.TryLock() {
		return nil, exchange.ErrBusy
	}
	return d.op.Unlock, nil
}

func (d *Device) setState(s engraver.State) {
	d.mx.Lock()
	d.state = s
	d.mx.Unlock()
}

// enter moves to a transient state, failing if not connected or if an
// engrave session is active and the operation is not allowed during one.
// It returns the state to come back to.
func (d *Device) enter(s engraver.State, allowInSession bool) (engraver.State, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	if d.conn == nil || !d.state.Connected() {
		return 0, engraver.ErrNotConnected
	}
	if d.session != nil && !allowInSession {
		return 0, engraver.ErrSessionActive
	}
	prev := d.state
	d.state = s
	return prev, nil
}

// leave returns to prev unless the transport went away meanwhile.
func (d *Device) leave(prev engraver.State) {
	d.mx.Lock()
	if d.state != engraver.Disconnected {
		d.state = prev
	}
	d.mx.Unlock()
}

// send runs one exchange and converts a non-ack into an error.
func (d *Device) send(f frame.Frame, timeout time.Duration) error {
	d.mx.Lock()
	e := d.engine
	d.mx.Unlock()

	ok, err := e.Exchange(f, timeout)
	if !ok {
		d.checkTransport()
		if err == nil {
			err = fmt.Errorf("%s not acknowledged", f.Op())
		}
		return err
	}
	return nil
}

// checkTransport drops a connection whose transport has failed. Any
// engrave session is kept so StopEngraving can still run its cleanup.
func (d *Device) checkTransport() {
	d.mx.Lock()
	defer d.mx.Unlock()
	if d.conn == nil || d.conn.IsOpen() {
		return
	}
	Logf("ERROR: hw: transport lost: %v", d.conn.Err())
	d.conn.Close()
	d.conn = nil
	d.state = engraver.Disconnected
}

type step struct {
	name    string
	frame   frame.Frame
	timeout time.Duration
	after   func()
}

// run sends steps in order and stops at the first failure.
func (d *Device) run(steps []step) error {
	for _, s := range steps {
		if err := d.send(s.frame, s.timeout); err != nil {
			return &engraver.StepError{Step: s.name, Err: err}
		}
		if s.after != nil {
			s.after()
		}
	}
	return nil
}

// Connect opens the transport and brings the device to a known state:
// connect, fan off, home. Position is reset only if every step succeeds.
func (d *Device) Connect(open transport.Opener) error {
	if open == nil {
		return engraver.ErrTransportRequired
	}
	unlock, err := d.lock()
	if err != nil {
		return err
	}
	defer unlock()

	d.closeConn()
	d.setState(engraver.Connecting)

	conn, err := transport.Open(open)
	if err != nil {
		d.setState(engraver.Disconnected)
		return fmt.Errorf("open transport: %w", err)
	}

	d.mx.Lock()
	d.conn = conn
	d.engine = exchange.New(conn)
	d.mx.Unlock()

	to := d.opts.Timeouts
	err = d.run([]step{
		{name: "connect", frame: frame.Fixed(frame.OpConnect), timeout: to.Connect},
		{name: "fan-off", frame: frame.Fixed(frame.OpFanOff), timeout: to.Fan},
		{name: "home", frame: frame.Fixed(frame.OpHome), timeout: to.Home},
	})
	if err != nil {
		d.closeConn()
		return err
	}

	d.mx.Lock()
	d.pos = coord.Point{}
	d.fan = false
	d.state = engraver.Ready
	d.mx.Unlock()
	return nil
}

func (d *Device) closeConn() {
	d.mx.Lock()
	defer d.mx.Unlock()
	if d.conn != nil {
		if err := d.conn.Close(); err != nil {
			Logf("ERROR: hw: close transport: %v", err)
		}
		d.conn = nil
	}
	d.session = nil
	d.state = engraver.Disconnected
}

// Disconnect closes the transport. It is a no-op when not connected.
func (d *Device) Disconnect() error {
	unlock, err := d.lock()
	if err != nil {
		return err
	}
	defer unlock()

	d.closeConn()
	return nil
}

// SetFan switches the fan. The cached fan state changes only on ack.
func (d *Device) SetFan(on bool) error {
	unlock, err := d.lock()
	if err != nil {
		return err
	}
	defer unlock()

	prev, err := d.enter(engraver.FanToggling, true)
	if err != nil {
		return err
	}
	defer d.leave(prev)

	op := frame.OpFanOff
	if on {
		op = frame.OpFanOn
	}
	if err := d.send(frame.Fixed(op), d.opts.Timeouts.Fan); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	d.mx.Lock()
	d.fan = on
	d.mx.Unlock()
	return nil
}

// Home drives the head to its home switches and resets Position.
func (d *Device) Home() error {
	return d.reference(engraver.Homing, frame.OpHome, d.opts.Timeouts.Home, coord.Point{})
}

// Center drives the head to the bed center.
func (d *Device) Center() error {
	return d.reference(engraver.Centering, frame.OpCenter, d.opts.Timeouts.Center, d.opts.Bed.Center())
}

func (d *Device) reference(s engraver.State, op frame.Op, timeout time.Duration, at coord.Point) error {
	unlock, err := d.lock()
	if err != nil {
		return err
	}
	defer unlock()

	prev, err := d.enter(s, false)
	if err != nil {
		return err
	}
	defer d.leave(prev)

	if err := d.send(frame.Fixed(op), timeout); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	d.mx.Lock()
	d.pos = at
	d.mx.Unlock()
	return nil
}

// MoveRelative moves the head by (dx, dy). A zero move succeeds without
// talking to the device.
func (d *Device) MoveRelative(dx, dy int) error {
	if dx == 0 && dy == 0 {
		return nil
	}
	unlock, err := d.lock()
	if err != nil {
		return err
	}
	defer unlock()

	return d.move(dx, dy)
}

// MoveAbsolute moves the head to (x, y) relative to the current Position.
func (d *Device) MoveAbsolute(x, y int) error {
	unlock, err := d.lock()
	if err != nil {
		return err
	}
	defer unlock()

	d.mx.Lock()
	cur := d.pos
	d.mx.Unlock()

	dx, dy := x-cur.X, y-cur.Y
	if dx == 0 && dy == 0 {
		return nil
	}
	return d.move(dx, dy)
}

func (d *Device) move(dx, dy int) error {
	prev, err := d.enter(engraver.Moving, false)
	if err != nil {
		return err
	}
	defer d.leave(prev)

	d.mx.Lock()
	cur := d.pos
	d.mx.Unlock()

	if d.opts.ClampToBed {
		target := d.opts.Bed.Rect().Clamp(cur.Add(coord.Point{X: dx, Y: dy}))
		dx, dy = target.X-cur.X, target.Y-cur.Y
		if dx == 0 && dy == 0 {
			return nil
		}
	}

	f, err := frame.EncodeMove(dx, dy)
	if err != nil {
		return err
	}
	timeout := d.opts.Timeouts.MoveTimeout(dx, dy)

	// Position tracks the attempted move and is not rolled back.
	d.mx.Lock()
	d.pos = cur.Add(coord.Point{X: dx, Y: dy})
	d.mx.Unlock()

	if err := d.send(f, timeout); err != nil {
		return fmt.Errorf("move (%d,%d): %w", dx, dy, err)
	}
	d.Sleep(d.opts.Timeouts.MoveSettle)
	return nil
}
