// Package grbl drives laser engravers running Grbl firmware with G-code.
//
// A transport is optional. Without one the device writes the G-code it
// would send to a sink and every command succeeds immediately, which is
// useful for previewing a job.
package grbl

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/mastercactapus/lasergrave/coord"
	"github.com/mastercactapus/lasergrave/engraver"
	"github.com/mastercactapus/lasergrave/exchange"
	"github.com/mastercactapus/lasergrave/frame"
	"github.com/mastercactapus/lasergrave/gcode"
	"github.com/mastercactapus/lasergrave/transport"
)

// Logf is used for diagnostics. Replace it to capture or mute output.
var Logf = log.Printf

// Config holds the settings specific to Grbl controllers.
type Config struct {
	// MaxFeed is the feed rate in mm/min used at the top speed setting.
	MaxFeed float64

	// Homing runs the homing cycle ($H). Machines without limit switches
	// return to the work origin instead.
	Homing bool

	// Preamble is sent after the setup blocks on every connect.
	Preamble []gcode.Block

	// Sink receives the G-code when connected without a transport.
	// Nil discards it.
	Sink io.Writer

	// PollInterval is how often a status report is requested. Zero
	// disables polling.
	PollInterval time.Duration

	// BootWait is how long Connect waits for the startup banner.
	BootWait time.Duration
}

// DefaultConfig returns settings suitable for common diode laser kits.
func DefaultConfig() Config {
	return Config{
		MaxFeed:      3000,
		PollInterval: 250 * time.Millisecond,
		BootWait:     2 * time.Second,
	}
}

// Device is the Grbl engraver. The zero value is not usable; call New.
type Device struct {
	opts engraver.Options
	cfg  Config

	op sync.Mutex

	mx      sync.Mutex
	conn    *Conn
	out     io.Writer
	state   engraver.State
	pos     coord.Point
	fan     bool
	session *engraver.Session
	report  string
	wco     position
}

var _ engraver.Device = &Device{}

// New returns a disconnected Device.
func New(opts engraver.Options, cfg Config) *Device {
	if opts.Bed.MMPerPixel <= 0 {
		opts.Bed.MMPerPixel = engraver.DefaultBed().MMPerPixel
	}
	return &Device{opts: opts, cfg: cfg}
}

func (d *Device) Name() string         { return "grbl" }
func (d *Device) NeedsTransport() bool { return false }

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

// Report returns the controller's last reported status, like Idle or Run.
// It is empty until a status report arrives.
func (d *Device) Report() string {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.report
}

func (d *Device) mm(px int) float64 {
	return float64(px) * d.opts.Bed.MMPerPixel
}

func (d *Device) pixels(mm float64) int {
	return int(math.Round(mm / d.opts.Bed.MMPerPixel))
}

// feed converts a speed setting to a feed rate.
func (d *Device) feed(speed int) float64 {
	return math.Round(d.cfg.MaxFeed * float64(speed) / frame.MaxSpeedPercent)
}

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

func (d *Device) enter(s engraver.State, allowInSession bool) (engraver.State, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	if (d.conn == nil && d.out == nil) || !d.state.Connected() {
		return 0, engraver.ErrNotConnected
	}
	if d.session != nil && !allowInSession {
		return 0, engraver.ErrSessionActive
	}
	prev := d.state
	d.state = s
	return prev, nil
}

func (d *Device) leave(prev engraver.State) {
	d.mx.Lock()
	if d.state != engraver.Disconnected {
		d.state = prev
	}
	d.mx.Unlock()
}

// send validates and writes blocks, waiting up to timeout for every
// line to be acknowledged.
func (d *Device) send(timeout time.Duration, blocks ...gcode.Block) error {
	br, err := gcode.NewBlocksReader(blocks...)
	if err != nil {
		return err
	}
	return d.write(timeout, gcode.NewBuffer(br))
}

func (d *Device) write(timeout time.Duration, r io.Reader) error {
	d.mx.Lock()
	conn, out := d.conn, d.out
	d.mx.Unlock()

	switch {
	case conn != nil:
		_, err := conn.Send(r, timeout)
		if errors.Is(err, io.ErrClosedPipe) {
			return exchange.ErrNotOpen
		}
		return err
	case out != nil:
		if _, err := io.Copy(out, r); err != nil {
			return &exchange.WriteError{Err: err}
		}
		return nil
	}
	return exchange.ErrNotOpen
}

type step struct {
	name    string
	raw     string
	blocks  []gcode.Block
	timeout time.Duration
	after   func()
}

func (d *Device) run(steps []step) error {
	for _, s := range steps {
		var err error
		if s.raw != "" {
			err = d.write(s.timeout, strings.NewReader(s.raw))
		} else {
			err = d.send(s.timeout, s.blocks...)
		}
		if err != nil {
			return &engraver.StepError{Step: s.name, Err: err}
		}
		if s.after != nil {
			s.after()
		}
	}
	return nil
}

// homeSteps returns the head to the origin and makes it the work zero.
func (d *Device) homeSteps() []step {
	to := d.opts.Timeouts.Home
	if d.cfg.Homing {
		return []step{
			{name: "home", raw: "$H\n", timeout: to},
			{name: "zero", blocks: []gcode.Block{{gcode.G(92), gcode.X(0), gcode.Y(0)}}, timeout: d.opts.Timeouts.Command},
		}
	}
	return []step{{name: "home", blocks: []gcode.Block{
		{gcode.G(90), gcode.G(0), gcode.X(0), gcode.Y(0)},
		{gcode.G(4), gcode.P(0)},
	}, timeout: to}}
}

// Connect opens the transport, or the sink when open is nil, and brings
// the controller to a known state: millimeters, absolute positioning,
// laser off, fan off, homed.
func (d *Device) Connect(open transport.Opener) error {
	unlock, err := d.lock()
	if err != nil {
		return err
	}
	defer unlock()

	d.closeConn()
	d.setState(engraver.Connecting)

	if open == nil {
		sink := d.cfg.Sink
		if sink == nil {
			sink = io.Discard
		}
		Logf("grbl: no transport, writing G-code to sink")
		d.mx.Lock()
		d.out = sink
		d.mx.Unlock()
	} else {
		rwc, err := open()
		if err != nil {
			d.setState(engraver.Disconnected)
			return fmt.Errorf("open transport: %w", err)
		}
		c := NewConn(rwc)
		d.mx.Lock()
		d.conn = c
		d.mx.Unlock()
		go d.readLoop(c)
		if !c.WaitReset(d.cfg.BootWait) {
			Logf("grbl: no startup banner after %s", d.cfg.BootWait)
		}
		if d.cfg.PollInterval > 0 {
			go d.poll(c)
		}
	}

	to := d.opts.Timeouts
	steps := []step{
		{name: "setup", blocks: []gcode.Block{{gcode.G(21), gcode.G(90)}, {gcode.M(5)}}, timeout: to.Connect},
	}
	if len(d.cfg.Preamble) > 0 {
		steps = append(steps, step{name: "preamble", blocks: d.cfg.Preamble, timeout: to.Connect})
	}
	steps = append(steps, step{name: "fan-off", blocks: []gcode.Block{{gcode.M(9)}}, timeout: to.Fan})
	if err := d.run(append(steps, d.homeSteps()...)); err != nil {
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
			Logf("ERROR: grbl: close transport: %v", err)
		}
		d.conn = nil
	}
	d.out = nil
	d.session = nil
	d.report = ""
	d.state = engraver.Disconnected
}

// lost drops c after a read failure. The session is kept so
// StopEngraving can still run.
func (d *Device) lost(c *Conn, err error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	if d.conn != c {
		return
	}
	Logf("ERROR: grbl: transport lost: %v", err)
	c.Close()
	d.conn = nil
	d.state = engraver.Disconnected
}

func (d *Device) readLoop(c *Conn) {
	buf := make([]byte, bufio.MaxScanTokenSize)
	for {
		n, err := c.Read(buf)
		if err != nil {
			d.lost(c, err)
			return
		}
		line := string(buf[:n])
		switch {
		case strings.HasPrefix(line, "<"):
			d.handleReport(line)
		case strings.HasPrefix(line, "ALARM"), strings.HasPrefix(line, "[MSG"):
			Logf("grbl: %s", line)
		}
	}
}

func (d *Device) handleReport(line string) {
	rep, err := parseStatus(line)
	if err != nil {
		Logf("ERROR: grbl: parse status: %v", err)
		return
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	d.report = rep.Status
	if rep.hasWCO {
		d.wco = rep.WCO
	}
	if p, ok := rep.work(d.wco); ok {
		d.pos = coord.Point{X: d.pixels(p.X), Y: d.pixels(p.Y)}
	}
}

func (d *Device) poll(c *Conn) {
	t := time.NewTicker(d.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-c.Done():
			return
		case <-t.C:
			if err := c.WriteByte('?'); err != nil {
				Logf("ERROR: grbl: status request: %v", err)
				return
			}
		}
	}
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

// SetFan switches air assist, wired to the flood coolant output.
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

	cmd := gcode.M(9)
	if on {
		cmd = gcode.M(8)
	}
	if err := d.send(d.opts.Timeouts.Fan, gcode.Block{cmd}); err != nil {
		return fmt.Errorf("fan: %w", err)
	}

	d.mx.Lock()
	d.fan = on
	d.mx.Unlock()
	return nil
}

func (d *Device) Home() error {
	unlock, err := d.lock()
	if err != nil {
		return err
	}
	defer unlock()

	prev, err := d.enter(engraver.Homing, false)
	if err != nil {
		return err
	}
	defer d.leave(prev)

	if err := d.run(d.homeSteps()); err != nil {
		return err
	}
	d.mx.Lock()
	d.pos = coord.Point{}
	d.mx.Unlock()
	return nil
}

func (d *Device) Center() error {
	unlock, err := d.lock()
	if err != nil {
		return err
	}
	defer unlock()

	prev, err := d.enter(engraver.Centering, false)
	if err != nil {
		return err
	}
	defer d.leave(prev)

	c := d.opts.Bed.Center()
	err = d.send(d.opts.Timeouts.Center,
		gcode.Block{gcode.G(90), gcode.G(0), gcode.X(d.mm(c.X)), gcode.Y(d.mm(c.Y))},
		gcode.Block{gcode.G(4), gcode.P(0)},
	)
	if err != nil {
		return fmt.Errorf("center: %w", err)
	}
	d.mx.Lock()
	d.pos = c
	d.mx.Unlock()
	return nil
}

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

// move uses the same limits as the binary protocol so a job behaves the
// same on every variant.
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
	if _, err := frame.EncodeMove(dx, dy); err != nil {
		return err
	}

	d.mx.Lock()
	d.pos = cur.Add(coord.Point{X: dx, Y: dy})
	d.mx.Unlock()

	err = d.send(d.opts.Timeouts.MoveTimeout(dx, dy),
		gcode.Block{gcode.G(91), gcode.G(0), gcode.X(d.mm(dx)), gcode.Y(d.mm(dy))},
		gcode.Block{gcode.G(90)},
		gcode.Block{gcode.G(4), gcode.P(0)},
	)
	if err != nil {
		return fmt.Errorf("move (%d,%d): %w", dx, dy, err)
	}
	return nil
}
