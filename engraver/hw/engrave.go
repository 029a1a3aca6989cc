package hw

import (
	"fmt"

	"github.com/mastercactapus/lasergrave/coord"
	"github.com/mastercactapus/lasergrave/engraver"
	"github.com/mastercactapus/lasergrave/frame"
)

// StartEngraving opens an engrave session with box.Min as its origin:
// discrete mode off, reset, fan on, start. The session exists only if
// every step is acknowledged.
func (d *Device) StartEngraving(box coord.Rect, speed, power int) error {
	if err := engraver.CheckJob(box, speed, power); err != nil {
		return err
	}
	start, err := frame.EncodeStart(box.Min.X, box.Min.Y)
	if err != nil {
		return err
	}

	unlock, err := d.lock()
	if err != nil {
		return err
	}
	defer unlock()

	prev, err := d.enter(engraver.Starting, false)
	if err != nil {
		return err
	}

	to := d.opts.Timeouts
	err = d.run([]step{
		{name: "discrete-off", frame: frame.Fixed(frame.OpDiscreteOff), timeout: to.Command},
		{name: "reset", frame: frame.Fixed(frame.OpReset), timeout: to.Command},
		{name: "fan-on", frame: frame.Fixed(frame.OpFanOn), timeout: to.Fan, after: func() {
			d.mx.Lock()
			d.fan = true
			d.mx.Unlock()
		}},
		{name: "start", frame: start, timeout: to.Start},
	})
	if err != nil {
		d.leave(prev)
		return err
	}

	d.mx.Lock()
	d.session = &engraver.Session{Origin: box.Min, Speed: speed, Power: power}
	d.pos = box.Min
	if d.state != engraver.Disconnected {
		d.state = engraver.Engraving
	}
	d.mx.Unlock()

	d.Sleep(to.StartSettle)
	return nil
}

// EngraveLine burns one raster row at origin.y+line. Line numbers are
// 16 bit on the wire; a session cannot exceed 65536 lines.
func (d *Device) EngraveLine(pixels []byte, line int) error {
	unlock, err := d.lock()
	if err != nil {
		return err
	}
	defer unlock()

	d.mx.Lock()
	s := d.session
	d.mx.Unlock()
	if s == nil {
		return engraver.ErrNoSession
	}
	if err := engraver.CheckLine(line); err != nil {
		return err
	}
	f, err := frame.EncodeEngraveLine(uint16(line), s.Speed, s.Power, pixels)
	if err != nil {
		return err
	}

	d.mx.Lock()
	d.pos = coord.Point{X: s.Origin.X, Y: s.Origin.Y + line}
	d.mx.Unlock()

	if err := d.send(f, d.opts.Timeouts.Line); err != nil {
		return fmt.Errorf("line %d: %w", line, err)
	}
	return nil
}

// StopEngraving ends the session. The fan is switched off even when stop
// is not acknowledged; the first failure is returned.
func (d *Device) StopEngraving() error {
	unlock, err := d.lock()
	if err != nil {
		return err
	}
	defer unlock()

	d.mx.Lock()
	s := d.session
	if s == nil {
		d.mx.Unlock()
		return engraver.ErrNoSession
	}
	d.pos = s.Origin
	if d.state != engraver.Disconnected {
		d.state = engraver.Stopping
	}
	d.mx.Unlock()

	to := d.opts.Timeouts
	var first error
	if err := d.send(frame.Fixed(frame.OpStop), to.Command); err != nil {
		Logf("ERROR: hw: stop: %v", err)
		first = &engraver.StepError{Step: "stop", Err: err}
	}
	if err := d.send(frame.Fixed(frame.OpFanOff), to.Fan); err != nil {
		Logf("ERROR: hw: fan-off after stop: %v", err)
		if first == nil {
			first = &engraver.StepError{Step: "fan-off", Err: err}
		}
	} else {
		d.mx.Lock()
		d.fan = false
		d.mx.Unlock()
	}

	d.mx.Lock()
	d.session = nil
	if d.state != engraver.Disconnected {
		d.state = engraver.Ready
	}
	d.mx.Unlock()
	return first
}
