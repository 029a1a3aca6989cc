package grbl

import (
	"fmt"

	"github.com/mastercactapus/lasergrave/coord"
	"github.com/mastercactapus/lasergrave/engraver"
	"github.com/mastercactapus/lasergrave/frame"
	"github.com/mastercactapus/lasergrave/gcode"
)

// StartEngraving switches the laser to dynamic power mode with the feed
// rate for speed and moves to box.Min. The session exists only if every
// step is acknowledged.
func (d *Device) StartEngraving(box coord.Rect, speed, power int) error {
	if err := engraver.CheckJob(box, speed, power); err != nil {
		return err
	}
	if _, err := frame.EncodeStart(box.Min.X, box.Min.Y); err != nil {
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
		{name: "laser-off", blocks: []gcode.Block{{gcode.M(5)}}, timeout: to.Command},
		{name: "fan-on", blocks: []gcode.Block{{gcode.M(8)}}, timeout: to.Fan, after: func() {
			d.mx.Lock()
			d.fan = true
			d.mx.Unlock()
		}},
		{name: "start", blocks: []gcode.Block{
			{gcode.G(90), gcode.G(21)},
			{gcode.G(0), gcode.X(d.mm(box.Min.X)), gcode.Y(d.mm(box.Min.Y))},
			{gcode.M(4), gcode.S(0), gcode.F(d.feed(speed))},
			{gcode.G(4), gcode.P(0)},
		}, timeout: to.Start},
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
	return nil
}

// lineBlocks burns every run of dark pixels in row y with a G1 at power
// and travels between runs with G0, which keeps the laser off in M4 mode.
func (d *Device) lineBlocks(origin coord.Point, y int, pixels []byte, power int) []gcode.Block {
	s := gcode.S(float64(frame.DevicePower(power)))
	blocks := []gcode.Block{{gcode.G(0), gcode.X(d.mm(origin.X)), gcode.Y(d.mm(y))}}
	at := 0
	for i := 0; i < len(pixels); {
		if pixels[i] >= frame.Threshold {
			i++
			continue
		}
		j := i
		for j < len(pixels) && pixels[j] < frame.Threshold {
			j++
		}
		if at != i {
			blocks = append(blocks, gcode.Block{gcode.G(0), gcode.X(d.mm(origin.X + i))})
		}
		blocks = append(blocks, gcode.Block{gcode.G(1), gcode.X(d.mm(origin.X + j)), s})
		at, i = j, j
	}
	return blocks
}

// EngraveLine burns one raster row at origin.y+line.
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
	if err := engraver.CheckRow(pixels); err != nil {
		return err
	}

	y := s.Origin.Y + line
	d.mx.Lock()
	d.pos = coord.Point{X: s.Origin.X, Y: y}
	d.mx.Unlock()

	if err := d.send(d.opts.Timeouts.Line, d.lineBlocks(s.Origin, y, pixels, s.Power)...); err != nil {
		return fmt.Errorf("line %d: %w", line, err)
	}
	return nil
}

// StopEngraving turns the laser off and returns to the session origin.
// Air assist is switched off even when that fails; the first failure is
// returned.
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
	err = d.send(to.Command,
		gcode.Block{gcode.M(5)},
		gcode.Block{gcode.G(0), gcode.X(d.mm(s.Origin.X)), gcode.Y(d.mm(s.Origin.Y))},
	)
	if err != nil {
		Logf("ERROR: grbl: stop: %v", err)
		first = &engraver.StepError{Step: "stop", Err: err}
	}
	if err := d.send(to.Fan, gcode.Block{gcode.M(9)}); err != nil {
		Logf("ERROR: grbl: fan-off after stop: %v", err)
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
