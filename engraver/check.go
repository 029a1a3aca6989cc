package engraver

import (
	"fmt"
	"math"

	"github.com/mastercactapus/lasergrave/coord"
	"github.com/mastercactapus/lasergrave/frame"
)

// MaxLines is the number of lines one engrave session can address.
const MaxLines = math.MaxUint16 + 1

// CheckJob validates engrave session parameters before anything is sent.
func CheckJob(box coord.Rect, speed, power int) error {
	if box.Empty() {
		return fmt.Errorf("%w: empty bounding box", frame.ErrRange)
	}
	if speed < frame.MinSpeedPercent || speed > frame.MaxSpeedPercent {
		return fmt.Errorf("%w: speed %d not in %d..%d", frame.ErrRange, speed, frame.MinSpeedPercent, frame.MaxSpeedPercent)
	}
	if power < 0 || power > frame.MaxPowerPercent {
		return fmt.Errorf("%w: power %d not in 0..%d", frame.ErrRange, power, frame.MaxPowerPercent)
	}
	return nil
}

// CheckLine validates a zero-based line index within a session.
func CheckLine(line int) error {
	if line < 0 || line >= MaxLines {
		return fmt.Errorf("%w: line %d", frame.ErrRange, line)
	}
	return nil
}

// CheckRow validates the width of one raster row.
func CheckRow(pixels []byte) error {
	if len(pixels) > frame.MaxLinePixels {
		return fmt.Errorf("%w: row of %d pixels exceeds %d", frame.ErrRange, len(pixels), frame.MaxLinePixels)
	}
	return nil
}
