package config

import (
	"io"

	"github.com/mastercactapus/lasergrave/engraver/grbl"
	"github.com/mastercactapus/lasergrave/gcode"
)

// grblConfig converts g. The preamble must already have passed Validate;
// one that does not parse is dropped.
func grblConfig(g GrblConfig, sink io.Writer) grbl.Config {
	pre, _ := gcode.Parse(g.Preamble)
	return grbl.Config{
		MaxFeed:      g.MaxFeed,
		Homing:       g.Homing,
		Preamble:     pre,
		Sink:         sink,
		PollInterval: dur(float64(g.PollMs)),
		BootWait:     dur(float64(g.BootWaitMs)),
	}
}
