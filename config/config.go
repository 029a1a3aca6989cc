// Package config loads the engraver service configuration from YAML.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mastercactapus/lasergrave/engraver"
	"github.com/mastercactapus/lasergrave/engraver/variant"
	"github.com/mastercactapus/lasergrave/spjs"
	"github.com/mastercactapus/lasergrave/transport"
)

type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Bed       BedConfig       `yaml:"bed"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Simulator SimulatorConfig `yaml:"simulator"`
	Grbl      GrblConfig      `yaml:"grbl"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// ---- DEVICE ----

type DeviceConfig struct {
	Variant string `yaml:"variant"`

	// serial link; ignored when WebSocket is set
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`

	// serial-over-websocket bridge, like ws://host:8989/ws
	WebSocket string `yaml:"websocket"`

	// Serial Port JSON Server, like ws://host:8989/ws. Port then names a
	// port on that host. It carries text only, so just the grbl variant
	// uses it.
	SPJS string `yaml:"spjs"`

	ClampToBed bool `yaml:"clamp_to_bed"`
}

// ---- BED ----

type BedConfig struct {
	Width      int     `yaml:"width"`
	Height     int     `yaml:"height"`
	MMPerPixel float64 `yaml:"mm_per_pixel"`
}

// ---- TIMEOUTS ----

type TimeoutsConfig struct {
	ConnectMs int `yaml:"connect_ms"`
	FanMs     int `yaml:"fan_ms"`
	HomeMs    int `yaml:"home_ms"`
	CenterMs  int `yaml:"center_ms"`
	LineMs    int `yaml:"line_ms"`
	CommandMs int `yaml:"command_ms"`
	StartMs   int `yaml:"start_ms"`

	MoveMinMs   int     `yaml:"move_min_ms"`
	MoveNearMs  float64 `yaml:"move_near_ms"` // per pixel
	MoveFarMs   float64 `yaml:"move_far_ms"`  // per pixel
	MoveFarFrom float64 `yaml:"move_far_from"`

	MoveSettleMs  int `yaml:"move_settle_ms"`
	StartSettleMs int `yaml:"start_settle_ms"`
}

// ---- VARIANTS ----

type SimulatorConfig struct {
	DelayMs int `yaml:"delay_ms"`
}

type GrblConfig struct {
	MaxFeed    float64 `yaml:"max_feed"`
	Homing     bool    `yaml:"homing"`
	Sink       string  `yaml:"sink"`
	PollMs     int     `yaml:"poll_ms"`
	BootWaitMs int     `yaml:"boot_wait_ms"`

	// Preamble is G-code sent on every connect, e.g. "M4 S0\nG0 F3000".
	// grbl $ system commands are not G-code and are rejected.
	Preamble string `yaml:"preamble"`
}

// ---- HTTP ----

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads a YAML file over the defaults, so omitted settings keep
// their default. The result is not validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	t := engraver.DefaultTimeouts()
	bed := engraver.DefaultBed()
	return &Config{
		Device: DeviceConfig{
			Variant: engraver.Hardware.String(),
			Baud:    transport.DefaultBaud,
		},
		Bed: BedConfig{Width: bed.Width, Height: bed.Height, MMPerPixel: bed.MMPerPixel},
		Timeouts: TimeoutsConfig{
			ConnectMs:     ms(t.Connect),
			FanMs:         ms(t.Fan),
			HomeMs:        ms(t.Home),
			CenterMs:      ms(t.Center),
			LineMs:        ms(t.Line),
			CommandMs:     ms(t.Command),
			StartMs:       ms(t.Start),
			MoveMinMs:     ms(t.MoveMin),
			MoveNearMs:    float64(t.MoveNear) / float64(time.Millisecond),
			MoveFarMs:     float64(t.MoveFar) / float64(time.Millisecond),
			MoveFarFrom:   t.MoveFarFrom,
			MoveSettleMs:  ms(t.MoveSettle),
			StartSettleMs: ms(t.StartSettle),
		},
		Simulator: SimulatorConfig{DelayMs: 50},
		Grbl: GrblConfig{
			MaxFeed:    3000,
			PollMs:     250,
			BootWaitMs: 2000,
		},
		HTTP: HTTPConfig{Addr: ":8080"},
	}
}

func ms(d time.Duration) int { return int(d / time.Millisecond) }

func dur(ms float64) time.Duration { return time.Duration(ms * float64(time.Millisecond)) }

// Variant returns the configured device variant.
func (c *Config) Variant() (engraver.Variant, error) {
	return engraver.ParseVariant(c.Device.Variant)
}

// Options converts the bed and timeout settings.
func (c *Config) Options() engraver.Options {
	t := c.Timeouts
	return engraver.Options{
		Bed: engraver.Bed{Width: c.Bed.Width, Height: c.Bed.Height, MMPerPixel: c.Bed.MMPerPixel},
		Timeouts: engraver.Timeouts{
			Connect:     dur(float64(t.ConnectMs)),
			Fan:         dur(float64(t.FanMs)),
			Home:        dur(float64(t.HomeMs)),
			Center:      dur(float64(t.CenterMs)),
			Line:        dur(float64(t.LineMs)),
			Command:     dur(float64(t.CommandMs)),
			Start:       dur(float64(t.StartMs)),
			MoveMin:     dur(float64(t.MoveMinMs)),
			MoveNear:    dur(t.MoveNearMs),
			MoveFar:     dur(t.MoveFarMs),
			MoveFarFrom: t.MoveFarFrom,
			MoveSettle:  dur(float64(t.MoveSettleMs)),
			StartSettle: dur(float64(t.StartSettleMs)),
		},
		ClampToBed: c.Device.ClampToBed,
	}
}

// VariantConfig returns the settings for building devices. sink receives
// grbl output when connected without a transport; it may be nil.
func (c *Config) VariantConfig(sink io.Writer) variant.Config {
	return variant.Config{
		Options:  c.Options(),
		Grbl:     grblConfig(c.Grbl, sink),
		SimDelay: dur(float64(c.Simulator.DelayMs)),
	}
}

// Opener returns the configured transport for variant v, or nil if none
// is set. port overrides the configured serial port when not empty.
func (c *Config) Opener(v engraver.Variant, port string) transport.Opener {
	if port == "" {
		port = c.Device.Port
	}
	if c.Device.SPJS != "" && v == engraver.Grbl {
		if port == "" {
			return nil
		}
		return spjs.Opener(c.Device.SPJS, port, c.Device.Baud)
	}
	if c.Device.WebSocket != "" {
		return transport.WebSocket(c.Device.WebSocket)
	}
	if port == "" {
		return nil
	}
	return transport.Serial(transport.SerialConfig{Name: port, Baud: c.Device.Baud})
}

// ListPorts lists the ports of the SPJS server if one is configured and
// the local ports otherwise.
func (c *Config) ListPorts() ([]string, error) {
	if c.Device.SPJS != "" {
		return spjs.ListPorts(c.Device.SPJS)
	}
	return transport.ListPorts()
}

// OpenSink opens the grbl sink file for appending, if one is configured.
func (c *Config) OpenSink() (io.WriteCloser, error) {
	if c.Grbl.Sink == "" {
		return nil, nil
	}
	f, err := os.OpenFile(c.Grbl.Sink, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return f, nil
}
