package config

import (
	"fmt"
	"net/url"

	"github.com/mastercactapus/lasergrave/gcode"
)

// Validate checks configuration correctness.
// It performs declarative validation only; zero values are left to
// Normalize.
// It MUST NOT mutate configuration.
func Validate(cfg *Config) error {
	if cfg.Device.Variant != "" {
		if _, err := cfg.Variant(); err != nil {
			return err
		}
	}
	if cfg.Device.Baud < 0 {
		return fmt.Errorf("device: baud must not be negative")
	}
	for name, u := range map[string]string{"websocket": cfg.Device.WebSocket, "spjs": cfg.Device.SPJS} {
		if err := validateWS(name, u); err != nil {
			return err
		}
	}

	// ---- BED ----
	if cfg.Bed.Width < 0 || cfg.Bed.Height < 0 {
		return fmt.Errorf("bed: size must not be negative")
	}
	if cfg.Bed.MMPerPixel < 0 {
		return fmt.Errorf("bed: mm_per_pixel must not be negative")
	}
	if cfg.Bed.Width > 1<<15 || cfg.Bed.Height > 1<<15 {
		return fmt.Errorf("bed: %dx%d exceeds the addressable %d pixels", cfg.Bed.Width, cfg.Bed.Height, 1<<15)
	}

	// ---- TIMEOUTS ----
	t := cfg.Timeouts
	for name, v := range map[string]float64{
		"connect_ms":      float64(t.ConnectMs),
		"fan_ms":          float64(t.FanMs),
		"home_ms":         float64(t.HomeMs),
		"center_ms":       float64(t.CenterMs),
		"line_ms":         float64(t.LineMs),
		"command_ms":      float64(t.CommandMs),
		"start_ms":        float64(t.StartMs),
		"move_min_ms":     float64(t.MoveMinMs),
		"move_near_ms":    t.MoveNearMs,
		"move_far_ms":     t.MoveFarMs,
		"move_far_from":   t.MoveFarFrom,
		"move_settle_ms":  float64(t.MoveSettleMs),
		"start_settle_ms": float64(t.StartSettleMs),
	} {
		if v < 0 {
			return fmt.Errorf("timeouts: %s must not be negative", name)
		}
	}

	// ---- VARIANTS ----
	if cfg.Simulator.DelayMs < 0 {
		return fmt.Errorf("simulator: delay_ms must not be negative")
	}
	if cfg.Grbl.MaxFeed < 0 || cfg.Grbl.PollMs < 0 || cfg.Grbl.BootWaitMs < 0 {
		return fmt.Errorf("grbl: max_feed, poll_ms and boot_wait_ms must not be negative")
	}
	if _, err := gcode.Parse(cfg.Grbl.Preamble); err != nil {
		return fmt.Errorf("grbl: preamble: %w", err)
	}

	return nil
}

func validateWS(name, s string) error {
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("device: %s: %w", name, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("device: %s %q must use ws:// or wss://", name, s)
	}
	return nil
}
