// Package variant builds the Device for a configured engraver variant and
// keeps the current one, so at most one connection is open at a time.
package variant

import (
	"fmt"
	"sync"
	"time"

	"github.com/mastercactapus/lasergrave/engraver"
	"github.com/mastercactapus/lasergrave/engraver/grbl"
	"github.com/mastercactapus/lasergrave/engraver/hw"
	"github.com/mastercactapus/lasergrave/engraver/sim"
)

// Config carries the settings of every variant.
type Config struct {
	Options  engraver.Options
	Grbl     grbl.Config
	SimDelay time.Duration
}

// DefaultConfig returns the defaults of every variant.
func DefaultConfig() Config {
	return Config{
		Options:  engraver.DefaultOptions(),
		Grbl:     grbl.DefaultConfig(),
		SimDelay: sim.DefaultDelay,
	}
}

// New returns a disconnected Device of kind v.
func New(v engraver.Variant, cfg Config) (engraver.Device, error) {
	switch v {
	case engraver.Hardware:
		return hw.New(cfg.Options), nil
	case engraver.Grbl:
		return grbl.New(cfg.Options, cfg.Grbl), nil
	case engraver.Simulator:
		return sim.New(cfg.Options, cfg.SimDelay), nil
	}
	return nil, fmt.Errorf("unknown device variant %d", v)
}

// Selector holds the selected Device. Selecting another variant
// disconnects the previous Device first.
type Selector struct {
	cfg Config

	mx      sync.Mutex
	variant engraver.Variant
	dev     engraver.Device
}

// NewSelector returns a Selector with v selected.
func NewSelector(v engraver.Variant, cfg Config) (*Selector, error) {
	dev, err := New(v, cfg)
	if err != nil {
		return nil, err
	}
	return &Selector{cfg: cfg, variant: v, dev: dev}, nil
}

// Device returns the selected Device.
func (s *Selector) Device() engraver.Device {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.dev
}

// Variant returns the selected variant.
func (s *Selector) Variant() engraver.Variant {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.variant
}

// Select switches to variant v. Selecting the current variant keeps the
// Device and its connection.
func (s *Selector) Select(v engraver.Variant) (engraver.Device, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if v == s.variant {
		return s.dev, nil
	}
	dev, err := New(v, s.cfg)
	if err != nil {
		return nil, err
	}
	if err := s.dev.Disconnect(); err != nil {
		return nil, fmt.Errorf("disconnect %s: %w", s.dev.Name(), err)
	}
	s.variant, s.dev = v, dev
	return dev, nil
}
