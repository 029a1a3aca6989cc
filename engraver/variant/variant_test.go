package variant

import (
	"testing"
	"time"

	"github.com/mastercactapus/lasergrave/coord"
	"github.com/mastercactapus/lasergrave/engraver"
	"github.com/mastercactapus/lasergrave/engraver/grbl"
	"github.com/mastercactapus/lasergrave/engraver/sim"
	"github.com/mastercactapus/lasergrave/exchange"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	sim.Logf = func(string, ...interface{}) {}
	grbl.Logf = sim.Logf
}

func TestNew(t *testing.T) {
	cfg := DefaultConfig()
	for _, tc := range []struct {
		v              engraver.Variant
		name           string
		needsTransport bool
	}{
		{engraver.Hardware, "hardware", true},
		{engraver.Grbl, "grbl", false},
		{engraver.Simulator, "simulator", false},
	} {
		dev, err := New(tc.v, cfg)
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.name, dev.Name())
		assert.Equal(t, tc.name, tc.v.String())
		assert.Equal(t, tc.needsTransport, dev.NeedsTransport(), tc.name)
		assert.Equal(t, engraver.Disconnected, dev.Status().State, tc.name)
	}

	_, err := New(engraver.Variant(9), cfg)
	assert.Error(t, err)
}

func TestHardwareNeedsTransport(t *testing.T) {
	dev, err := New(engraver.Hardware, DefaultConfig())
	require.NoError(t, err)
	err = dev.Connect(nil)
	assert.ErrorIs(t, err, engraver.ErrTransportRequired)
	assert.ErrorIs(t, err, exchange.ErrMisuse)
}

func TestParseVariant(t *testing.T) {
	for s, want := range map[string]engraver.Variant{
		"hardware":  engraver.Hardware,
		"hw":        engraver.Hardware,
		"grbl":      engraver.Grbl,
		"simulator": engraver.Simulator,
		"sim":       engraver.Simulator,
	} {
		v, err := engraver.ParseVariant(s)
		assert.NoError(t, err, s)
		assert.Equal(t, want, v, s)
	}
	_, err := engraver.ParseVariant("plotter")
	assert.Error(t, err)

	var v engraver.Variant
	require.NoError(t, v.UnmarshalText([]byte("sim")))
	assert.Equal(t, engraver.Simulator, v)
	b, err := v.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "simulator", string(b))
}

// Variants behave the same to callers: the session rules hold on each.
func TestSessionRules(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SimDelay = time.Millisecond
	for _, v := range []engraver.Variant{engraver.Grbl, engraver.Simulator} {
		dev, err := New(v, cfg)
		require.NoError(t, err)

		require.NoError(t, dev.Connect(nil), v.String())
		assert.ErrorIs(t, dev.EngraveLine([]byte{0}, 0), engraver.ErrNoSession, v.String())
		require.NoError(t, dev.StartEngraving(coord.R(5, 5, 10, 10), 20, 30), v.String())
		assert.ErrorIs(t, dev.Home(), engraver.ErrSessionActive, v.String())
		require.NoError(t, dev.EngraveLine([]byte{0, 0xff}, 3), v.String())
		assert.Equal(t, coord.Point{X: 5, Y: 8}, dev.Status().Position, v.String())
		require.NoError(t, dev.StopEngraving(), v.String())
		assert.Equal(t, coord.Point{X: 5, Y: 5}, dev.Status().Position, v.String())
		assert.Equal(t, engraver.Ready, dev.Status().State, v.String())
		require.NoError(t, dev.Disconnect())
	}
}

func TestSelector(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SimDelay = time.Millisecond
	s, err := NewSelector(engraver.Simulator, cfg)
	require.NoError(t, err)
	first := s.Device()
	require.NoError(t, first.Connect(nil))

	dev, err := s.Select(engraver.Simulator)
	require.NoError(t, err)
	assert.Same(t, first, dev)
	assert.Equal(t, engraver.Ready, first.Status().State)

	dev, err = s.Select(engraver.Grbl)
	require.NoError(t, err)
	assert.Equal(t, "grbl", dev.Name())
	assert.Equal(t, engraver.Grbl, s.Variant())
	assert.Equal(t, engraver.Disconnected, first.Status().State)

	_, err = s.Select(engraver.Variant(-1))
	assert.Error(t, err)
	assert.Equal(t, engraver.Grbl, s.Variant())
}
