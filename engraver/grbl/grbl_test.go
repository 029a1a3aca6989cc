package grbl

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mastercactapus/lasergrave/coord"
	"github.com/mastercactapus/lasergrave/engraver"
	"github.com/mastercactapus/lasergrave/exchange"
	"github.com/mastercactapus/lasergrave/frame"
	"github.com/mastercactapus/lasergrave/gcode"
	"github.com/mastercactapus/lasergrave/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const banner = "Grbl 1.1h ['$' for help]\r\n"

// fakeGrbl acknowledges every line except those starting with a prefix in
// reject (answered with the mapped error) or silent (never answered).
type fakeGrbl struct {
	mx      sync.Mutex
	reject  map[string]string
	silent  []string
	written []string
}

func (f *fakeGrbl) respond(p []byte) []byte {
	f.mx.Lock()
	defer f.mx.Unlock()
	line := string(p)
	if line == "?" {
		return nil
	}
	f.written = append(f.written, line)
	for prefix, code := range f.reject {
		if strings.HasPrefix(line, prefix) {
			return []byte(code + "\r\n")
		}
	}
	for _, prefix := range f.silent {
		if strings.HasPrefix(line, prefix) {
			return nil
		}
	}
	return []byte("ok\r\n")
}

func (f *fakeGrbl) lines() []string {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]string(nil), f.written...)
}

func (f *fakeGrbl) setSilent(prefix ...string) {
	f.mx.Lock()
	f.silent = prefix
	f.mx.Unlock()
}

func testOptions() engraver.Options {
	opts := engraver.DefaultOptions()
	opts.Timeouts.Connect = 50 * time.Millisecond
	opts.Timeouts.Fan = 50 * time.Millisecond
	opts.Timeouts.Command = 50 * time.Millisecond
	opts.Timeouts.Home = 50 * time.Millisecond
	opts.Timeouts.Center = 50 * time.Millisecond
	opts.Timeouts.Start = 50 * time.Millisecond
	opts.Timeouts.Line = 50 * time.Millisecond
	return opts
}

func newTransportDevice(t *testing.T, fake *fakeGrbl) (*Device, *transport.Pipe) {
	pipe := transport.NewPipe(fake.respond)
	cfg := DefaultConfig()
	cfg.PollInterval = 0
	cfg.BootWait = 200 * time.Millisecond
	dev := New(testOptions(), cfg)
	t.Cleanup(func() { dev.Disconnect() })

	pipe.Inject([]byte(banner)...)
	require.NoError(t, dev.Connect(pipe.Opener()))
	return dev, pipe
}

func TestDevice_Sink(t *testing.T) {
	var out bytes.Buffer
	cfg := DefaultConfig()
	cfg.Sink = &out
	dev := New(testOptions(), cfg)
	assert.False(t, dev.NeedsTransport())

	require.NoError(t, dev.Connect(nil))
	require.NoError(t, dev.MoveRelative(10, -20))
	require.NoError(t, dev.SetFan(true))
	require.NoError(t, dev.StartEngraving(coord.R(10, 10, 20, 20), 25, 50))
	require.NoError(t, dev.EngraveLine([]byte{0xff, 0x00, 0x10, 0xff, 0x7f}, 0))
	require.NoError(t, dev.EngraveLine([]byte{0x80, 0xff}, 1))
	require.NoError(t, dev.StopEngraving())

	assert.Equal(t, strings.Join([]string{
		// connect
		"G21G90", "M5", "M9", "G90G0X0Y0", "G4P0",
		// move
		"G91G0X0.75Y-1.5", "G90", "G4P0",
		// fan
		"M8",
		// start
		"M5", "M8", "G90G21", "G0X0.75Y0.75", "M4S0F1500", "G4P0",
		// line 0
		"G0X0.75Y0.75", "G0X0.825", "G1X0.975S500", "G0X1.05", "G1X1.125S500",
		// line 1 is blank
		"G0X0.75Y0.825",
		// stop
		"M5", "G0X0.75Y0.75", "M9",
	}, "\n")+"\n", out.String())

	st := dev.Status()
	assert.Equal(t, engraver.Ready, st.State)
	assert.Equal(t, coord.Point{X: 10, Y: 10}, st.Position)
	assert.False(t, st.FanOn)
	assert.Nil(t, st.Session)
}

func TestDevice_Connect(t *testing.T) {
	fake := &fakeGrbl{}
	dev, _ := newTransportDevice(t, fake)

	assert.Equal(t, []string{"G21G90\n", "M5\n", "M9\n", "G90G0X0Y0\n", "G4P0\n"}, fake.lines())
	st := dev.Status()
	assert.Equal(t, engraver.Ready, st.State)
	assert.Equal(t, coord.Point{}, st.Position)
}

func TestDevice_Homing(t *testing.T) {
	fake := &fakeGrbl{}
	pipe := transport.NewPipe(fake.respond)
	cfg := DefaultConfig()
	cfg.PollInterval = 0
	cfg.BootWait = 0
	cfg.Homing = true
	dev := New(testOptions(), cfg)
	defer dev.Disconnect()

	require.NoError(t, dev.Connect(pipe.Opener()))
	assert.Equal(t, []string{"G21G90\n", "M5\n", "M9\n", "$H\n", "G92X0Y0\n"}, fake.lines())
}

func TestDevice_ConnectFails(t *testing.T) {
	fake := &fakeGrbl{silent: []string{"G4"}}
	pipe := transport.NewPipe(fake.respond)
	cfg := DefaultConfig()
	cfg.PollInterval = 0
	cfg.BootWait = 0
	dev := New(testOptions(), cfg)

	err := dev.Connect(pipe.Opener())
	var se *engraver.StepError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "home", se.Step)
	assert.True(t, engraver.IsTimeout(err))
	assert.Equal(t, engraver.Disconnected, dev.Status().State)
	assert.True(t, pipe.Closed())

	err = dev.Connect(func() (io.ReadWriteCloser, error) { return nil, errors.New("no port") })
	assert.EqualError(t, err, "open transport: no port")
}

func TestDevice_Rejected(t *testing.T) {
	fake := &fakeGrbl{reject: map[string]string{"M8": "error:20"}}
	dev, _ := newTransportDevice(t, fake)

	err := dev.SetFan(true)
	var ce *CommandError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "error:20", ce.Code)
	assert.False(t, dev.Status().FanOn)
	assert.Equal(t, engraver.Ready, dev.Status().State)
}

func TestDevice_MoveTimeoutKeepsPosition(t *testing.T) {
	fake := &fakeGrbl{}
	dev, _ := newTransportDevice(t, fake)

	fake.setSilent("G4")
	err := dev.MoveRelative(5, 5)
	assert.True(t, engraver.IsTimeout(err))
	assert.Equal(t, coord.Point{X: 5, Y: 5}, dev.Status().Position)

	assert.ErrorIs(t, dev.MoveRelative(40000, 0), frame.ErrRange)
}

func TestDevice_Readback(t *testing.T) {
	fake := &fakeGrbl{}
	dev, pipe := newTransportDevice(t, fake)

	pipe.Inject([]byte("<Idle|MPos:9.000,4.500,0.000|FS:0,0|WCO:1.500,0.750,0.000>\r\n")...)
	assert.Eventually(t, func() bool {
		return dev.Status().Position == coord.Point{X: 100, Y: 50}
	}, time.Second, time.Millisecond)
	assert.Equal(t, "Idle", dev.Report())

	// the offset is remembered across reports
	pipe.Inject([]byte("<Run|MPos:2.250,0.750,0.000|FS:500,0>\r\n")...)
	assert.Eventually(t, func() bool {
		return dev.Status().Position == coord.Point{X: 10, Y: 0}
	}, time.Second, time.Millisecond)
	assert.Equal(t, "Run", dev.Report())
}

func TestDevice_Poll(t *testing.T) {
	pipe := transport.NewPipe(func(p []byte) []byte {
		if string(p) == "?" {
			return []byte("<Idle|WPos:0.750,0.750,0.000>\r\n")
		}
		return []byte("ok\r\n")
	})
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.BootWait = 0
	dev := New(testOptions(), cfg)
	defer dev.Disconnect()

	require.NoError(t, dev.Connect(pipe.Opener()))
	assert.Eventually(t, func() bool {
		return dev.Status().Position == coord.Point{X: 10, Y: 10}
	}, time.Second, time.Millisecond)
}

func TestDevice_TransportLost(t *testing.T) {
	fake := &fakeGrbl{}
	dev, pipe := newTransportDevice(t, fake)
	require.NoError(t, dev.StartEngraving(coord.R(0, 0, 10, 10), 10, 100))

	pipe.Close()
	assert.Eventually(t, func() bool {
		return dev.Status().State == engraver.Disconnected
	}, time.Second, time.Millisecond)
	assert.NotNil(t, dev.Status().Session)

	err := dev.EngraveLine([]byte{0}, 0)
	assert.ErrorIs(t, err, exchange.ErrNotOpen)

	err = dev.StopEngraving()
	var se *engraver.StepError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "stop", se.Step)
	assert.Nil(t, dev.Status().Session)
	assert.ErrorIs(t, dev.Home(), engraver.ErrNotConnected)
}

func TestDevice_SessionRules(t *testing.T) {
	dev := New(testOptions(), DefaultConfig())
	assert.ErrorIs(t, dev.Home(), engraver.ErrNotConnected)
	assert.ErrorIs(t, dev.StartEngraving(coord.R(0, 0, 1, 1), 10, 10), engraver.ErrNotConnected)

	require.NoError(t, dev.Connect(nil))
	assert.ErrorIs(t, dev.EngraveLine([]byte{0}, 0), engraver.ErrNoSession)
	assert.ErrorIs(t, dev.StopEngraving(), engraver.ErrNoSession)
	assert.ErrorIs(t, dev.StartEngraving(coord.R(0, 0, 1, 1), 51, 10), frame.ErrRange)
	assert.ErrorIs(t, dev.StartEngraving(coord.R(0, 0, 0, 0), 10, 10), frame.ErrRange)

	require.NoError(t, dev.StartEngraving(coord.R(0, 0, 1, 1), 10, 10))
	assert.ErrorIs(t, dev.Home(), engraver.ErrSessionActive)
	assert.ErrorIs(t, dev.Center(), engraver.ErrSessionActive)
	assert.ErrorIs(t, dev.MoveRelative(1, 1), engraver.ErrSessionActive)
	assert.ErrorIs(t, dev.StartEngraving(coord.R(0, 0, 1, 1), 10, 10), engraver.ErrSessionActive)
	assert.ErrorIs(t, dev.EngraveLine([]byte{0}, engraver.MaxLines), frame.ErrRange)
	require.NoError(t, dev.SetFan(false))
	require.NoError(t, dev.StopEngraving())

	require.NoError(t, dev.Center())
	assert.Equal(t, coord.Point{X: 256, Y: 256}, dev.Status().Position)
	require.NoError(t, dev.Disconnect())
	assert.Equal(t, engraver.Disconnected, dev.Status().State)
}

func TestDevice_Preamble(t *testing.T) {
	fake := &fakeGrbl{}
	pipe := transport.NewPipe(fake.respond)
	cfg := DefaultConfig()
	cfg.PollInterval = 0
	cfg.BootWait = 0
	cfg.Preamble = gcode.MustParse("G0 F3000\nM4 S0")
	dev := New(testOptions(), cfg)
	defer dev.Disconnect()

	require.NoError(t, dev.Connect(pipe.Opener()))
	assert.Equal(t, []string{"G21G90\n", "M5\n", "G0F3000\n", "M4S0\n", "M9\n", "G90G0X0Y0\n", "G4P0\n"}, fake.lines())

	fake.mx.Lock()
	fake.reject = map[string]string{"M4": "error:20"}
	fake.mx.Unlock()
	err := dev.Connect(transport.NewPipe(fake.respond).Opener())
	var se *engraver.StepError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "preamble", se.Step)
}
