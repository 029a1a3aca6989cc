package exchange

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mastercactapus/lasergrave/frame"
	"github.com/mastercactapus/lasergrave/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() { Logf = func(string, ...interface{}) {} }

func newEngine(t *testing.T, respond func([]byte) []byte) (*Engine, *transport.Pipe, *transport.Conn) {
	p := transport.NewPipe(respond)
	c := transport.NewConn(p)
	t.Cleanup(func() { c.Close() })
	return New(c), p, c
}

func TestExchange_Ack(t *testing.T) {
	e, p, _ := newEngine(t, transport.AckAll)

	ok, err := e.Exchange(frame.Fixed(frame.OpConnect), 100*time.Millisecond)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, [][]byte{{10, 0, 4, 0}}, p.Writes())

	s := e.Stats()
	assert.EqualValues(t, 1, s.Exchanges)
	assert.EqualValues(t, 1, s.Acks)
}

func TestExchange_Timeout(t *testing.T) {
	e, _, _ := newEngine(t, nil)

	const timeout = 50 * time.Millisecond
	start := time.Now()
	ok, err := e.Exchange(frame.Fixed(frame.OpHome), timeout)
	elapsed := time.Since(start)

	assert.False(t, ok)
	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, timeout, te.Timeout)
	assert.Equal(t, "no response after 50ms", err.Error())
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+250*time.Millisecond)
	assert.EqualValues(t, 1, e.Stats().Timeouts)
}

func TestExchange_UnexpectedResponse(t *testing.T) {
	e, _, _ := newEngine(t, func([]byte) []byte { return []byte{0x01} })

	ok, err := e.Exchange(frame.Fixed(frame.OpFanOn), 100*time.Millisecond)
	assert.False(t, ok)
	var ue *UnexpectedResponseError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, byte(0x01), ue.Byte)
	assert.EqualValues(t, 1, e.Stats().NonAcks)
}

func TestExchange_OnlyFirstByteCounts(t *testing.T) {
	e, _, _ := newEngine(t, func([]byte) []byte { return []byte{0x09, 0x01, 0x01} })

	ok, err := e.Exchange(frame.Fixed(frame.OpFanOn), 100*time.Millisecond)
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestExchange_DiscardsStaleBytes(t *testing.T) {
	e, p, c := newEngine(t, nil)

	// a late reply to an exchange that already timed out
	p.Inject(0x09)
	assert.Eventually(t, func() bool { return len(c.Incoming()) == 1 }, time.Second, time.Millisecond)

	ok, err := e.Exchange(frame.Fixed(frame.OpHome), 30*time.Millisecond)
	assert.False(t, ok)
	var te *TimeoutError
	assert.True(t, errors.As(err, &te))
}

func TestExchange_WriteFailure(t *testing.T) {
	e, p, _ := newEngine(t, transport.AckAll)
	boom := errors.New("unplugged")
	p.FailWrites(boom)

	start := time.Now()
	ok, err := e.Exchange(frame.Fixed(frame.OpStop), time.Second)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	var we *WriteError
	require.True(t, errors.As(err, &we))
	assert.ErrorIs(t, err, boom)
	assert.EqualValues(t, 1, e.Stats().WriteErrors)
}

func TestExchange_NotOpen(t *testing.T) {
	ok, err := New(nil).Exchange(frame.Fixed(frame.OpStop), time.Second)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNotOpen)

	e, p, c := newEngine(t, transport.AckAll)
	c.Close()
	ok, err = e.Exchange(frame.Fixed(frame.OpStop), time.Second)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.Empty(t, p.Writes())
}

func TestExchange_TransportLostWhileWaiting(t *testing.T) {
	p := transport.NewPipe(nil)
	c := transport.NewConn(p)
	e := New(c)

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Close()
	}()

	ok, err := e.Exchange(frame.Fixed(frame.OpHome), 5*time.Second)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestExchange_Busy(t *testing.T) {
	release := make(chan struct{})
	e, _, _ := newEngine(t, func([]byte) []byte {
		<-release
		return []byte{0x09}
	})

	var wg sync.WaitGroup
	wg.Add(1)
	var firstOK bool
	var firstErr error
	go func() {
		defer wg.Done()
		firstOK, firstErr = e.Exchange(frame.Fixed(frame.OpHome), time.Second)
	}()

	assert.Eventually(t, func() bool { return e.Stats().Exchanges == 1 }, time.Second, time.Millisecond)

	ok, err := e.Exchange(frame.Fixed(frame.OpCenter), time.Second)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, err, ErrMisuse)

	close(release)
	wg.Wait()
	assert.NoError(t, firstErr)
	assert.True(t, firstOK)
}
