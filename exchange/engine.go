// Package exchange runs the one-command-at-a-time ack protocol: write a
// frame, then wait for either the first byte back or a timeout.
package exchange

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mastercactapus/lasergrave/frame"
)

// Logf is used for telemetry. Replace it to capture or mute output.
var Logf = log.Printf

// Port is the part of a transport the engine needs.
type Port interface {
	IsOpen() bool
	Write(p []byte) error
	Incoming() <-chan byte
	Discard() int
	Done() <-chan struct{}
}

// Stats are cumulative counters for one Engine.
type Stats struct {
	Exchanges   uint64 `json:"exchanges"`
	Acks        uint64 `json:"acks"`
	NonAcks     uint64 `json:"nonAcks"`
	Timeouts    uint64 `json:"timeouts"`
	WriteErrors uint64 `json:"writeErrors"`

	LastRoundTrip time.Duration `json:"lastRoundTrip"`
}

// Engine serializes exchanges on a single Port.
type Engine struct {
	port Port

	busy int32

	mx    sync.Mutex
	stats Stats
}

// New returns an Engine using port. A nil port is allowed; every
// exchange then fails with ErrNotOpen.
func New(port Port) *Engine {
	return &Engine{port: port}
}

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() Stats {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.stats
}

// Exchange writes f and waits for the response. It resolves exactly once:
//
//   - ack byte: (true, nil)
//   - any other byte: (false, *UnexpectedResponseError)
//   - nothing within timeout: (false, *TimeoutError)
//   - write failure: (false, *WriteError), without waiting
//   - transport lost while waiting: (false, ErrNotOpen)
//
// Only the first byte received after the write is consulted. Bytes left
// over from an earlier exchange are discarded before writing.
func (e *Engine) Exchange(f frame.Frame, timeout time.Duration) (bool, error) {
	if e.port == nil || !e.port.IsOpen() {
		return false, ErrNotOpen
	}
	if !atomic.CompareAndSwapInt32(&e.busy, 0, 1) {
		return false, ErrBusy
	}
	defer atomic.StoreInt32(&e.busy, 0)

	if n := e.port.Discard(); n > 0 {
		Logf("exchange: discarded %d stale byte(s) before %s", n, f.Op())
	}

	start := time.Now()
	t := time.NewTimer(timeout)
	defer t.Stop()

	e.count(func(s *Stats) { s.Exchanges++ })

	if err := e.port.Write(f); err != nil {
		e.count(func(s *Stats) { s.WriteErrors++ })
		return false, &WriteError{Err: err}
	}

	select {
	case b := <-e.port.Incoming():
		rtt := time.Since(start)
		if b != frame.Ack {
			e.count(func(s *Stats) { s.NonAcks++; s.LastRoundTrip = rtt })
			return false, &UnexpectedResponseError{Byte: b}
		}
		e.count(func(s *Stats) { s.Acks++; s.LastRoundTrip = rtt })
		return true, nil
	case <-e.port.Done():
		return false, ErrNotOpen
	case <-t.C:
		e.count(func(s *Stats) { s.Timeouts++ })
		return false, &TimeoutError{Timeout: timeout}
	}
}

func (e *Engine) count(fn func(s *Stats)) {
	e.mx.Lock()
	fn(&e.stats)
	e.mx.Unlock()
}
