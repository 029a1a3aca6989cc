package transport

import (
	"io"
	"sync"
)

// Pipe is an in-memory stream standing in for a device. Every Write is
// recorded and handed to Respond; whatever Respond returns is delivered to
// the reader. It is meant for tests and the simulator.
type Pipe struct {
	// Respond produces the device's reply to one write. A nil Respond or
	// a nil reply means the device stays silent.
	Respond func(p []byte) []byte

	mx       sync.Mutex
	writes   [][]byte
	writeErr error
	closed   bool

	reply chan []byte
	done  chan struct{}
	once  sync.Once
	rest  []byte
}

// NewPipe returns an open Pipe.
func NewPipe(respond func(p []byte) []byte) *Pipe {
	return &Pipe{
		Respond: respond,
		reply:   make(chan []byte, 64),
		done:    make(chan struct{}),
	}
}

// AckAll is a Respond func that acknowledges every write.
func AckAll(p []byte) []byte { return []byte{0x09} }

// Opener returns an Opener that hands out this Pipe.
func (p *Pipe) Opener() Opener {
	return func() (io.ReadWriteCloser, error) { return p, nil }
}

// SetRespond replaces the Respond func.
func (p *Pipe) SetRespond(fn func(p []byte) []byte) {
	p.mx.Lock()
	p.Respond = fn
	p.mx.Unlock()
}

// Inject delivers b to the reader as if the device had sent it unprompted.
func (p *Pipe) Inject(b ...byte) {
	select {
	case p.reply <- append([]byte(nil), b...):
	case <-p.done:
	}
}

// FailWrites makes every following Write return err. Pass nil to recover.
func (p *Pipe) FailWrites(err error) {
	p.mx.Lock()
	p.writeErr = err
	p.mx.Unlock()
}

// Writes returns a copy of everything written so far, one entry per Write.
func (p *Pipe) Writes() [][]byte {
	p.mx.Lock()
	defer p.mx.Unlock()
	res := make([][]byte, len(p.writes))
	copy(res, p.writes)
	return res
}

// Closed reports whether Close was called.
func (p *Pipe) Closed() bool {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.closed
}

func (p *Pipe) Write(b []byte) (int, error) {
	p.mx.Lock()
	if p.closed {
		p.mx.Unlock()
		return 0, io.ErrClosedPipe
	}
	if p.writeErr != nil {
		err := p.writeErr
		p.mx.Unlock()
		return 0, err
	}
	p.writes = append(p.writes, append([]byte(nil), b...))
	respond := p.Respond
	p.mx.Unlock()

	if respond != nil {
		if r := respond(b); len(r) > 0 {
			p.Inject(r...)
		}
	}
	return len(b), nil
}

func (p *Pipe) Read(b []byte) (int, error) {
	if len(p.rest) == 0 {
		select {
		case p.rest = <-p.reply:
		case <-p.done:
			return 0, io.EOF
		}
	}
	n := copy(b, p.rest)
	p.rest = p.rest[n:]
	return n, nil
}

func (p *Pipe) Close() error {
	p.once.Do(func() {
		p.mx.Lock()
		p.closed = true
		p.mx.Unlock()
		close(p.done)
	})
	return nil
}
