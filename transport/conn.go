// Package transport owns the byte link between the host and a device.
package transport

import (
	"errors"
	"io"
	"log"
	"sync"
)

// Logf is used for diagnostics. Replace it to capture or mute output.
var Logf = log.Printf

// ErrClosed is returned by Write after the Conn has been closed or its
// read side has failed.
var ErrClosed = errors.New("transport: closed")

// incomingBuffer bounds how many unread bytes a Conn holds.
// Devices answer a single byte per command, so this is generous.
const incomingBuffer = 4096

// An Opener opens the underlying byte stream.
type Opener func() (io.ReadWriteCloser, error)

// Conn wraps an open byte stream. A background read pump delivers every
// received byte on Incoming. The first read error closes the Conn.
type Conn struct {
	rwc io.ReadWriteCloser

	in   chan byte
	done chan struct{}

	wMx sync.Mutex

	mx        sync.Mutex
	err       error
	closed    bool
	closeOnce sync.Once
}

// Open calls open and starts the read pump.
func Open(open Opener) (*Conn, error) {
	if open == nil {
		return nil, errors.New("transport: no opener")
	}
	rwc, err := open()
	if err != nil {
		return nil, err
	}
	return NewConn(rwc), nil
}

// NewConn wraps an already open stream.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	c := &Conn{
		rwc:  rwc,
		in:   make(chan byte, incomingBuffer),
		done: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	buf := make([]byte, 256)
	for {
		n, err := c.rwc.Read(buf)
		for _, b := range buf[:n] {
			select {
			case c.in <- b:
			case <-c.done:
				return
			default:
				Logf("ERROR: transport: incoming buffer full, dropped 0x%02x", b)
			}
		}
		if err != nil {
			if c.IsOpen() {
				Logf("ERROR: transport: read: %v", err)
			}
			c.fail(err)
			return
		}
	}
}

// Incoming delivers received bytes in order.
func (c *Conn) Incoming() <-chan byte { return c.in }

// Done is closed once the Conn is no longer usable.
func (c *Conn) Done() <-chan struct{} { return c.done }

// IsOpen reports whether the Conn can still be written to.
func (c *Conn) IsOpen() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return !c.closed
}

// Err returns the read error that closed the Conn, if any.
func (c *Conn) Err() error {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.err
}

// Discard drops any unread bytes and returns how many were dropped.
func (c *Conn) Discard() (n int) {
	for {
		select {
		case <-c.in:
			n++
		default:
			return n
		}
	}
}

// Write writes all of p or returns an error.
func (c *Conn) Write(p []byte) error {
	if !c.IsOpen() {
		return ErrClosed
	}
	c.wMx.Lock()
	defer c.wMx.Unlock()

	for len(p) > 0 {
		n, err := c.rwc.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

func (c *Conn) fail(err error) {
	c.mx.Lock()
	if c.err == nil && !c.closed {
		c.err = err
	}
	c.mx.Unlock()
	c.shutdown()
}

func (c *Conn) shutdown() error {
	var err error
	c.closeOnce.Do(func() {
		c.mx.Lock()
		c.closed = true
		c.mx.Unlock()
		close(c.done)
		err = c.rwc.Close()
	})
	return err
}

// Close closes the underlying stream. It is safe to call more than once.
func (c *Conn) Close() error {
	return c.shutdown()
}
