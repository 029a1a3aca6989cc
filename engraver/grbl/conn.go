package grbl

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/mastercactapus/lasergrave/exchange"
)

// bufferSize is the controller's serial receive buffer.
const bufferSize = 128

// ErrGrblReset will be returned from write methods if a reset is encountered
// before all commands are run.
var ErrGrblReset = errors.New("grbl reset")

// CommandError is an `error:N` response to a line.
type CommandError struct {
	Line string
	Code string
}

func (e *CommandError) Error() string {
	return "grbl rejected " + strings.TrimSpace(e.Line) + ": " + e.Code
}

type ack struct {
	err error
}

// Conn represents a direct connection to a Grbl controller. Lines are
// streamed using character counting: as many lines are in flight as fit
// in the controller's receive buffer.
type Conn struct {
	rw io.ReadWriter

	readBuf []byte
	scan    *bufio.Scanner
	ackCh   chan ack
	resetCh chan struct{}
	closeCh chan struct{}

	closeOnce sync.Once
	mx        sync.Mutex
	wMx       sync.Mutex

	deviceBuf int
	lines     []string

	wroteLines int64
	readLines  int64
}

// NewConn creates a new Conn using the provided ReadWriter for data.
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{
		scan:    bufio.NewScanner(rw),
		rw:      rw,
		ackCh:   make(chan ack, bufferSize),
		resetCh: make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
}

// Close will abort any in-progress writes and close the
// underlying ReadWriter, if it implements io.Closer.
func (c *Conn) Close() (err error) {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		if closer, ok := c.rw.(io.Closer); ok {
			err = closer.Close()
		}
	})
	return err
}

// Done is closed by Close.
func (c *Conn) Done() <-chan struct{} { return c.closeCh }

func (c *Conn) closed() bool {
	select {
	case <-c.closeCh:
		return true
	default:
		return false
	}
}

// WaitReset waits up to timeout for the controller's startup banner.
func (c *Conn) WaitReset(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-c.resetCh:
		return true
	case <-c.closeCh:
	case <-t.C:
	}
	return false
}

func (c *Conn) recordBufferSpace(line string) int64 {
	c.deviceBuf += len(line)
	c.wroteLines++
	c.lines = append(c.lines, line)
	return c.wroteLines
}

func (c *Conn) clear() {
	c.deviceBuf = 0
	c.lines = nil
	c.readLines = c.wroteLines
}

func (c *Conn) waitForBufferSpace(n int, deadline <-chan time.Time, timeout time.Duration) error {
	for c.deviceBuf+n > bufferSize {
		err := c.next(deadline, timeout)
		if err != nil {
			return err
		}
	}

	return nil
}

// next waits for one acknowledgement. A banner with lines in flight
// means they were dropped by a reset.
func (c *Conn) next(deadline <-chan time.Time, timeout time.Duration) error {
	for {
		if c.closed() {
			return io.ErrClosedPipe
		}

		select {
		case <-c.closeCh:
			return io.ErrClosedPipe
		case <-c.resetCh:
			pending := len(c.lines) > 0
			c.clear()
			if pending {
				return ErrGrblReset
			}
		case a := <-c.ackCh:
			if len(c.lines) == 0 {
				continue
			}
			c.readLines++
			line := c.lines[0]
			c.deviceBuf -= len(line)
			c.lines = c.lines[1:]
			if a.err != nil {
				return &CommandError{Line: line, Code: a.err.Error()}
			}
			return nil
		case <-deadline:
			return &exchange.TimeoutError{Timeout: timeout}
		}
	}
}

func (c *Conn) waitForLine(id int64, deadline <-chan time.Time, timeout time.Duration) (err error) {
	for c.readLines < id {
		e := c.next(deadline, timeout)
		if e == nil {
			continue
		}
		var ce *CommandError
		if !errors.As(e, &ce) {
			return e
		}
		if err == nil {
			err = e
		}
	}
	return err
}

// writeLine will block until line has been written to the device in full.
//
// It returns the line index.
func (c *Conn) writeLine(line string, deadline <-chan time.Time, timeout time.Duration) (id int64, err error) {
	err = c.waitForBufferSpace(len(line), deadline, timeout)
	if err != nil {
		return 0, err
	}
	c.mx.Lock()
	_, err = io.WriteString(c.rw, line)
	c.mx.Unlock()
	if err != nil {
		return 0, &exchange.WriteError{Err: err}
	}
	return c.recordBufferSpace(line), nil
}

func splitLinesKeepN(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, data[:i+1], nil
	}
	if atEOF {
		return len(data), append(append([]byte(nil), data...), '\n'), nil
	}
	return 0, nil, nil
}

// Send streams the lines of r and returns once every line is acknowledged.
// The whole call is limited to timeout; zero waits forever. The first
// rejected line is reported after the rest finish.
func (c *Conn) Send(r io.Reader, timeout time.Duration) (n int64, err error) {
	c.wMx.Lock()
	defer c.wMx.Unlock()
	if c.closed() {
		return 0, io.ErrClosedPipe
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	scanner := bufio.NewScanner(r)
	scanner.Split(splitLinesKeepN)

	lastID := c.wroteLines
	for scanner.Scan() {
		line := scanner.Text()
		lastID, err = c.writeLine(line, deadline, timeout)
		if err != nil {
			return n, err
		}
		n += int64(len(line))
	}
	if err := scanner.Err(); err != nil {
		return n, err
	}

	return n, c.waitForLine(lastID, deadline, timeout)
}

// ReadFrom returns after all lines have been sent and executed.
func (c *Conn) ReadFrom(r io.Reader) (int64, error) {
	return c.Send(r, 0)
}

// Write will return after all lines have been sent and executed.
func (c *Conn) Write(p []byte) (int, error) {
	n, err := c.Send(bytes.NewReader(p), 0)
	return int(n), err
}

// WriteByte will write directly to the device without
// accounting for buffering.
//
// Use for realtime commands like `?`.
func (c *Conn) WriteByte(p byte) (err error) {
	if c.closed() {
		return io.ErrClosedPipe
	}
	c.mx.Lock()
	_, err = c.rw.Write([]byte{p})
	c.mx.Unlock()
	return err
}

// Read will read the next line from the device. Acknowledgements and
// startup banners are handed to the writer as a side effect.
func (c *Conn) Read(p []byte) (n int, err error) {
	if c.closed() {
		return 0, io.ErrClosedPipe
	}

	if c.readBuf != nil {
		if len(p) < len(c.readBuf) {
			return 0, io.ErrShortBuffer
		}
		n = copy(p, c.readBuf)
		c.readBuf = nil
		return n, nil
	}
	if !c.scan.Scan() {
		if err := c.scan.Err(); err != nil {
			return 0, err
		}
		return 0, io.EOF
	}
	data := bytes.TrimSpace(c.scan.Bytes())

	switch {
	case bytes.Equal(data, []byte("ok")):
		c.ack(ack{})
	case bytes.HasPrefix(data, []byte("error:")):
		c.ack(ack{err: errors.New(string(data))})
	case bytes.HasPrefix(data, []byte("Grbl")):
		select {
		case c.resetCh <- struct{}{}:
		default:
		}
	}

	if len(p) < len(data) {
		c.readBuf = append([]byte(nil), data...)
		return 0, io.ErrShortBuffer
	}

	return copy(p, data), nil
}

func (c *Conn) ack(a ack) {
	select {
	case c.ackCh <- a:
	default:
		Logf("ERROR: grbl: unexpected acknowledgement dropped")
	}
}
