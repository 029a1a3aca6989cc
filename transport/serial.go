package transport

import (
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/tarm/serial"
)

// SerialConfig describes a local serial port.
type SerialConfig struct {
	Name string
	Baud int

	// ReadTimeout bounds each blocking read so Close is noticed promptly.
	ReadTimeout time.Duration
}

// DefaultBaud is the rate engravers of this family ship with.
const DefaultBaud = 115200

// Serial returns an Opener for a local serial port.
func Serial(cfg SerialConfig) Opener {
	return func() (io.ReadWriteCloser, error) {
		if cfg.Name == "" {
			return nil, errors.New("transport: serial port name required")
		}
		if cfg.Baud == 0 {
			cfg.Baud = DefaultBaud
		}
		if cfg.ReadTimeout <= 0 {
			cfg.ReadTimeout = 100 * time.Millisecond
		}

		p, err := serial.OpenPort(&serial.Config{
			Name:        cfg.Name,
			Baud:        cfg.Baud,
			ReadTimeout: cfg.ReadTimeout,
		})
		if err != nil {
			return nil, err
		}
		// stale bytes from a previous session must not look like an ack
		_ = p.Flush()

		return &serialPort{p: p}, nil
	}
}

// serialPort hides read timeouts from the read pump: an expired read
// returns zero bytes and io.EOF, which is not the end of the stream.
type serialPort struct {
	p      *serial.Port
	closed int32
}

func (s *serialPort) Read(b []byte) (int, error) {
	for {
		n, err := s.p.Read(b)
		if atomic.LoadInt32(&s.closed) == 1 {
			return n, io.ErrClosedPipe
		}
		if n == 0 && (err == nil || err == io.EOF) {
			continue
		}
		if err == io.EOF {
			err = nil
		}
		return n, err
	}
}

func (s *serialPort) Write(b []byte) (int, error) { return s.p.Write(b) }

func (s *serialPort) Close() error {
	atomic.StoreInt32(&s.closed, 1)
	return s.p.Close()
}
