package exchange

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotOpen is returned when no transport is open.
var ErrNotOpen = errors.New("transport not open")

// ErrMisuse marks errors caused by calling the API out of order.
// Nothing was written to the device when it is returned.
var ErrMisuse = errors.New("caller misuse")

// ErrBusy is returned when an exchange is started while another one is
// still waiting for its response.
var ErrBusy = fmt.Errorf("%w: exchange already in flight", ErrMisuse)

// WriteError wraps a failure to write a frame.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string { return "write failed: " + e.Err.Error() }
func (e *WriteError) Unwrap() error { return e.Err }

// TimeoutError is returned when no response arrived in time.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no response after %dms", e.Timeout.Milliseconds())
}

// UnexpectedResponseError is returned when the first byte received is not
// an ack.
type UnexpectedResponseError struct {
	Byte byte
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("unexpected response 0x%02x", e.Byte)
}
