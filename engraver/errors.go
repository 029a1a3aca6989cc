package engraver

import (
	"errors"
	"fmt"

	"github.com/mastercactapus/lasergrave/exchange"
)

var (
	// ErrNotConnected is returned by operations that need a connection.
	ErrNotConnected = fmt.Errorf("%w: device not connected", exchange.ErrMisuse)

	// ErrNoSession is returned by EngraveLine and StopEngraving outside
	// an engrave session.
	ErrNoSession = fmt.Errorf("%w: no active engrave session", exchange.ErrMisuse)

	// ErrSessionActive is returned when an operation is not allowed
	// while engraving.
	ErrSessionActive = fmt.Errorf("%w: engrave session active", exchange.ErrMisuse)

	// ErrTransportRequired is returned by Connect when a variant needs a
	// transport and none was given.
	ErrTransportRequired = fmt.Errorf("%w: transport required", exchange.ErrMisuse)
)

// StepError identifies which command of a multi-step operation failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return e.Step + ": " + e.Err.Error() }
func (e *StepError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is (or wraps) a response timeout.
func IsTimeout(err error) bool {
	var te *exchange.TimeoutError
	return errors.As(err, &te)
}

// IsMisuse reports whether err was caused by calling the API out of order.
func IsMisuse(err error) bool {
	return errors.Is(err, exchange.ErrMisuse)
}
