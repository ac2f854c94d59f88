package pkg

import (
	"errors"
	"fmt"
)

// Error classes. Every error surfaced by the streaming pipeline wraps exactly
// one of these, so callers can branch with errors.Is.
var (
	// ErrStartup indicates a device or stream could not be started.
	ErrStartup = errors.New("stream startup failed")

	// ErrSubmit indicates a submission could not be queued.
	ErrSubmit = errors.New("submission failed")

	// ErrCompletion indicates a completion carried a non-zero result code.
	ErrCompletion = errors.New("completion failed")

	// ErrResolve indicates a completion could not be mapped to a pool buffer.
	ErrResolve = errors.New("buffer resolve failed")

	// ErrDecode indicates a malformed buffer or an unsupported channel.
	ErrDecode = errors.New("decode failed")
)

// Specific conditions, wrapped together with one of the classes above.
var (
	// ErrDeviceNotReady indicates the device failed its readiness check.
	ErrDeviceNotReady = errors.New("device not ready")

	// ErrNoMemory indicates the buffer pool has no free slot.
	ErrNoMemory = errors.New("buffer pool exhausted")

	// ErrNoResources indicates no submission slot is available.
	ErrNoResources = errors.New("no submission slot available")

	// ErrBufferTooSmall indicates a request larger than the pool slot size.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrMalformed indicates buffer contents violate the data format.
	ErrMalformed = errors.New("malformed buffer")

	// ErrNotSupported indicates an unsupported channel, trigger or format.
	ErrNotSupported = errors.New("not supported")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrBusy indicates the device already services a stream.
	ErrBusy = errors.New("resource busy")

	// ErrCancelled indicates a cancelled submission or wait.
	ErrCancelled = errors.New("cancelled")

	// ErrIO indicates the hardware source failed.
	ErrIO = errors.New("i/o error")

	// ErrChecksum indicates a framed batch failed its CRC check.
	ErrChecksum = errors.New("frame checksum mismatch")

	// ErrClosed indicates the queue context was closed.
	ErrClosed = errors.New("queue closed")

	// ErrAlreadyRunning indicates a source or stream is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates a source or stream is not running.
	ErrNotRunning = errors.New("not running")
)

// Result is the completion result code, errno-style: zero is success and
// failures are negative.
type Result int32

// Completion result codes.
const (
	ResultOK        Result = 0
	ResultIO        Result = -5
	ResultNoMemory  Result = -12
	ResultBusy      Result = -16
	ResultInvalid   Result = -22
	ResultNoSupport Result = -134
	ResultCancelled Result = -125
)

// String returns a string representation of the result code.
func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultIO:
		return "io"
	case ResultNoMemory:
		return "nomem"
	case ResultBusy:
		return "busy"
	case ResultInvalid:
		return "invalid"
	case ResultNoSupport:
		return "notsup"
	case ResultCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("result(%d)", int32(r))
	}
}

// Err returns the sentinel error for the result code, or nil for ResultOK.
func (r Result) Err() error {
	switch r {
	case ResultOK:
		return nil
	case ResultNoMemory:
		return ErrNoMemory
	case ResultBusy:
		return ErrBusy
	case ResultInvalid:
		return ErrInvalidParameter
	case ResultNoSupport:
		return ErrNotSupported
	case ResultCancelled:
		return ErrCancelled
	default:
		return ErrIO
	}
}

// ResultOf converts an error to a completion result code.
func ResultOf(err error) Result {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, ErrNoMemory), errors.Is(err, ErrBufferTooSmall):
		return ResultNoMemory
	case errors.Is(err, ErrBusy):
		return ResultBusy
	case errors.Is(err, ErrInvalidParameter), errors.Is(err, ErrMalformed):
		return ResultInvalid
	case errors.Is(err, ErrNotSupported):
		return ResultNoSupport
	case errors.Is(err, ErrCancelled):
		return ResultCancelled
	default:
		return ResultIO
	}
}

// CompletionError reports a completion whose result code was non-zero.
// The code is carried unchanged from the producer side.
type CompletionError struct {
	Device string
	Result Result
}

// Error implements error.
func (e *CompletionError) Error() string {
	if e.Device == "" {
		return fmt.Sprintf("%v: result %d (%v)", ErrCompletion, int32(e.Result), e.Result)
	}
	return fmt.Sprintf("%v: %s: result %d (%v)", ErrCompletion, e.Device, int32(e.Result), e.Result)
}

// Is reports whether target is ErrCompletion or the sentinel for the code.
func (e *CompletionError) Is(target error) bool {
	if target == ErrCompletion {
		return true
	}
	return target != nil && target == e.Result.Err()
}
