package aehd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"
)

var (
	// ErrRetry maps the driver's transient retry condition. A single retry
	// is applied by callRetry; the run loop treats it as an interruption.
	ErrRetry = errors.New("aehd: driver requested retry")

	// ErrTooBig maps the driver's output-buffer-too-small condition.
	ErrTooBig = errors.New("aehd: output buffer too small")
)

// TransportError is any other driver failure, carrying the OS error code.
type TransportError struct {
	Code uint32
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("aehd: device control failed with code %#x", e.Code)
}

// Transport is one scope of the synchronous request/response channel to the
// kernel driver: device-global, per-VM, or per-vCPU, each backed by its own
// driver handle. A Transport may be used from any thread, but calls on a
// single handle are not reentrant.
type Transport interface {
	// Call issues a request and blocks until the driver responds. in and
	// out may be nil for requests without payload.
	Call(code uint32, in, out []byte) error

	// Scope wraps a handle returned by the driver (a created VM or vCPU)
	// in a Transport of the same family.
	Scope(handle uint64) Transport

	Close() error
}

// rawBytes exposes a wire struct as the byte slice the transport expects.
// The driver ABI structs are laid out to match the kernel side exactly.
func rawBytes[T any](v *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
}

// callRetry retries a request once when the driver reports the transient
// retry condition; anything else is surfaced to the caller.
func callRetry(t Transport, code uint32, in, out []byte) error {
	err := t.Call(code, in, out)
	if errors.Is(err, ErrRetry) {
		err = t.Call(code, in, out)
	}
	return err
}

// callInt issues a request whose only output is a 32-bit result.
func callInt(t Transport, code uint32, in []byte) (int, error) {
	var out [4]byte
	if err := callRetry(t, code, in, out[:]); err != nil {
		return 0, err
	}
	return int(int32(binary.LittleEndian.Uint32(out[:]))), nil
}

// callHandle issues a request whose only output is a driver handle.
func callHandle(t Transport, code uint32, in []byte) (uint64, error) {
	var out [8]byte
	if err := t.Call(code, in, out[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(out[:]), nil
}
