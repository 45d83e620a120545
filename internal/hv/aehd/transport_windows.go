//go:build windows

package aehd

import (
	"fmt"

	"golang.org/x/sys/windows"
)

const devicePath = `\\.\AEHD`

type deviceTransport struct {
	h windows.Handle
}

func openDevice() (Transport, error) {
	path, err := windows.UTF16PtrFromString(devicePath)
	if err != nil {
		return nil, fmt.Errorf("aehd: device path: %w", err)
	}

	h, err := windows.CreateFile(path,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		0, nil, windows.CREATE_ALWAYS, windows.FILE_ATTRIBUTE_NORMAL, 0)
	if err != nil {
		return nil, fmt.Errorf("aehd: open %s: %w", devicePath, err)
	}

	return &deviceTransport{h: h}, nil
}

func (t *deviceTransport) Call(code uint32, in, out []byte) error {
	var inPtr, outPtr *byte
	if len(in) > 0 {
		inPtr = &in[0]
	}
	if len(out) > 0 {
		outPtr = &out[0]
	}

	var returned uint32
	err := windows.DeviceIoControl(t.h, code, inPtr, uint32(len(in)),
		outPtr, uint32(len(out)), &returned, nil)
	if err == nil {
		return nil
	}

	switch err {
	case windows.ERROR_MORE_DATA:
		return ErrTooBig
	case windows.ERROR_RETRY:
		return ErrRetry
	}
	if errno, ok := err.(windows.Errno); ok {
		return &TransportError{Code: uint32(errno)}
	}
	return fmt.Errorf("aehd: device control %#x: %w", code, err)
}

func (t *deviceTransport) Scope(handle uint64) Transport {
	return &deviceTransport{h: windows.Handle(handle)}
}

func (t *deviceTransport) Close() error {
	if t.h == windows.InvalidHandle {
		return nil
	}
	err := windows.CloseHandle(t.h)
	t.h = windows.InvalidHandle
	if err != nil {
		return fmt.Errorf("aehd: close handle: %w", err)
	}
	return nil
}

// Open connects to the AEHD kernel driver and builds the accelerator
// context on top of it. There is at most one per process.
func Open(cfg Config) (*State, error) {
	dev, err := openDevice()
	if err != nil {
		return nil, err
	}

	return New(dev, cfg)
}
