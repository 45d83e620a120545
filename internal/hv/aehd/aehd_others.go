//go:build !windows

package aehd

import "github.com/tinyrange/vmaccel/internal/hv"

// Open fails on platforms without the AEHD kernel driver. The rest of the
// package stays platform-independent so the core can be exercised against
// a fake transport.
func Open(cfg Config) (*State, error) {
	return nil, hv.ErrAcceleratorUnsupported
}
