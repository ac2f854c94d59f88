//go:build !linux

package serial

import "github.com/ardnew/softimu/pkg"

// Probe is only implemented on Linux.
func Probe() ([]Port, error) {
	return nil, pkg.ErrNotSupported
}
