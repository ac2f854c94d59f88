//go:build !profile

package prof

import (
	"fmt"
	"io"
	"net/http"

	"github.com/ardnew/softimu/pkg"
)

// Profiling errors (defined for API compatibility but never returned by stubs).
var (
	ErrCPUProfileActive error
	ErrInvalidProfile   error
)

// Profile names a runtime/pprof profile.
type Profile string

// Profile type constants.
const (
	ProfileCPU       Profile = "cpu"
	ProfileHeap      Profile = "heap"
	ProfileAllocs    Profile = "allocs"
	ProfileGoroutine Profile = "goroutine"
	ProfileBlock     Profile = "block"
	ProfileMutex     Profile = "mutex"
)

// String returns the profile name.
func (p Profile) String() string {
	return string(p)
}

// Enabled reports whether profiling support is compiled in.
const Enabled = false

// StartCPU is a no-op when built without the "profile" tag.
func StartCPU(_ string) error { return nil }

// StopCPU is a no-op when built without the "profile" tag.
func StopCPU() {}

// IsCPUActive always returns false when built without the "profile" tag.
func IsCPUActive() bool { return false }

// Write is a no-op when built without the "profile" tag.
func Write(_ Profile, _ string) error { return nil }

// WriteTo is a no-op when built without the "profile" tag.
func WriteTo(_ Profile, _ io.Writer) error { return nil }

// Options selects what a Session records.
type Options struct {
	CPU           string
	Heap          string
	BlockRate     int
	MutexFraction int
}

// Session is empty when built without the "profile" tag.
type Session struct{}

// Start fails with pkg.ErrNotSupported when opt asks for any profile.
func Start(opt Options) (*Session, error) {
	if opt != (Options{}) {
		return nil, fmt.Errorf("%w: built without the profile tag", pkg.ErrNotSupported)
	}
	return &Session{}, nil
}

// Stop is a no-op when built without the "profile" tag.
func (s *Session) Stop() error { return nil }

// Register is a no-op when built without the "profile" tag.
func Register(_ *http.ServeMux) {}
