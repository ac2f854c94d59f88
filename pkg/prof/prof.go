//go:build profile

package prof

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	rpprof "runtime/pprof"
	"sync"
)

// Profiling errors.
var (
	// ErrCPUProfileActive indicates CPU profiling is already active.
	ErrCPUProfileActive = errors.New("cpu profile already active")

	// ErrInvalidProfile indicates an invalid or unsupported profile type.
	ErrInvalidProfile = errors.New("invalid profile")
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
const Enabled = true

var (
	cpuMutex  sync.Mutex
	cpuFile   *os.File
	cpuActive bool
)

// StartCPU starts CPU profiling into the file at path.
// Returns [ErrCPUProfileActive] if CPU profiling is already active.
func StartCPU(path string) error {
	cpuMutex.Lock()
	defer cpuMutex.Unlock()

	if cpuActive {
		return ErrCPUProfileActive
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := rpprof.StartCPUProfile(f); err != nil {
		f.Close()
		return err
	}

	cpuFile = f
	cpuActive = true
	return nil
}

// StopCPU stops CPU profiling. It is safe to call when profiling is not
// active.
func StopCPU() {
	cpuMutex.Lock()
	defer cpuMutex.Unlock()

	if !cpuActive {
		return
	}
	rpprof.StopCPUProfile()
	if cpuFile != nil {
		cpuFile.Close()
		cpuFile = nil
	}
	cpuActive = false
}

// IsCPUActive reports whether CPU profiling is currently active.
func IsCPUActive() bool {
	cpuMutex.Lock()
	defer cpuMutex.Unlock()
	return cpuActive
}

// Write writes a snapshot profile to the file at path.
func Write(profile Profile, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return WriteTo(profile, f)
}

// WriteTo writes a snapshot profile to w in protobuf form. CPU profiles
// stream and are rejected with [ErrInvalidProfile].
func WriteTo(profile Profile, w io.Writer) error {
	if profile == ProfileCPU {
		return fmt.Errorf("%w: %s is not a snapshot profile", ErrInvalidProfile, profile)
	}
	p := rpprof.Lookup(string(profile))
	if p == nil {
		return fmt.Errorf("%w: %s", ErrInvalidProfile, profile)
	}
	if profile == ProfileHeap {
		runtime.GC()
	}
	return p.WriteTo(w, 0)
}

// Options selects what a Session records. Empty paths are skipped.
type Options struct {
	CPU  string // CPU profile, recorded for the whole session
	Heap string // Heap snapshot, written by Stop

	// Contention sampling rates for the block and mutex profiles; zero
	// leaves sampling off.
	BlockRate     int
	MutexFraction int
}

// Session records the profiles selected by Options between Start and
// Stop.
type Session struct {
	opt Options
	cpu bool
}

// Start begins a session.
func Start(opt Options) (*Session, error) {
	s := &Session{opt: opt}
	if opt.BlockRate > 0 {
		runtime.SetBlockProfileRate(opt.BlockRate)
	}
	if opt.MutexFraction > 0 {
		runtime.SetMutexProfileFraction(opt.MutexFraction)
	}
	if opt.CPU != "" {
		if err := StartCPU(opt.CPU); err != nil {
			return nil, err
		}
		s.cpu = true
	}
	return s, nil
}

// Stop ends CPU profiling and writes the heap snapshot.
func (s *Session) Stop() error {
	if s == nil {
		return nil
	}
	if s.cpu {
		StopCPU()
		s.cpu = false
	}
	if s.opt.Heap != "" {
		return Write(ProfileHeap, s.opt.Heap)
	}
	return nil
}

// Register mounts the pprof HTTP handlers under /debug/pprof/ on mux.
func Register(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}
