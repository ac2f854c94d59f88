// Package prof records runtime/pprof profiles of a streaming session.
//
// Profiling is compiled in only with the "profile" build tag:
//
//	go build -tags profile ./cmd/imustream
//
// Without the tag every function is a no-op and [Start] rejects any
// requested profile with pkg.ErrNotSupported, so a flag asking for a
// profile never silently produces nothing.
//
// # Sessions
//
// The stream command wraps a run in a [Session]:
//
//	s, err := prof.Start(prof.Options{CPU: "cpu.prof", Heap: "heap.prof"})
//	if err != nil {
//	    return err
//	}
//	defer s.Stop()
//
// # HTTP
//
// [Register] mounts the net/http/pprof handlers under /debug/pprof/ on the
// metrics endpoint's mux.
package prof
