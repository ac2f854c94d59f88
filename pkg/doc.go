// Package pkg provides shared utilities for the softimu streaming pipeline.
//
// This package contains common functionality used by the queue, sensor,
// and dispatch packages, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel errors for the pipeline's error classes
//   - Errno-style completion result codes
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with component context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	log := pkg.Logger(pkg.ComponentIODev)
//	log.Debug("source opened", "device", "imu0")
//	pkg.LogInfo(pkg.ComponentDispatch, "decode pass", "device", "imu0", "frames", 12)
//
// # Errors
//
// Every pipeline error wraps one class sentinel ([ErrStartup], [ErrSubmit],
// [ErrCompletion], [ErrResolve], [ErrDecode]) and usually a specific
// condition such as [ErrNoMemory]:
//
//	if errors.Is(err, pkg.ErrDecode) {
//	    // producer/decoder contract violation, session is over
//	}
//
// A failed completion is reported as [*CompletionError], which keeps the
// producer's [Result] code unchanged:
//
//	var ce *pkg.CompletionError
//	if errors.As(err, &ce) {
//	    os.Exit(int(-ce.Result))
//	}
package pkg
