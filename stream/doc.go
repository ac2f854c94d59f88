// Package stream consumes completions from a queue context and decodes
// them into per-channel samples.
//
// A [Dispatcher] owns the consumer side of one queue context. Each step
// moves through a fixed sequence of states:
//
//	AwaitCompletion -> ComputeFrameCounts -> DecodeChannels -> Release
//	       |                  |                    |
//	       +------------------+--------------------+--> Aborted
//
// The completion entry is released as soon as its buffer is resolved. The
// buffer is decoded once: frame counts for every configured channel are
// summed into a combined budget, subscribed discrete triggers are reported
// to the [Sink] before any sample, and channels are then decoded in fixed
// order (accel, gyro, temperature, magnetometer) in bounded batches until
// the budget is consumed. Only then is the buffer returned to the pool.
//
// Every failure is fatal to the session. A failed completion is reported as
// a *pkg.CompletionError with the producer's result code unchanged. A
// decode failure abandons the buffer without releasing it.
//
// Buffers carry their device as submission userdata, so one dispatcher
// serves every device streaming into the context, each with its own
// decoder and channel set.
package stream
