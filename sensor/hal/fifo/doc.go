// Package fifo implements a hal.Source over a Unix named pipe.
//
// Another process (a hardware bridge, a replay tool, or a test) writes
// framed batches into the pipe with [Writer]; the [Source] reassembles them
// with hal.Framer. Corrupt frames are dropped and counted, matching how a
// noisy serial link is treated.
//
// # Usage
//
//	src := fifo.New("/tmp/imustream/imu0")
//	if err := src.Init(ctx); err != nil {
//	    return err
//	}
//	defer src.Stop()
//	src.Start()
//
//	var batch hal.Batch
//	err := src.ReadBatch(ctx, &batch)
package fifo
