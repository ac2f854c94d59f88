// Package rtio implements a submission/completion queue pair backed by a
// fixed buffer pool, the transport between sensor drivers and the stream
// consumer.
//
// # Architecture
//
// A [Context] owns three fixed-size resources, all sized at construction:
//
//   - Submission slots: one per outstanding request ([Context.Prepare])
//   - Completion entries: preallocated records the producer fills and the
//     consumer hands back ([Context.ReleaseEvent])
//   - A [BufferPool]: byte slots that carry produced data
//
// Producers (drivers) call [Context.Produce] for each batch of data. The
// consumer drains completions with [Context.WaitNext], takes ownership of
// the data with [Context.ResolveBuffer], and gives both back:
//
//	cqe, err := q.WaitNext(ctx)
//	if err != nil {
//	    return err
//	}
//	if cqe.Result != pkg.ResultOK {
//	    q.ReleaseEvent(cqe)
//	    return &pkg.CompletionError{Result: cqe.Result}
//	}
//	buf, n, err := q.ResolveBuffer(cqe)
//	// ... decode buf.Bytes()[:n] ...
//	q.ReleaseBuffer(&buf)
//	q.ReleaseEvent(cqe)
//
// # Backpressure
//
// A producer reserves a completion entry before it takes a buffer, and
// blocks until the consumer releases one when every entry is in use. A
// stalled consumer therefore starves producers rather than growing memory,
// and a pool with more slots than completion entries never runs dry. A
// producer that does find the pool empty posts a [pkg.ResultNoMemory]
// completion instead of retrying.
//
// # Ownership
//
// A [Buffer] handle is consumed by [BufferPool.Release], which clears it.
// The handle that was released is empty, so releasing it again does nothing
// and reading it yields nil.
//
// # Zero-Allocation Design
//
// The pool arena, completion entries and submission table are allocated
// once in [NewContext]. The produce/consume hot path does not allocate.
package rtio
