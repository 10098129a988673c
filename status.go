package vdisplay

import "github.com/pkg/errors"

// Error taxonomy for the buffer pipeline. Protocol misuse (calling a frame
// step out of order, requesting an unsupported composition type) surfaces as
// ErrInvalidOperation or ErrBadValue. Buffer-queue failures are created at the
// call site and wrapped with context. Invariant violations are fatal and never
// surface as errors.
var (
	ErrBadValue         = errors.New("bad value")
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrFrameOverwritten is returned by BeginFrame when a previous frame was
	// still in progress. The stale frame's buffers are recycled and the new
	// frame is begun anyway, but the caller can observe the protocol breach.
	ErrFrameOverwritten = errors.New("frame overwritten")

	ErrAbandoned           = errors.New("buffer queue abandoned")
	ErrNotConnected        = errors.New("surface not connected")
	ErrMaxDequeuedExceeded = errors.New("max dequeued buffer count exceeded")
	ErrNoBuffer            = errors.New("no buffer available")
	ErrBadBufferState      = errors.New("buffer not in expected state")
)
