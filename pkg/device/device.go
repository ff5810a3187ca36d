// Package device declares the capabilities the capture core calls into.
// Implementations own the hardware; the core only owns the lifetimes.
package device

import (
	"context"
	"image"
	"io"

	"snapcam/pkg/types"
)

// FrameSource is anything a frame can be sampled from.
type FrameSource interface {
	// Size reports the native width and height at call time.
	Size() (width, height int)
}

// Stream is a live device stream. It owns camera tracks until released.
type Stream interface {
	FrameSource
	ID() string
	Config() types.StreamConfig
}

// StreamDevice acquires and releases live streams.
//
// AcquireStream should honour ctx, but callers must not rely on it: a stream
// returned after ctx is done still has to be released.
// ReleaseStream stops every track of the stream and is idempotent.
type StreamDevice interface {
	AcquireStream(ctx context.Context, cfg types.StreamConfig) (Stream, error)
	ReleaseStream(s Stream)
}

// Exclusive is implemented by devices that cannot open a camera while a
// stream on it is live. When Exclusive reports true the held stream is
// released before a replacement is acquired, and acquisitions run one at a
// time.
type Exclusive interface {
	Exclusive() bool
}

// FrameSampler takes a synchronous snapshot of the current frame.
type FrameSampler interface {
	SampleFrame(src FrameSource, width, height int) (image.Image, error)
}

// PhotoTaker asks the device for a native still, bypassing frame sampling.
type PhotoTaker interface {
	RequestPhoto(ctx context.Context, s Stream) (*Blob, error)
}

// Artifact is a displayable capture result.
type Artifact interface {
	ContentType() string
	Encode(w io.Writer) error
}

// Blob is an encoded photo returned by the device.
type Blob struct {
	Data []byte
	MIME string
}

func (b *Blob) ContentType() string {
	if b.MIME == "" {
		return "application/octet-stream"
	}
	return b.MIME
}

func (b *Blob) Encode(w io.Writer) error {
	_, err := w.Write(b.Data)
	return err
}
