package http2

import "sync"

// FrameType identifies the type of an HTTP/2 frame.
//
// https://tools.ietf.org/html/rfc7540#section-4.1
type FrameType uint8

// FrameFlags holds the 8-bit flags field of a frame header.
type FrameFlags uint8

// Has reports whether f is set in flags.
func (flags FrameFlags) Has(f FrameFlags) bool {
	return flags&f == f
}

// Add returns flags with f set.
func (flags FrameFlags) Add(f FrameFlags) FrameFlags {
	return flags | f
}

// Frame is implemented by every frame payload type (Data, Headers, Priority, ...).
//
// A Frame is always reached through a FrameHeader, which carries the shared
// 9-byte header (length, type, flags, stream id).
type Frame interface {
	Type() FrameType
	Reset()
	Deserialize(fr *FrameHeader) error
	Serialize(fr *FrameHeader)
}

// A fresh Settings must carry the RFC 7540 §11.3 defaults, so a frame whose
// payload omits a parameter still reports the default for it; every other
// frame type starts from its zero value.
var framePools = [FrameContinuation + 1]*sync.Pool{
	FrameData:         {New: func() interface{} { return &Data{} }},
	FrameHeaders:      {New: func() interface{} { return &Headers{} }},
	FramePriority:     {New: func() interface{} { return &Priority{} }},
	FrameResetStream:  {New: func() interface{} { return &RstStream{} }},
	FrameSettings:     {New: func() interface{} { st := &Settings{}; st.Reset(); return st }},
	FramePushPromise:  {New: func() interface{} { return &PushPromise{} }},
	FramePing:         {New: func() interface{} { return &Ping{} }},
	FrameGoAway:       {New: func() interface{} { return &GoAway{} }},
	FrameWindowUpdate: {New: func() interface{} { return &WindowUpdate{} }},
	FrameContinuation: {New: func() interface{} { return &Continuation{} }},
}

// AcquireFrame returns a pooled Frame of the given type. kind must be one of
// the FrameData..FrameContinuation constants.
func AcquireFrame(kind FrameType) Frame {
	return framePools[kind].Get().(Frame)
}

// ReleaseFrame resets fr and returns it to its type's pool. A nil fr is a no-op.
func ReleaseFrame(fr Frame) {
	if fr == nil {
		return
	}

	fr.Reset()
	framePools[fr.Type()].Put(fr)
}
