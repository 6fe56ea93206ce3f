package http2

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
)

// StreamState is one of the RFC 7540 §5.1 stream states. Unlike the
// teacher's original (which only distinguished Idle/Reserved/Open/
// HalfClosed/Closed), HalfClosed is split into local/remote variants so a
// peer's own half-close can be told apart from the far end's.
type StreamState int8

const (
	StateIdle StreamState = iota
	StateReservedLocal
	StateReservedRemote
	StateOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

func (s StreamState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateReservedLocal:
		return "ReservedLocal"
	case StateReservedRemote:
		return "ReservedRemote"
	case StateOpen:
		return "Open"
	case StateHalfClosedLocal:
		return "HalfClosedLocal"
	case StateHalfClosedRemote:
		return "HalfClosedRemote"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

var streamPool = sync.Pool{
	New: func() interface{} {
		return &Stream{}
	},
}

// Stream tracks per-stream protocol state: its flow-control window, lifecycle
// state, and the header block being reassembled across HEADERS/CONTINUATION
// frames.
type Stream struct {
	id    uint32
	state StreamState
	data  interface{}

	// sendWindow/recvWindow are the two independent flow-control windows
	// RFC 7540 §6.9 requires per stream: bytes this side may still send,
	// and bytes the peer may still send us. Both are signed (may go
	// negative transiently, per §6.9.1) and updated atomically since the
	// writer and receive-side dispatcher touch them from different points
	// in the pipeline.
	sendWindow int64
	recvWindow int64

	scheme []byte

	ctx *fasthttp.RequestCtx

	startedAt time.Time

	// headersFinished is false while a HEADERS frame without END_HEADERS is
	// awaiting its CONTINUATION frames (REDESIGN: HEADERS/CONTINUATION
	// atomicity — only CONTINUATION frames for this stream are valid while
	// this is false).
	headersFinished     bool
	origType            FrameType
	previousHeaderBytes int // accumulated uncompressed header-list size so far
	headerBlockNum      int

	// headerBlock accumulates the HPACK-encoded header block fragment
	// across a HEADERS frame and any CONTINUATION frames that follow it,
	// since a single HPACK representation may straddle a frame boundary;
	// the whole concatenation is decoded only once END_HEADERS arrives.
	headerBlock []byte
}

// NewStream returns a fresh Stream (bypassing the pool; used by tests and
// any caller that needs a Stream outside the pooled hot path). window sets
// both the initial send and receive windows, per RFC 7540 §6.9.2.
func NewStream(id uint32, window int64) *Stream {
	return &Stream{id: id, state: StateIdle, sendWindow: window, recvWindow: window, startedAt: time.Now()}
}

// AcquireStream returns a pooled Stream initialized to StateIdle.
func AcquireStream(id uint32, window int64) *Stream {
	strm := streamPool.Get().(*Stream)
	strm.reset()
	strm.id = id
	strm.sendWindow = window
	strm.recvWindow = window
	strm.startedAt = time.Now()
	return strm
}

// ReleaseStream returns strm to the pool.
func ReleaseStream(strm *Stream) {
	streamPool.Put(strm)
}

func (strm *Stream) reset() {
	strm.id = 0
	strm.state = StateIdle
	strm.data = nil
	strm.sendWindow = 0
	strm.recvWindow = 0
	strm.scheme = strm.scheme[:0]
	strm.ctx = nil
	strm.startedAt = time.Time{}
	strm.headersFinished = false
	strm.origType = 0
	strm.previousHeaderBytes = 0
	strm.headerBlockNum = 0
	strm.headerBlock = strm.headerBlock[:0]
}

func (strm *Stream) ID() uint32 {
	return strm.id
}

func (strm *Stream) SetID(id uint32) {
	strm.id = id
}

func (strm *Stream) State() StreamState {
	return strm.state
}

func (strm *Stream) SetState(state StreamState) {
	strm.state = state
}

// IsHalfClosed reports whether either end closed its side of the stream.
func (strm *Stream) IsHalfClosed() bool {
	return strm.state == StateHalfClosedLocal || strm.state == StateHalfClosedRemote
}

func (strm *Stream) IsClosed() bool {
	return strm.state == StateClosed
}

// Window returns the stream's outbound (send) flow-control window: how many
// more DATA bytes this side may emit on the stream.
func (strm *Stream) Window() int64 {
	return atomic.LoadInt64(&strm.sendWindow)
}

func (strm *Stream) SetWindow(w int64) {
	atomic.StoreInt64(&strm.sendWindow, w)
}

// IncrWindow atomically adds delta to the stream's send window and returns
// the new value.
func (strm *Stream) IncrWindow(delta int64) int64 {
	return atomic.AddInt64(&strm.sendWindow, delta)
}

// RecvWindow returns the stream's inbound (receive) flow-control window: how
// many more DATA bytes the peer may send us before we must replenish it
// with a WINDOW_UPDATE.
func (strm *Stream) RecvWindow() int64 {
	return atomic.LoadInt64(&strm.recvWindow)
}

func (strm *Stream) SetRecvWindow(w int64) {
	atomic.StoreInt64(&strm.recvWindow, w)
}

// IncrRecvWindow atomically adds delta to the stream's receive window and
// returns the new value.
func (strm *Stream) IncrRecvWindow(delta int64) int64 {
	return atomic.AddInt64(&strm.recvWindow, delta)
}

func (strm *Stream) Data() interface{} {
	return strm.data
}

func (strm *Stream) SetData(v interface{}) {
	strm.data = v
}

// Ctx returns the fasthttp request/response pair bound to this stream by
// the connection's createStream.
func (strm *Stream) Ctx() *fasthttp.RequestCtx {
	return strm.ctx
}

func (strm *Stream) SetCtx(ctx *fasthttp.RequestCtx) {
	strm.ctx = ctx
}

func (strm *Stream) StartedAt() time.Time {
	return strm.startedAt
}

// AwaitingContinuation reports whether this stream's header block is still
// being reassembled (a HEADERS/PUSH_PROMISE frame arrived without
// END_HEADERS and no terminating CONTINUATION has been seen yet).
func (strm *Stream) AwaitingContinuation() bool {
	return !strm.headersFinished && strm.headerBlockNum > 0
}

// BeginHeaderBlock marks the start of a header block of the given origin
// frame type (HEADERS or PUSH_PROMISE).
func (strm *Stream) BeginHeaderBlock(origin FrameType) {
	strm.origType = origin
	strm.headersFinished = false
	strm.headerBlockNum++
	strm.previousHeaderBytes = 0
	strm.headerBlock = strm.headerBlock[:0]
}

// AppendHeaderBlock appends b, a HEADERS/CONTINUATION frame's raw header
// block fragment, to the header block being reassembled for this stream.
func (strm *Stream) AppendHeaderBlock(b []byte) {
	strm.headerBlock = append(strm.headerBlock, b...)
}

// HeaderBlock returns the full header block accumulated so far.
func (strm *Stream) HeaderBlock() []byte {
	return strm.headerBlock
}

// AddHeaderBytes accumulates n more uncompressed header-list bytes and
// reports whether the running total now exceeds max (0 = unlimited).
func (strm *Stream) AddHeaderBytes(n int, max uint32) bool {
	strm.previousHeaderBytes += n
	return max != 0 && strm.previousHeaderBytes > int(max)
}

// EndHeaderBlock marks the header block as fully reassembled.
func (strm *Stream) EndHeaderBlock() {
	strm.headersFinished = true
}

// Direction distinguishes a locally-sent frame from one received from the
// peer, since RFC 7540 §5.1's transition table depends on who sent what
// (e.g. which side reserved a pushed stream, which side half-closed first).
type Direction int8

const (
	DirSend Direction = iota
	DirRecv
)

// Advance applies the RFC 7540 §5.1 state-transition table for a frame
// travelling in dir: HEADERS opens an idle stream, PUSH_PROMISE reserves it,
// END_STREAM on any frame (HEADERS or DATA) half-closes or closes it, and
// RST_STREAM closes it. It does not itself
// validate that fr is legal in the current state (callers check that via
// verifyState before calling Advance); it only derives the next state.
func (strm *Stream) Advance(dir Direction, fr *FrameHeader) {
	if fr.Type() == FrameResetStream {
		strm.state = StateClosed
		return
	}

	endStream := fr.Flags().Has(FlagEndStream)

	switch strm.state {
	case StateIdle:
		switch fr.Type() {
		case FrameHeaders:
			switch {
			case endStream && dir == DirSend:
				strm.state = StateHalfClosedLocal
			case endStream && dir == DirRecv:
				strm.state = StateHalfClosedRemote
			default:
				strm.state = StateOpen
			}
		case FramePushPromise:
			if dir == DirSend {
				strm.state = StateReservedLocal
			} else {
				strm.state = StateReservedRemote
			}
		}
	case StateReservedLocal:
		if fr.Type() == FrameHeaders && dir == DirSend {
			strm.state = StateHalfClosedRemote
		}
	case StateReservedRemote:
		if fr.Type() == FrameHeaders && dir == DirRecv {
			strm.state = StateHalfClosedLocal
		}
	case StateOpen:
		if endStream {
			if dir == DirSend {
				strm.state = StateHalfClosedLocal
			} else {
				strm.state = StateHalfClosedRemote
			}
		}
	case StateHalfClosedLocal:
		if endStream && dir == DirRecv {
			strm.state = StateClosed
		}
	case StateHalfClosedRemote:
		if endStream && dir == DirSend {
			strm.state = StateClosed
		}
	case StateClosed:
	}
}
