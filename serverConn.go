package http2

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dventura/h2proto/http2utils"
	"github.com/valyala/bytebufferpool"
	"github.com/valyala/fasthttp"
)

type connState int32

const (
	connStateOpen connState = iota
	connStateClosed
)

// serverConn drives one HTTP/2 connection on the server side: the receive
// loop, the stream registry, and the channel-fed write loop. It owns its
// net.Conn exclusively, per the single-reader/single-writer concurrency
// model.
type serverConn struct {
	c net.Conn
	h fasthttp.RequestHandler

	br *bufio.Reader
	bw *bufio.Writer

	enc HPACK
	dec HPACK

	// lastID is the highest peer-initiated stream id processed so far;
	// used both to reject out-of-order stream ids and as GOAWAY's
	// last-stream-id.
	lastID uint32

	// clientWindow is the connection-level send window: how many more DATA
	// bytes this side may emit across all streams. Replenished by
	// WINDOW_UPDATE frames the client sends on stream 0, spent whenever this
	// side writes a DATA frame.
	clientWindow int64

	// currentWindow is the connection-level receive window: how many more
	// bytes the client may send us across all streams before we must
	// replenish it with our own stream-0 WINDOW_UPDATE. maxWindow is the
	// value it gets reset to.
	maxWindow     int32
	currentWindow int32

	writer chan *FrameHeader
	reader chan *FrameHeader

	// strms is the live stream registry. Appends/deletes are made only by
	// handleStreams (the single-mutator discipline), but handleSettings
	// (running on the readLoop goroutine) also needs to walk it to apply
	// RFC 7540 §6.9.2's retroactive INITIAL_WINDOW_SIZE adjustment, so
	// access to the slice header itself is guarded by strmsMu. Each
	// Stream's own send/recv window fields are already atomic, so the
	// adjustment itself needs no further locking.
	strms   Streams
	strmsMu sync.Mutex

	state connState
	// closeRef stores the last stream that was valid before sending a
	// GOAWAY, so in-flight streams opened before the GOAWAY can still
	// drain to completion.
	closeRef uint32

	maxRequestTime time.Duration
	pingInterval   time.Duration
	maxIdleTime    time.Duration

	st      Settings
	clientS Settings

	// windowSignal wakes a writer blocked on an exhausted send window; the
	// read loop pokes it whenever a WINDOW_UPDATE (stream or connection)
	// arrives. done unblocks those writers for good once the connection is
	// torn down.
	windowSignal chan struct{}
	done         chan struct{}

	// padData pads outgoing DATA frames to obscure response body lengths.
	padData bool

	pingTimer       *time.Timer
	maxRequestTimer *time.Timer
	maxIdleTimer    *time.Timer

	closer chan struct{}

	debug  bool
	logger fasthttp.Logger
}

func (sc *serverConn) closeIdleConn() {
	sc.writeGoAway(0, NoError, "connection has been idle for a long time")
	if sc.debug {
		sc.logger.Printf("Connection is idle. Closing\n")
	}
	close(sc.closer)
}

// Handshake reads and verifies the client preface, then sends the server's
// own SETTINGS frame.
func (sc *serverConn) Handshake() error {
	if err := ReadPreface(sc.br); err != nil {
		return err
	}
	return sendSettings(sc.bw, &sc.st)
}

func sendSettings(bw *bufio.Writer, st *Settings) error {
	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)

	st2 := AcquireSettings()
	st.CopyTo(st2)
	fr.SetBody(st2)

	if _, err := fr.WriteTo(bw); err != nil {
		return err
	}
	return bw.Flush()
}

// Serve runs the connection until the peer disconnects, a GOAWAY closes it,
// or an unrecoverable error occurs.
func (sc *serverConn) Serve() error {
	sc.closer = make(chan struct{}, 1)
	sc.windowSignal = make(chan struct{}, 1)
	sc.done = make(chan struct{})
	sc.maxRequestTimer = time.NewTimer(time.Hour)
	sc.maxRequestTimer.Stop()
	sc.clientWindow = int64(sc.clientS.InitialWindowSize())
	sc.maxWindow = int32(sc.st.InitialWindowSize())
	sc.currentWindow = sc.maxWindow

	if sc.maxIdleTime > 0 {
		sc.maxIdleTimer = time.AfterFunc(sc.maxIdleTime, sc.closeIdleConn)
	}
	if sc.pingInterval > 0 {
		sc.pingTimer = time.AfterFunc(sc.pingInterval, sc.sendPingAndSchedule)
	} else {
		sc.pingTimer = time.NewTimer(time.Hour)
		sc.pingTimer.Stop()
	}

	defer func() {
		if err := recover(); err != nil {
			sc.logger.Printf("Serve panicked: %s:\n%s\n", err, debug.Stack())
		}
	}()

	go func() {
		defer func() { _ = sc.c.Close() }()
		sc.writeLoop()
	}()

	go func() {
		sc.handleStreams()
		sc.pingTimer.Stop()
		close(sc.writer)
	}()

	defer close(sc.reader)

	var err error
	if err = sc.c.SetWriteDeadline(time.Time{}); err == nil {
		err = sc.c.SetReadDeadline(time.Time{})
	}
	if err != nil {
		return err
	}

	err = sc.readLoop()
	if errors.Is(err, io.EOF) {
		err = nil
	}

	close(sc.done)
	sc.close()

	return err
}

func (sc *serverConn) close() {
	sc.pingTimer.Stop()
	if sc.maxIdleTimer != nil {
		sc.maxIdleTimer.Stop()
	}
	sc.maxRequestTimer.Stop()
}

func (sc *serverConn) handlePing(ping *Ping) {
	fr := AcquireFrameHeader()
	ping.SetAck(true)
	fr.SetBody(ping)

	sc.writer <- fr
}

func (sc *serverConn) writePing() {
	fr := AcquireFrameHeader()

	ping := AcquireFrame(FramePing).(*Ping)
	ping.SetCurrentTime()

	fr.SetBody(ping)

	sc.writer <- fr
}

// continuationPending reports the stream, if any, whose header block is
// still open. readLoop runs on a different goroutine than handleStreams (the
// strms slice's sole mutator), so the slice header itself is read under
// strmsMu.
func (sc *serverConn) continuationPending() *Stream {
	sc.strmsMu.Lock()
	strm := sc.strms.anyAwaitingContinuation()
	sc.strmsMu.Unlock()
	return strm
}

func (sc *serverConn) checkFrameWithStream(fr *FrameHeader) error {
	if fr.Stream()&1 == 0 {
		return NewGoAwayError(ProtocolError, "invalid stream id")
	}

	switch fr.Type() {
	case FramePing:
		return NewGoAwayError(ProtocolError, "ping is carrying a stream id")
	case FramePushPromise:
		return NewGoAwayError(ProtocolError, "clients can't send push_promise frames")
	}

	return nil
}

func (sc *serverConn) readLoop() (err error) {
	defer func() {
		if err := recover(); err != nil {
			sc.logger.Printf("readLoop panicked: %s\n%s\n", err, debug.Stack())
		}
	}()

	var fr *FrameHeader

	for err == nil {
		fr, err = ReadFrameFromWithSize(sc.br, sc.clientS.MaxFrameSize())
		if err != nil {
			// Frames of an unknown type are discarded (RFC 7540 §4.1),
			// unless they interrupt a HEADERS/CONTINUATION sequence.
			if errors.Is(err, ErrUnknowFrameType) {
				if cont := sc.continuationPending(); cont != nil {
					sc.writeGoAway(0, ProtocolError, "frame interleaved within a HEADERS/CONTINUATION sequence")
				}
				err = nil
				continue
			}

			// A malformed frame (e.g. bad padding) is a connection error
			// announced via GOAWAY, not a silent drop.
			var h2Err *Error
			if errors.As(err, &h2Err) && h2Err.IsConnError() {
				sc.writeGoAway(0, h2Err.Code(), h2Err.Error())
			}

			break
		}

		if fr.Stream() != 0 {
			if err := sc.checkFrameWithStream(fr); err != nil {
				sc.writeError(nil, err)
			} else if fr.Type() == FrameWindowUpdate && sc.applyStreamWindowUpdate(fr) {
				ReleaseFrameHeader(fr)
			} else {
				sc.reader <- fr
			}

			continue
		}

		if cont := sc.continuationPending(); cont != nil {
			sc.writeGoAway(0, ProtocolError, "frame interleaved within a HEADERS/CONTINUATION sequence")
			ReleaseFrameHeader(fr)
			continue
		}

		switch fr.Type() {
		case FrameSettings:
			st := fr.Body().(*Settings)
			if !st.IsAck() {
				sc.handleSettings(st)
			}
		case FrameWindowUpdate:
			win := int64(fr.Body().(*WindowUpdate).Increment())
			switch {
			case win == 0:
				sc.writeGoAway(0, ProtocolError, "window increment of 0")
			case atomic.AddInt64(&sc.clientWindow, win) > maxWindowSize:
				sc.writeGoAway(0, FlowControlError, "window is above limits")
			default:
				sc.notifyWindow()
			}
		case FramePing:
			ping := fr.Body().(*Ping)
			if !ping.IsAck() {
				sc.handlePing(ping)
			}
		case FrameGoAway:
			ga := fr.Body().(*GoAway)
			if ga.Code() == NoError {
				err = io.EOF
			} else {
				err = fmt.Errorf("goaway: %s: %s", ga.Code(), ga.Data())
			}
		default:
			sc.writeGoAway(0, ProtocolError, "invalid frame on stream 0")
		}

		ReleaseFrameHeader(fr)
	}

	return
}

// handleStreams owns the stream registry and is the only goroutine allowed
// to mutate it, per the concurrency model.
func (sc *serverConn) handleStreams() {
	defer func() {
		if err := recover(); err != nil {
			sc.logger.Printf("handleStreams panicked: %s\n%s\n", err, debug.Stack())
		}
	}()

	var reqTimerArmed bool
	var openStreams int

	closedStrms := make(map[uint32]struct{})

	closeStream := func(strm *Stream) {
		if strm.origType == FrameHeaders {
			openStreams--
		}

		strmID := strm.ID()

		closedStrms[strmID] = struct{}{}
		sc.strmsMu.Lock()
		sc.strms.Del(strmID)
		sc.strmsMu.Unlock()

		if strm.ctx != nil {
			ctxPool.Put(strm.ctx)
		}
		ReleaseStream(strm)

		if sc.debug {
			sc.logger.Printf("Stream destroyed %d. Open streams: %d\n", strmID, openStreams)
		}
	}

loop:
	for {
		select {
		case <-sc.closer:
			break loop
		case <-sc.maxRequestTimer.C:
			reqTimerArmed = false

			deleteUntil := 0
			for _, strm := range sc.strms {
				if !time.Now().After(strm.StartedAt().Add(sc.maxRequestTime)) {
					break
				}
				deleteUntil++
			}

			for deleteUntil > 0 {
				strm := sc.strms[0]

				if sc.debug {
					sc.logger.Printf("Stream timed out: %d\n", strm.ID())
				}
				sc.writeReset(strm.ID(), CancelError)
				strm.SetState(StateClosed)
				closeStream(strm)

				deleteUntil--
			}

			if len(sc.strms) != 0 && sc.maxRequestTime > 0 {
				if strm := sc.strms.GetFirstOf(FrameHeaders); strm != nil {
					reqTimerArmed = true
					when := time.Until(strm.StartedAt().Add(sc.maxRequestTime))
					sc.maxRequestTimer.Reset(when)
				}
			}
		case fr, ok := <-sc.reader:
			if !ok {
				return
			}

			isClosing := atomic.LoadInt32((*int32)(&sc.state)) == int32(connStateClosed)

			var strm *Stream
			if fr.Stream() <= sc.lastID {
				strm = sc.strms.Search(fr.Stream())
			}

			if cont := sc.strms.anyAwaitingContinuation(); cont != nil &&
				!(fr.Type() == FrameContinuation && fr.Stream() == cont.ID()) {
				sc.writeError(cont, NewGoAwayError(ProtocolError, "frame interleaved within a HEADERS/CONTINUATION sequence"))
				continue
			}

			if strm == nil {
				if fr.Type() == FrameResetStream {
					if _, ok := closedStrms[fr.Stream()]; !ok {
						sc.writeGoAway(fr.Stream(), ProtocolError, "RST_STREAM on idle stream")
					}
					continue
				}

				if _, ok := closedStrms[fr.Stream()]; ok {
					if fr.Type() != FramePriority {
						sc.writeGoAway(fr.Stream(), StreamClosedError, "frame on closed stream")
					}
					continue
				}

				if openStreams >= int(sc.st.MaxConcurrentStreams()) || isClosing {
					sc.writeReset(fr.Stream(), RefusedStreamError)
					continue
				}

				if fr.Stream() < sc.lastID {
					sc.writeGoAway(fr.Stream(), ProtocolError, "stream ID is lower than the latest")
					continue
				}

				strm = AcquireStream(fr.Stream(), int64(sc.clientS.InitialWindowSize()))
				strm.SetRecvWindow(int64(sc.st.InitialWindowSize()))

				if fr.Type() == FrameHeaders {
					openStreams++
					sc.lastID = fr.Stream()

					// RFC 7540 §5.1.1: opening a new stream implicitly
					// closes every lower-id idle stream.
					for len(sc.strms) != 0 {
						nstrm := sc.strms[0]
						if nstrm.ID() < strm.ID() && nstrm.State() == StateIdle && nstrm.origType == FrameHeaders {
							nstrm.SetState(StateClosed)
							closeStream(nstrm)
							sc.writeReset(nstrm.ID(), CancelError)
							continue
						}
						break
					}
				}

				sc.strmsMu.Lock()
				sc.strms = append(sc.strms, strm)
				sc.strmsMu.Unlock()
				sc.createStream(fr.Type(), strm)

				if sc.debug {
					sc.logger.Printf("Stream %d created. Open streams: %d\n", strm.ID(), openStreams)
				}

				if !reqTimerArmed && sc.maxRequestTime > 0 {
					reqTimerArmed = true
					sc.maxRequestTimer.Reset(sc.maxRequestTime)
				}
			}

			if fr.Type() == FrameHeaders && sc.maxIdleTimer != nil {
				sc.maxIdleTimer.Reset(sc.maxIdleTime)
			}

			if err := sc.handleFrame(strm, fr); err != nil {
				sc.writeError(strm, err)
			} else {
				switch fr.Type() {
				case FrameHeaders, FrameData, FrameResetStream:
					strm.Advance(DirRecv, fr)
				}
			}

			switch strm.State() {
			case StateHalfClosedRemote:
				sc.handleEndRequest(strm)
				fallthrough
			case StateClosed:
				closeStream(strm)
			}

			ReleaseFrameHeader(fr)

			if isClosing {
				ref := atomic.LoadUint32(&sc.closeRef)
				if ref == 0 {
					break loop
				}

				for _, strm := range sc.strms {
					if strm.origType == FrameHeaders && strm.ID() <= ref {
						continue loop
					}
				}

				break loop
			}
		}
	}
}

func (sc *serverConn) writeReset(strm uint32, code ErrorCode) {
	r := AcquireFrame(FrameResetStream).(*RstStream)

	fr := AcquireFrameHeader()
	fr.SetStream(strm)
	fr.SetBody(r)

	r.SetCode(code)

	sc.writer <- fr

	if sc.debug {
		sc.logger.Printf("%s: Reset(stream=%d, code=%s)\n", sc.c.RemoteAddr(), strm, code)
	}
}

func (sc *serverConn) writeGoAway(strm uint32, code ErrorCode, message string) {
	ga := AcquireFrame(FrameGoAway).(*GoAway)

	fr := AcquireFrameHeader()

	ga.SetStream(sc.lastID)
	ga.SetCode(code)
	ga.SetData([]byte(message))

	fr.SetBody(ga)

	sc.writer <- fr

	if strm != 0 {
		atomic.StoreUint32(&sc.closeRef, sc.lastID)
	}

	atomic.StoreInt32((*int32)(&sc.state), int32(connStateClosed))

	if sc.debug {
		sc.logger.Printf("%s: GoAway(stream=%d, code=%s): %s\n", sc.c.RemoteAddr(), strm, code, message)
	}
}

func (sc *serverConn) writeError(strm *Stream, err error) {
	var streamErr *Error
	if !errors.As(err, &streamErr) {
		if strm != nil {
			sc.writeReset(strm.ID(), InternalError)
			strm.SetState(StateClosed)
		} else {
			sc.writeGoAway(0, InternalError, err.Error())
		}
		return
	}

	if streamErr.IsConnError() {
		strm2 := uint32(0)
		if strm != nil {
			strm2 = strm.ID()
		}
		sc.writeGoAway(strm2, streamErr.Code(), streamErr.Error())
	} else if strm != nil {
		sc.writeReset(strm.ID(), streamErr.Code())
	}

	if strm != nil {
		strm.SetState(StateClosed)
	}
}

var ctxPool = sync.Pool{
	New: func() interface{} {
		return &fasthttp.RequestCtx{}
	},
}

func (sc *serverConn) createStream(frameType FrameType, strm *Stream) {
	ctx := ctxPool.Get().(*fasthttp.RequestCtx)
	ctx.Request.Reset()
	ctx.Response.Reset()

	strm.BeginHeaderBlock(frameType)
	strm.SetCtx(ctx)
}

func (sc *serverConn) verifyState(strm *Stream, fr *FrameHeader) error {
	switch strm.State() {
	case StateIdle:
		if fr.Type() != FrameHeaders && fr.Type() != FramePriority {
			return NewGoAwayError(ProtocolError, "wrong frame on idle stream")
		}
	case StateHalfClosedRemote, StateClosed:
		if fr.Type() != FrameWindowUpdate && fr.Type() != FramePriority && fr.Type() != FrameResetStream {
			return NewGoAwayError(StreamClosedError, "frame on half-closed/closed stream")
		}
	}

	return nil
}

func (sc *serverConn) handleFrame(strm *Stream, fr *FrameHeader) error {
	if err := sc.verifyState(strm, fr); err != nil {
		return err
	}

	switch fr.Type() {
	case FrameHeaders, FrameContinuation:
		if fr.Type() == FrameContinuation && !strm.AwaitingContinuation() {
			return NewGoAwayError(ProtocolError, "unexpected CONTINUATION frame")
		}
		if fr.Type() == FrameHeaders && strm.AwaitingContinuation() {
			return NewGoAwayError(ProtocolError, "HEADERS interleaved before END_HEADERS")
		}

		strm.AppendHeaderBlock(fr.Body().(FrameWithHeaders).Headers())

		if fr.Flags().Has(FlagEndHeaders) {
			if err := sc.handleHeaderFrame(strm, strm.HeaderBlock()); err != nil {
				return err
			}
			strm.EndHeaderBlock()
			strm.Ctx().Request.URI().SetSchemeBytes(strm.scheme)
		}
	case FrameData:
		if !strm.headersFinished {
			return NewGoAwayError(ProtocolError, "DATA before END_HEADERS")
		}

		data := fr.Body().(*Data)
		n := int64(len(data.Data()))

		if strm.IncrRecvWindow(-n) < 0 {
			return NewResetStreamError(FlowControlError, "stream receive window exceeded")
		}
		if atomic.AddInt32(&sc.currentWindow, -int32(n)) < 0 {
			return NewGoAwayError(FlowControlError, "connection receive window exceeded")
		}

		strm.Ctx().Request.AppendBody(data.Data())

		if n > 0 {
			sc.updateWindow(strm, n)
			sc.updateConnWindow(n)
		}
	case FrameResetStream:
		if strm.State() == StateIdle {
			return NewGoAwayError(ProtocolError, "RST_STREAM on idle stream")
		}
	case FramePriority:
		pry, ok := fr.Body().(*Priority)
		if ok && pry.Stream() == strm.ID() {
			return NewGoAwayError(ProtocolError, "stream that depends on itself")
		}
	case FrameWindowUpdate:
		// Reached only when the frame raced the stream's registration and
		// fell through applyStreamWindowUpdate to the ordered dispatch.
		win := int64(fr.Body().(*WindowUpdate).Increment())
		if win == 0 {
			return NewGoAwayError(ProtocolError, "window increment of 0")
		}
		if strm.IncrWindow(win) > maxWindowSize {
			return NewResetStreamError(FlowControlError, "window is above limits")
		}
		sc.notifyWindow()
	default:
		return NewGoAwayError(ProtocolError, "invalid frame")
	}

	return nil
}

// handleHeaderFrame HPACK-decodes b, the full header block reassembled from
// a HEADERS frame and every CONTINUATION frame that followed it, mapping
// pseudo-headers onto the stream's request. All pseudo-headers must precede
// regular header fields (RFC 7540 §8.1.2.1); an unknown pseudo-header is a
// protocol error.
func (sc *serverConn) handleHeaderFrame(strm *Stream, b []byte) error {
	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)

	req := &strm.Ctx().Request
	seenRegular := false

	for len(b) > 0 {
		var err error
		b, err = sc.dec.Next(hf, b)
		if err != nil {
			return NewGoAwayError(CompressionError, err.Error())
		}

		if strm.AddHeaderBytes(hf.Size(), sc.st.MaxHeaderListSize()) {
			return NewResetStreamError(EnhanceYourCalmError, "header list too large")
		}

		k, v := hf.KeyBytes(), hf.ValueBytes()

		if !hf.IsPseudo() {
			seenRegular = true

			if bytes.EqualFold(k, StringContentLength) {
				n, _ := strconv.Atoi(hf.Value())
				req.Header.SetContentLength(n)
			} else {
				req.Header.AddBytesKV(k, v)
			}

			continue
		}

		if seenRegular {
			return NewGoAwayError(ProtocolError, "pseudo-header after regular header")
		}

		switch {
		case bytes.Equal(k, StringMethod):
			req.Header.SetMethodBytes(v)
		case bytes.Equal(k, StringPath):
			req.Header.SetRequestURIBytes(v)
		case bytes.Equal(k, StringScheme):
			strm.scheme = append(strm.scheme[:0], v...)
		case bytes.Equal(k, StringAuthority):
			req.Header.SetHostBytes(v)
			req.Header.AddBytesV("Host", v)
		default:
			return NewGoAwayError(ProtocolError, fmt.Sprintf("unknown pseudo-header %s", k))
		}
	}

	return nil
}

// handleEndRequest dispatches the fully-received request to the application
// handler and streams the response back as HEADERS + zero or more DATA.
func (sc *serverConn) handleEndRequest(strm *Stream) {
	ctx := strm.Ctx()
	ctx.Request.Header.SetProtocolBytes(StringHTTP2)

	sc.h(ctx)

	hasBody := ctx.Response.IsBodyStream() || len(ctx.Response.Body()) > 0

	fr := AcquireFrameHeader()
	fr.SetStream(strm.ID())

	h := AcquireFrame(FrameHeaders).(*Headers)
	h.SetEndHeaders(true)
	h.SetEndStream(!hasBody)

	fr.SetBody(h)

	encodeResponseHeaders(h, &sc.enc, &ctx.Response)

	strm.Advance(DirSend, fr)
	sc.writer <- fr

	if hasBody {
		if ctx.Response.IsBodyStream() {
			sc.writeBodyStream(strm, ctx.Response.BodyStream())
		} else {
			sc.writeData(strm, ctx.Response.Body())
		}
	}
}

// dataOverhead is the worst case a padded DATA payload grows by: the
// pad-length byte plus up to 255 padding octets. Padding counts against flow
// control too (RFC 7540 §6.9), so a padding writer debits this much extra.
const dataOverhead = 256

// dataStep is the largest DATA payload chunk this side may emit, leaving
// room for padding when it is enabled.
func (sc *serverConn) dataStep() (step int, overhead int64) {
	step = int(sc.clientS.MaxFrameSize())
	if sc.padData {
		step -= dataOverhead
		overhead = dataOverhead
	}
	if step <= 0 {
		step = 1
	}
	return step, overhead
}

// sendData frames chunk as one DATA frame, debiting both send windows.
// Callers have already reserved the window space through waitWindow. An
// empty END_STREAM frame is never padded: it consumes no window and may be
// sent without reserving any.
func (sc *serverConn) sendData(strm *Stream, chunk []byte, endStream bool) {
	pad := sc.padData && len(chunk) > 0

	fr := AcquireFrameHeader()
	fr.SetStream(strm.ID())

	data := AcquireFrame(FrameData).(*Data)
	data.SetEndStream(endStream)
	data.SetPadding(pad)
	data.SetData(chunk)
	fr.SetBody(data)

	n := int64(len(chunk))
	if pad {
		n += dataOverhead
	}
	strm.IncrWindow(-n)
	atomic.AddInt64(&sc.clientWindow, -n)

	if endStream {
		strm.Advance(DirSend, fr)
	}

	sc.writer <- fr
}

// writeBodyStream drains body in MaxFrameSize chunks without buffering the
// whole response in memory, unlike writeData which already holds body as a
// single slice. The staging buffer is pooled since this runs once per
// streamed response on the hot path. Every chunk waits on the stream and
// connection send windows before it is framed.
func (sc *serverConn) writeBodyStream(strm *Stream, body io.Reader) {
	step, overhead := sc.dataStep()

	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)

	bb.B = http2utils.Resize(bb.B, step)

	for {
		n, err := io.ReadFull(body, bb.B)
		last := err == io.EOF || err == io.ErrUnexpectedEOF
		if err != nil && !last {
			sc.writeReset(strm.ID(), InternalError)
			return
		}

		if n == 0 && !last {
			continue
		}

		for off := 0; off < n; {
			win := sc.waitWindow(strm, int64(n-off), overhead)
			if win <= 0 {
				return
			}
			m := int(win)

			sc.sendData(strm, bb.B[off:off+m], last && off+m == n)
			off += m
		}

		if last {
			if n == 0 {
				// EOF with nothing buffered still owes the END_STREAM frame.
				sc.sendData(strm, nil, true)
			}
			return
		}
	}
}

func (sc *serverConn) writeData(strm *Stream, body []byte) {
	step, overhead := sc.dataStep()

	for sent := 0; sent < len(body); {
		n := len(body) - sent
		if n > step {
			n = step
		}

		win := sc.waitWindow(strm, int64(n), overhead)
		if win <= 0 {
			return
		}
		n = int(win)

		sc.sendData(strm, body[sent:sent+n], sent+n == len(body))
		sent += n
	}
}

func (sc *serverConn) updateWindow(strm *Stream, n int64) {
	strm.IncrRecvWindow(n)

	fr := AcquireFrameHeader()
	fr.SetStream(strm.ID())

	wu := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
	wu.SetIncrement(int(n))
	fr.SetBody(wu)

	sc.writer <- fr
}

// updateConnWindow replenishes the connection-level receive window by n and
// tells the client about it via a stream-0 WINDOW_UPDATE.
func (sc *serverConn) updateConnWindow(n int64) {
	atomic.AddInt32(&sc.currentWindow, int32(n))

	fr := AcquireFrameHeader()

	wu := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
	wu.SetIncrement(int(n))
	fr.SetBody(wu)

	sc.writer <- fr
}

// applyStreamWindowUpdate applies a stream WINDOW_UPDATE directly on the
// read goroutine when its stream is already registered, so a writer blocked
// in waitWindow is replenished even while handleStreams is the one doing
// the (blocked) writing. A frame for a stream not yet (or no longer) in the
// registry is not consumed: it falls through to handleStreams' ordered
// dispatch, which owns idle/closed-stream policing. The registry lock is
// held for the whole application so the stream can't be reaped mid-update.
func (sc *serverConn) applyStreamWindowUpdate(fr *FrameHeader) bool {
	sc.strmsMu.Lock()
	defer sc.strmsMu.Unlock()

	strm := sc.strms.Search(fr.Stream())
	if strm == nil {
		return false
	}

	if cont := sc.strms.anyAwaitingContinuation(); cont != nil {
		sc.writeGoAway(0, ProtocolError, "frame interleaved within a HEADERS/CONTINUATION sequence")
		return true
	}

	win := int64(fr.Body().(*WindowUpdate).Increment())
	if win == 0 {
		sc.writeGoAway(fr.Stream(), ProtocolError, "window increment of 0")
		return true
	}

	if strm.IncrWindow(win) > maxWindowSize {
		sc.writeReset(strm.ID(), FlowControlError)
		return true
	}

	sc.notifyWindow()
	return true
}

func (sc *serverConn) notifyWindow() {
	select {
	case sc.windowSignal <- struct{}{}:
	default:
	}
}

// waitWindow blocks until both the stream and the connection send windows
// admit at least one byte beyond overhead (the worst-case padding a frame
// may add), then returns how many of the caller's max payload bytes fit.
// Returns 0 once the connection is torn down.
func (sc *serverConn) waitWindow(strm *Stream, max, overhead int64) int64 {
	for {
		avail := atomic.LoadInt64(&sc.clientWindow)
		if w := strm.Window(); w < avail {
			avail = w
		}

		if avail > overhead {
			if avail -= overhead; avail > max {
				avail = max
			}
			return avail
		}

		select {
		case <-sc.windowSignal:
		case <-sc.done:
			return 0
		}
	}
}

func (sc *serverConn) sendPingAndSchedule() {
	sc.writePing()
	sc.pingTimer.Reset(sc.pingInterval)
}

func (sc *serverConn) writeLoop() {
	buffered := 0

	for fr := range sc.writer {
		_, err := fr.WriteTo(sc.bw)
		if err == nil && (len(sc.writer) == 0 || buffered > 10) {
			err = sc.bw.Flush()
			buffered = 0
		} else if err == nil {
			buffered++
		}

		ReleaseFrameHeader(fr)

		if err != nil {
			sc.logger.Printf("ERROR: writeLoop: %s\n", err)
			return
		}
	}
}

// handleSettings applies a non-ACK SETTINGS frame and replies with an ACK.
// A change in INITIAL_WINDOW_SIZE retroactively adjusts every existing
// stream's send window by the delta, per RFC 7540 §6.9.2; if that pushes any
// stream's window past 2^31-1 the whole connection fails with
// FLOW_CONTROL_ERROR.
func (sc *serverConn) handleSettings(st *Settings) {
	prevInitial := int64(sc.clientS.InitialWindowSize())

	st.CopyTo(&sc.clientS)
	sc.enc.SetMaxTableSize(int(sc.clientS.HeaderTableSize()))

	// INITIAL_WINDOW_SIZE only moves per-stream windows; the connection-level
	// window is replenished exclusively through WINDOW_UPDATE (RFC 7540 §6.9.2).
	delta := int64(sc.clientS.InitialWindowSize()) - prevInitial
	if delta != 0 {
		if err := sc.adjustStreamWindows(delta); err != nil {
			sc.writeGoAway(0, FlowControlError, err.Error())
			return
		}
	}

	fr := AcquireFrameHeader()

	stRes := AcquireFrame(FrameSettings).(*Settings)
	stRes.SetAck(true)
	fr.SetBody(stRes)

	sc.writer <- fr
}

// adjustStreamWindows walks every currently tracked stream and adds delta to
// its send window. sc.strms is mutated only by handleStreams, but
// handleSettings runs on the readLoop goroutine, so the slice header itself
// is read under strmsMu; each Stream's window field is already atomic, so no
// further synchronization is needed to update it.
func (sc *serverConn) adjustStreamWindows(delta int64) error {
	sc.strmsMu.Lock()
	strms := sc.strms
	sc.strmsMu.Unlock()

	for _, strm := range strms {
		if strm.IsClosed() {
			continue
		}
		if w := strm.IncrWindow(delta); w > maxWindowSize {
			return fmt.Errorf("SETTINGS_INITIAL_WINDOW_SIZE change overflows stream %d's window", strm.ID())
		}
	}

	return nil
}

func encodeResponseHeaders(dst *Headers, hp *HPACK, res *fasthttp.Response) {
	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)

	hf.SetKeyBytes(StringStatus)
	hf.SetValue(strconv.FormatInt(int64(res.Header.StatusCode()), 10))
	dst.AppendHeaderField(hp, hf, true)

	if !res.IsBodyStream() {
		res.Header.SetContentLength(len(res.Body()))
	}
	res.Header.Del("Connection")
	res.Header.Del("Keep-Alive")
	res.Header.Del("Transfer-Encoding")
	res.Header.Del("Upgrade")
	res.Header.Del("Proxy-Connection")

	res.Header.VisitAll(func(k, v []byte) {
		hf.SetBytes(ToLower(append([]byte(nil), k...)), v)
		dst.AppendHeaderField(hp, hf, false)
	})
}
