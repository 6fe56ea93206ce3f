package http2

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dventura/h2proto/http2utils"
)

// ErrTimeout reports a request that timed out. Conn applies no per-request
// timeout of its own, so no code path in this package returns it.
var ErrTimeout = fmt.Errorf("http2: request timed out")

// ConnOpts configures a client-side connection.
type ConnOpts struct {
	// PingInterval is how often to proactively ping the server. Zero
	// disables proactive pinging.
	PingInterval time.Duration

	// DisablePingChecking stops the connection from closing itself when
	// too many pings go unacknowledged.
	DisablePingChecking bool

	// OnDisconnect, if set, is called once the connection is closed for
	// any reason.
	OnDisconnect func(*Conn)

	// OnRTT, if set, is called with the measured round-trip time every
	// time one of this connection's pings is acknowledged.
	OnRTT func(time.Duration)
}

// Handshake performs the client side of the HTTP/2 connection preface: the
// client preface string (if requested), the client's SETTINGS frame and, when
// maxWin exceeds the RFC 7540 §6.9.2 default, a connection-level
// WINDOW_UPDATE raising the window to maxWin.
func Handshake(preface bool, bw *bufio.Writer, st *Settings, maxWin int32) error {
	if preface {
		if err := WritePreface(bw); err != nil {
			return err
		}
	}

	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)

	st2 := AcquireSettings()
	defer ReleaseSettings(st2)
	st.CopyTo(st2)
	fr.SetBody(st2)

	if _, err := fr.WriteTo(bw); err != nil {
		return err
	}

	if maxWin > int32(defaultWindowSize) {
		fr2 := AcquireFrameHeader()
		defer ReleaseFrameHeader(fr2)

		wu := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
		wu.SetIncrement(int(maxWin) - int(defaultWindowSize))
		fr2.SetBody(wu)

		if _, err := fr2.WriteTo(bw); err != nil {
			return err
		}
	}

	return bw.Flush()
}

// Conn is a client-side HTTP/2 connection: one TCP/TLS connection carrying
// any number of concurrent request/response exchanges.
type Conn struct {
	c net.Conn

	br *bufio.Reader
	bw *bufio.Writer

	enc *HPACK
	dec *HPACK

	nextID uint32

	// serverWindow is the connection-level send window: DATA bytes this
	// side may still emit across all streams. Per-stream send windows live
	// on each request's Ctx.
	serverWindow int64

	maxWindow     int32
	currentWindow int32

	// windowSignal wakes a writer blocked on an exhausted send window; the
	// read loop pokes it whenever a WINDOW_UPDATE arrives. done unblocks
	// those writers for good once the connection closes.
	windowSignal chan struct{}
	done         chan struct{}

	openStreams int32

	current Settings
	serverS Settings

	reqQueued sync.Map // uint32 stream id -> *Ctx

	// contStream is the id of the stream currently awaiting a CONTINUATION to
	// close its header block, or 0 if none. Touched only from readLoop's
	// goroutine, the sole reader of incoming frames.
	contStream uint32

	in  chan *Ctx
	out chan *FrameHeader

	pingInterval time.Duration
	unacks       int
	disableAcks  bool

	lastErr error

	onDisconnect func(*Conn)
	onRTT        func(time.Duration)

	closed uint64
}

// NewConn wraps c as a client-side HTTP/2 connection. Call Handshake before
// using it.
func NewConn(c net.Conn, opts ConnOpts) *Conn {
	cn := &Conn{
		c:            c,
		br:           bufio.NewReader(c),
		bw:           bufio.NewWriter(c),
		enc:          AcquireHPACK(),
		dec:          AcquireHPACK(),
		nextID:       1,
		in:           make(chan *Ctx, 128),
		out:          make(chan *FrameHeader, 128),
		windowSignal: make(chan struct{}, 1),
		done:         make(chan struct{}),
		pingInterval: opts.PingInterval,
		disableAcks:  opts.DisablePingChecking,
		onDisconnect: opts.OnDisconnect,
		onRTT:        opts.OnRTT,
	}

	cn.current = Settings{}
	cn.current.Reset()
	cn.serverS = Settings{}
	cn.serverS.Reset()

	cn.maxWindow = int32(cn.current.InitialWindowSize())
	cn.currentWindow = cn.maxWindow
	cn.serverWindow = int64(defaultWindowSize)

	return cn
}

// Dialer creates client Conns against a fixed address.
type Dialer struct {
	Addr         string
	TLSConfig    *tls.Config
	PingInterval time.Duration
}

func (d *Dialer) tryDial() (net.Conn, error) {
	cfg := d.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if len(cfg.NextProtos) == 0 {
		cfg2 := cfg.Clone()
		cfg2.NextProtos = []string{H2TLSProto}
		cfg = cfg2
	}

	c, err := tls.Dial("tcp", d.Addr, cfg)
	if err != nil {
		return nil, err
	}

	if err := c.Handshake(); err != nil {
		c.Close()
		return nil, err
	}

	if cs := c.ConnectionState(); cs.NegotiatedProtocol != H2TLSProto {
		c.Close()
		return nil, ErrServerSupport
	}

	return c, nil
}

// Dial connects, completes the HTTP/2 handshake and starts the connection's
// background goroutines.
func (d *Dialer) Dial(opts ConnOpts) (*Conn, error) {
	c, err := d.tryDial()
	if err != nil {
		return nil, err
	}

	if opts.PingInterval == 0 {
		opts.PingInterval = d.PingInterval
	}

	cn := NewConn(c, opts)
	if err := cn.Handshake(); err != nil {
		c.Close()
		return nil, err
	}

	return cn, nil
}

func (cn *Conn) SetOnDisconnect(f func(*Conn)) {
	cn.onDisconnect = f
}

func (cn *Conn) LastErr() error {
	return cn.lastErr
}

// Handshake sends the client preface and SETTINGS, reads the server's
// SETTINGS, and starts the read/write loops.
func (cn *Conn) Handshake() error {
	if err := Handshake(true, cn.bw, &cn.current, cn.maxWindow); err != nil {
		return err
	}

	fr, err := ReadFrameFrom(cn.br)
	if err != nil {
		return err
	}
	defer ReleaseFrameHeader(fr)

	st, ok := fr.Body().(*Settings)
	if !ok || st.IsAck() {
		return fmt.Errorf("http2: expected SETTINGS, got %d", fr.Type())
	}
	cn.handleSettings(st)

	go cn.writeLoop()
	go cn.readLoop()

	return nil
}

func (cn *Conn) CanOpenStream() bool {
	return atomic.LoadInt32(&cn.openStreams) < int32(cn.serverS.MaxConcurrentStreams())
}

func (cn *Conn) Closed() bool {
	return atomic.LoadUint64(&cn.closed) == 1
}

// Close sends a GOAWAY and tears down the transport.
func (cn *Conn) Close() error {
	if !atomic.CompareAndSwapUint64(&cn.closed, 0, 1) {
		return nil
	}

	close(cn.done)

	ga := AcquireFrame(FrameGoAway).(*GoAway)
	ga.SetCode(NoError)
	fr := AcquireFrameHeader()
	fr.SetBody(ga)

	select {
	case cn.out <- fr:
	default:
		ReleaseFrameHeader(fr)
	}

	err := cn.c.Close()

	if cn.onDisconnect != nil {
		cn.onDisconnect(cn)
	}

	return err
}

// Write queues r to be sent as a new request on this connection.
func (cn *Conn) Write(r *Ctx) {
	cn.in <- r
}

// WriteError marks an error as a transport write failure, which is fatal to
// the whole connection rather than to the one request that hit it.
type WriteError struct {
	err error
}

func (e *WriteError) Error() string {
	return e.err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.err
}

func (cn *Conn) finish(err error) {
	cn.lastErr = err
	cn.reqQueued.Range(func(_, v interface{}) bool {
		r := v.(*Ctx)
		select {
		case r.Err <- err:
		default:
		}
		return true
	})
	cn.Close()
}

func (cn *Conn) writeLoop() {
	var ticker *time.Timer
	var tickerC <-chan time.Time

	if cn.pingInterval > 0 {
		ticker = time.NewTimer(cn.pingInterval)
		tickerC = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case r, ok := <-cn.in:
			if !ok {
				return
			}
			if err := cn.writeRequest(r); err != nil {
				select {
				case r.Err <- err:
				default:
				}

				var we *WriteError
				if errors.As(err, &we) {
					cn.finish(we.err)
					return
				}
			}
		case fr, ok := <-cn.out:
			if !ok {
				return
			}
			_, err := fr.WriteTo(cn.bw)
			ReleaseFrameHeader(fr)
			if err == nil {
				err = cn.bw.Flush()
			}
			if err != nil {
				cn.finish(err)
				return
			}
		case <-tickerC:
			if !cn.disableAcks && cn.unacks > 2 {
				cn.finish(fmt.Errorf("http2: too many unacknowledged pings"))
				return
			}
			cn.writePing()
			cn.unacks++
			ticker.Reset(cn.pingInterval)
		}
	}
}

func (cn *Conn) writePing() {
	fr := AcquireFrameHeader()
	ping := AcquireFrame(FramePing).(*Ping)
	ping.SetCurrentTime()
	fr.SetBody(ping)

	select {
	case cn.out <- fr:
	default:
		ReleaseFrameHeader(fr)
	}
}

func (cn *Conn) handleSettings(st *Settings) {
	prevWin := int64(cn.serverS.InitialWindowSize())

	st.CopyTo(&cn.serverS)
	cn.enc.SetMaxTableSize(int(cn.serverS.HeaderTableSize()))

	// A change in INITIAL_WINDOW_SIZE retroactively moves every in-flight
	// stream's send window by the delta (RFC 7540 §6.9.2).
	if delta := int64(cn.serverS.InitialWindowSize()) - prevWin; delta != 0 {
		cn.reqQueued.Range(func(_, v interface{}) bool {
			atomic.AddInt64(&v.(*Ctx).window, delta)
			return true
		})
		cn.notifyWindow()
	}

	fr := AcquireFrameHeader()
	ack := AcquireFrame(FrameSettings).(*Settings)
	ack.SetAck(true)
	fr.SetBody(ack)

	select {
	case cn.out <- fr:
	default:
		ReleaseFrameHeader(fr)
	}
}

func (cn *Conn) handlePing(ping *Ping) {
	if ping.IsAck() {
		cn.unacks = 0

		if cn.onRTT != nil {
			var ts uint64
			for _, b := range ping.Data() {
				ts = ts<<8 | uint64(b)
			}
			cn.onRTT(time.Since(time.Unix(0, int64(ts))))
		}
		return
	}

	fr := AcquireFrameHeader()
	ping.SetAck(true)
	fr.SetBody(ping)

	select {
	case cn.out <- fr:
	default:
		ReleaseFrameHeader(fr)
	}
}

func (cn *Conn) readLoop() {
	var err error

	for err == nil {
		var fr *FrameHeader
		fr, err = ReadFrameFromWithSize(cn.br, cn.current.MaxFrameSize())
		if err != nil {
			// Frames of an unknown type are discarded (RFC 7540 §4.1),
			// unless they interrupt a HEADERS/CONTINUATION sequence.
			if err == ErrUnknowFrameType {
				if cn.contStream != 0 {
					err = NewGoAwayError(ProtocolError, "frame interleaved within a HEADERS/CONTINUATION sequence")
					break
				}
				err = nil
				continue
			}
			break
		}

		if cn.contStream != 0 && !(fr.Type() == FrameContinuation && fr.Stream() == cn.contStream) {
			err = NewGoAwayError(ProtocolError, "frame interleaved within a HEADERS/CONTINUATION sequence")
			ReleaseFrameHeader(fr)
			break
		}

		if fr.Stream() == 0 {
			err = cn.readNext(fr)
		} else {
			err = cn.readStream(fr)
		}

		ReleaseFrameHeader(fr)
	}

	if err == io.EOF {
		err = nil
	}

	// A connection-scoped protocol failure (bad padding, interleaved
	// continuation, window overflow) is announced with its code before the
	// transport goes down.
	var h2Err *Error
	if errors.As(err, &h2Err) && h2Err.IsConnError() {
		cn.writeGoAway(h2Err.Code(), h2Err.Error())
	}

	cn.finish(err)
}

func (cn *Conn) writeGoAway(code ErrorCode, message string) {
	ga := AcquireFrame(FrameGoAway).(*GoAway)
	ga.SetCode(code)
	ga.SetData([]byte(message))

	fr := AcquireFrameHeader()
	fr.SetBody(ga)

	select {
	case cn.out <- fr:
	default:
		ReleaseFrameHeader(fr)
	}
}

func (cn *Conn) readNext(fr *FrameHeader) error {
	switch fr.Type() {
	case FrameSettings:
		st := fr.Body().(*Settings)
		if !st.IsAck() {
			cn.handleSettings(st)
		}
	case FrameWindowUpdate:
		win := int64(fr.Body().(*WindowUpdate).Increment())
		if win == 0 {
			return NewGoAwayError(ProtocolError, "window increment of 0")
		}
		if atomic.AddInt64(&cn.serverWindow, win) > maxWindowSize {
			return NewGoAwayError(FlowControlError, "window is above limits")
		}
		cn.notifyWindow()
	case FramePing:
		cn.handlePing(fr.Body().(*Ping))
	case FrameGoAway:
		ga := fr.Body().(*GoAway)
		if ga.Code() == NoError {
			return io.EOF
		}
		return fmt.Errorf("goaway: %s: %s", ga.Code(), ga.Data())
	}

	return nil
}

func (cn *Conn) updateWindow(id uint32, n int64) {
	fr := AcquireFrameHeader()
	fr.SetStream(id)

	wu := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
	wu.SetIncrement(int(n))
	fr.SetBody(wu)

	select {
	case cn.out <- fr:
	default:
		ReleaseFrameHeader(fr)
	}
}

func (cn *Conn) readStream(fr *FrameHeader) error {
	v, ok := cn.reqQueued.Load(fr.Stream())
	if !ok {
		return nil
	}
	r := v.(*Ctx)

	switch fr.Type() {
	case FrameHeaders, FrameContinuation:
		r.headerBlock = append(r.headerBlock, fr.Body().(FrameWithHeaders).Headers()...)

		if fr.Flags().Has(FlagEndHeaders) {
			cn.contStream = 0
			if err := cn.readHeader(r); err != nil {
				return err
			}
			if fr.Flags().Has(FlagEndStream) {
				cn.finishStream(fr.Stream(), r, nil)
			}
		} else {
			cn.contStream = fr.Stream()
		}
	case FrameData:
		data := fr.Body().(*Data)
		r.Response.AppendBody(data.Data())

		n := int64(len(data.Data()))
		if n > 0 {
			cn.updateWindow(fr.Stream(), n)
			cn.updateWindow(0, n)
		}

		if data.EndStream() {
			cn.finishStream(fr.Stream(), r, nil)
		}
	case FrameResetStream:
		rst := fr.Body().(*RstStream)
		cn.finishStream(fr.Stream(), r, rst.Error())
	case FrameWindowUpdate:
		win := int64(fr.Body().(*WindowUpdate).Increment())
		if win == 0 {
			return NewGoAwayError(ProtocolError, "window increment of 0")
		}
		if atomic.AddInt64(&r.window, win) > maxWindowSize {
			return NewGoAwayError(FlowControlError, "window is above limits")
		}
		cn.notifyWindow()
	}

	return nil
}

func (cn *Conn) finishStream(id uint32, r *Ctx, err error) {
	cn.reqQueued.Delete(id)
	atomic.AddInt32(&cn.openStreams, -1)

	select {
	case r.Err <- err:
	default:
	}
}

// readHeader HPACK-decodes r's fully reassembled header block into
// r.Response, mapping the :status pseudo-header onto the status line.
func (cn *Conn) readHeader(r *Ctx) error {
	b := r.headerBlock

	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)

	for len(b) > 0 {
		var err error
		b, err = cn.dec.Next(hf, b)
		if err != nil {
			return err
		}

		k, v := hf.KeyBytes(), hf.ValueBytes()

		switch {
		case hf.IsPseudo():
			if string(k) == ":status" {
				n, _ := strconv.Atoi(hf.Value())
				r.Response.SetStatusCode(n)
			}
		default:
			if string(k) == "content-length" {
				n, _ := strconv.Atoi(hf.Value())
				r.Response.Header.SetContentLength(n)
			} else {
				r.Response.Header.AddBytesKV(k, v)
			}
		}
	}

	return nil
}

// writeRequest HPACK-encodes r.Request's pseudo-headers and regular headers
// into a HEADERS frame, followed by DATA frames carrying the body.
func (cn *Conn) writeRequest(r *Ctx) error {
	id := atomic.AddUint32(&cn.nextID, 2) - 2

	r.window = int64(cn.serverS.InitialWindowSize())
	cn.reqQueued.Store(id, r)
	atomic.AddInt32(&cn.openStreams, 1)

	h := AcquireFrame(FrameHeaders).(*Headers)
	fr := AcquireFrameHeader()
	fr.SetStream(id)

	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)

	req := r.Request

	hf.SetBytes(StringMethod, req.Header.Method())
	h.AppendHeaderField(cn.enc, hf, true)

	hf.SetBytes(StringPath, req.URI().RequestURI())
	h.AppendHeaderField(cn.enc, hf, true)

	hf.SetBytes(StringScheme, req.URI().Scheme())
	h.AppendHeaderField(cn.enc, hf, true)

	hf.SetBytes(StringAuthority, req.URI().Host())
	h.AppendHeaderField(cn.enc, hf, true)

	if ua := req.Header.UserAgent(); len(ua) > 0 {
		hf.SetBytes(StringUserAgent, ua)
		h.AppendHeaderField(cn.enc, hf, false)
	}

	req.Header.VisitAll(func(k, v []byte) {
		if skipRequestHeader(k) {
			return
		}

		hf.SetBytes(ToLower(append([]byte(nil), k...)), v)
		h.AppendHeaderField(cn.enc, hf, false)
	})

	body := req.Body()
	h.SetEndStream(len(body) == 0)
	h.SetEndHeaders(true)

	fr.SetBody(h)

	// The request's frames bypass the out queue and go straight to the
	// transport: this runs on the write loop goroutine (the transport's
	// single writer), and writeData may block on flow control below, which
	// must not strand its own frames behind an undrained queue.
	if err := cn.writeFrame(fr); err != nil {
		return err
	}

	if len(body) > 0 {
		return cn.writeData(r, id, body)
	}

	return nil
}

// writeFrame serializes fr straight to the transport and flushes it. Only
// the write loop goroutine may call it.
func (cn *Conn) writeFrame(fr *FrameHeader) error {
	_, err := fr.WriteTo(cn.bw)
	ReleaseFrameHeader(fr)
	if err == nil {
		err = cn.bw.Flush()
	}
	if err != nil {
		return &WriteError{err: err}
	}
	return nil
}

// connSpecificHeaders are hop-by-hop HTTP/1 headers that must not travel on
// an HTTP/2 connection (RFC 7540 §8.1.2.2). Host is mapped onto :authority
// and User-Agent is emitted explicitly ahead of the header visit, so both
// are skipped too.
var connSpecificHeaders = [][]byte{
	[]byte("Connection"),
	[]byte("Keep-Alive"),
	[]byte("Transfer-Encoding"),
	[]byte("Upgrade"),
	[]byte("Proxy-Connection"),
	[]byte("Host"),
	[]byte("User-Agent"),
}

func skipRequestHeader(k []byte) bool {
	for _, h := range connSpecificHeaders {
		if http2utils.EqualsFold(k, h) {
			return true
		}
	}
	return false
}

func (cn *Conn) notifyWindow() {
	select {
	case cn.windowSignal <- struct{}{}:
	default:
	}
}

// waitWindow blocks until both the request's stream window and the
// connection window admit at least one byte, returning how many of the
// caller's max bytes may be sent. Replenishment arrives through the read
// loop's WINDOW_UPDATE handling.
func (cn *Conn) waitWindow(r *Ctx, max int64) (int64, error) {
	for {
		avail := atomic.LoadInt64(&cn.serverWindow)
		if w := atomic.LoadInt64(&r.window); w < avail {
			avail = w
		}

		if avail > 0 {
			if avail > max {
				avail = max
			}
			return avail, nil
		}

		select {
		case <-cn.windowSignal:
		case <-cn.done:
			return 0, ErrConnClosed
		}
	}
}

// writeData emits body as DATA frames, never outrunning the stream or
// connection send windows: each chunk waits for window space, then debits
// both windows before it is queued.
func (cn *Conn) writeData(r *Ctx, id uint32, body []byte) error {
	step := int(cn.serverS.MaxFrameSize())
	if step <= 0 {
		step = 1 << 14
	}

	for sent := 0; sent < len(body); {
		n := len(body) - sent
		if n > step {
			n = step
		}

		win, err := cn.waitWindow(r, int64(n))
		if err != nil {
			return err
		}
		n = int(win)

		fr := AcquireFrameHeader()
		fr.SetStream(id)

		data := AcquireFrame(FrameData).(*Data)
		data.SetEndStream(sent+n == len(body))
		data.SetData(body[sent : sent+n])
		fr.SetBody(data)

		atomic.AddInt64(&r.window, int64(-n))
		atomic.AddInt64(&cn.serverWindow, int64(-n))

		if err := cn.writeFrame(fr); err != nil {
			return err
		}
		sent += n
	}

	return nil
}
