package http2

import (
	"bufio"
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
)

func TestHandshakeWireBytes(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)

	st := AcquireSettings()
	defer ReleaseSettings(st)

	if err := Handshake(true, bw, st, int32(defaultWindowSize)); err != nil {
		t.Fatal(err)
	}

	raw := buf.Bytes()
	if len(raw) < len(ClientPreface) {
		t.Fatalf("only %d bytes written", len(raw))
	}

	if !bytes.Equal(raw[:len(ClientPreface)], []byte(ClientPreface)) {
		t.Fatalf("preface mismatch: %x", raw[:len(ClientPreface)])
	}

	br := bufio.NewReader(bytes.NewReader(raw[len(ClientPreface):]))
	fr, err := ReadFrameFrom(br)
	if err != nil {
		t.Fatal(err)
	}
	defer ReleaseFrameHeader(fr)

	if fr.Type() != FrameSettings {
		t.Fatalf("got %v. Expected SETTINGS right after the preface", fr.Type())
	}
	if fr.Stream() != 0 {
		t.Fatalf("got stream %d. Expected 0", fr.Stream())
	}
	if fr.Flags() != 0 {
		t.Fatalf("got flags %08b. Expected none", fr.Flags())
	}
}

// pipeConn starts a client Conn over one end of a net.Pipe, skipping the
// wire handshake so the test's fake server doesn't have to speak SETTINGS.
func pipeConn(t *testing.T) (*Conn, net.Conn) {
	t.Helper()

	clientEnd, serverEnd := net.Pipe()
	t.Cleanup(func() {
		clientEnd.Close()
		serverEnd.Close()
	})

	cn := NewConn(clientEnd, ConnOpts{})
	go cn.writeLoop()
	go cn.readLoop()

	return cn, serverEnd
}

func newGETCtx(path string) *Ctx {
	req := fasthttp.AcquireRequest()
	res := fasthttp.AcquireResponse()
	req.Header.SetMethod("GET")
	req.SetRequestURI("https://example.com" + path)

	return AcquireCtx(req, res)
}

func TestConnStreamIDSequence(t *testing.T) {
	cn, serverEnd := pipeConn(t)

	for i := 0; i < 10; i++ {
		cn.Write(newGETCtx("/"))
	}

	br := bufio.NewReader(serverEnd)
	expected := uint32(1)

	for i := 0; i < 10; i++ {
		fr, err := ReadFrameFrom(br)
		if err != nil {
			t.Fatal(err)
		}

		if fr.Type() != FrameHeaders {
			t.Fatalf("frame %d: got %v. Expected HEADERS", i, fr.Type())
		}
		if fr.Stream() != expected {
			t.Fatalf("frame %d: got stream %d. Expected %d", i, fr.Stream(), expected)
		}
		if !fr.Flags().Has(FlagEndStream) || !fr.Flags().Has(FlagEndHeaders) {
			t.Fatalf("frame %d: got flags %08b. Expected END_STREAM|END_HEADERS on a bodyless GET", i, fr.Flags())
		}

		expected += 2
		ReleaseFrameHeader(fr)
	}
}

func TestConnResetStreamRejectsPending(t *testing.T) {
	cn, serverEnd := pipeConn(t)

	r := newGETCtx("/slow")
	cn.Write(r)

	br := bufio.NewReader(serverEnd)
	fr, err := ReadFrameFrom(br)
	if err != nil {
		t.Fatal(err)
	}
	streamID := fr.Stream()
	ReleaseFrameHeader(fr)

	rst := AcquireFrame(FrameResetStream).(*RstStream)
	rst.SetCode(CancelError)
	out := AcquireFrameHeader()
	out.SetStream(streamID)
	out.SetBody(rst)

	bw := bufio.NewWriter(serverEnd)
	if _, err := out.WriteTo(bw); err != nil {
		t.Fatal(err)
	}
	if err := bw.Flush(); err != nil {
		t.Fatal(err)
	}
	ReleaseFrameHeader(out)

	select {
	case err := <-r.Err:
		var h2err *Error
		if !errors.As(err, &h2err) {
			t.Fatalf("got %v. Expected a typed stream error", err)
		}
		if h2err.Code() != CancelError {
			t.Fatalf("got code %s. Expected CANCEL", h2err.Code())
		}
	case <-time.After(time.Second):
		t.Fatal("the pending request was not rejected after RST_STREAM")
	}
}

func TestConnWriteDataRespectsWindow(t *testing.T) {
	cn, serverEnd := pipeConn(t)

	br := bufio.NewReader(serverEnd)
	bw := bufio.NewWriter(serverEnd)

	// Advertise a 3-byte initial stream window to the client.
	st := AcquireFrame(FrameSettings).(*Settings)
	st.SetInitialWindowSize(3)
	fr := AcquireFrameHeader()
	fr.SetBody(st)
	if _, err := fr.WriteTo(bw); err != nil {
		t.Fatal(err)
	}
	if err := bw.Flush(); err != nil {
		t.Fatal(err)
	}
	ReleaseFrameHeader(fr)

	// The SETTINGS ACK confirms the client has applied it.
	ack, err := ReadFrameFrom(br)
	if err != nil {
		t.Fatal(err)
	}
	if ack.Type() != FrameSettings || !ack.Body().(*Settings).IsAck() {
		t.Fatalf("got %v. Expected a SETTINGS ACK", ack.Type())
	}
	ReleaseFrameHeader(ack)

	req := fasthttp.AcquireRequest()
	res := fasthttp.AcquireResponse()
	req.Header.SetMethod("POST")
	req.SetRequestURI("https://example.com/upload")
	req.SetBodyString("hello")
	cn.Write(AcquireCtx(req, res))

	h, err := ReadFrameFrom(br)
	if err != nil {
		t.Fatal(err)
	}
	if h.Type() != FrameHeaders {
		t.Fatalf("got %v. Expected HEADERS", h.Type())
	}
	streamID := h.Stream()
	ReleaseFrameHeader(h)

	d, err := ReadFrameFrom(br)
	if err != nil {
		t.Fatal(err)
	}
	data := d.Body().(*Data)
	if !bytes.Equal(data.Data(), []byte("hel")) {
		t.Fatalf("got %q. Expected only the 3 bytes the window admits", data.Data())
	}
	if data.EndStream() {
		t.Fatal("END_STREAM must wait until the whole body is sent")
	}
	ReleaseFrameHeader(d)

	// Replenish the stream window; the remainder follows.
	wu := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
	wu.SetIncrement(2)
	fr2 := AcquireFrameHeader()
	fr2.SetStream(streamID)
	fr2.SetBody(wu)
	if _, err := fr2.WriteTo(bw); err != nil {
		t.Fatal(err)
	}
	if err := bw.Flush(); err != nil {
		t.Fatal(err)
	}
	ReleaseFrameHeader(fr2)

	d2, err := ReadFrameFrom(br)
	if err != nil {
		t.Fatal(err)
	}
	defer ReleaseFrameHeader(d2)

	data2 := d2.Body().(*Data)
	if !bytes.Equal(data2.Data(), []byte("lo")) {
		t.Fatalf("got %q. Expected the remaining 2 bytes", data2.Data())
	}
	if !data2.EndStream() {
		t.Fatal("the final DATA frame must carry END_STREAM")
	}
}

func TestConnRequestBodyFraming(t *testing.T) {
	cn, serverEnd := pipeConn(t)

	req := fasthttp.AcquireRequest()
	res := fasthttp.AcquireResponse()
	req.Header.SetMethod("POST")
	req.SetRequestURI("https://example.com/upload")
	req.SetBodyString("hello")

	cn.Write(AcquireCtx(req, res))

	br := bufio.NewReader(serverEnd)

	h, err := ReadFrameFrom(br)
	if err != nil {
		t.Fatal(err)
	}
	if h.Type() != FrameHeaders || h.Flags().Has(FlagEndStream) {
		t.Fatalf("got %v flags=%08b. Expected HEADERS without END_STREAM", h.Type(), h.Flags())
	}
	ReleaseFrameHeader(h)

	d, err := ReadFrameFrom(br)
	if err != nil {
		t.Fatal(err)
	}
	defer ReleaseFrameHeader(d)

	data := d.Body().(*Data)
	if !bytes.Equal(data.Data(), []byte("hello")) {
		t.Fatalf("got body %q", data.Data())
	}
	if !data.EndStream() {
		t.Fatal("the last DATA frame must carry END_STREAM")
	}
}
