package http2

import (
	"bufio"
	"bytes"
	"testing"
)

func roundTripFrame(t *testing.T, fr *FrameHeader) *FrameHeader {
	t.Helper()

	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	if _, err := fr.WriteTo(bw); err != nil {
		t.Fatal(err)
	}
	if err := bw.Flush(); err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(&buf)
	got, err := ReadFrameFrom(br)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestDataFrameRoundTrip(t *testing.T) {
	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)
	fr.SetStream(3)

	data := AcquireFrame(FrameData).(*Data)
	data.SetData([]byte("hello world"))
	data.SetEndStream(true)
	fr.SetBody(data)

	got := roundTripFrame(t, fr)
	defer ReleaseFrameHeader(got)

	if got.Type() != FrameData {
		t.Fatalf("got type %v", got.Type())
	}
	if got.Stream() != 3 {
		t.Fatalf("got stream %d", got.Stream())
	}

	gd := got.Body().(*Data)
	if !bytes.Equal(gd.Data(), []byte("hello world")) {
		t.Fatalf("got data %q", gd.Data())
	}
	if !gd.EndStream() {
		t.Fatal("expected END_STREAM to survive the round trip")
	}
}

func TestDataFramePadding(t *testing.T) {
	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)
	fr.SetStream(5)

	data := AcquireFrame(FrameData).(*Data)
	data.SetData([]byte("padded"))
	data.SetPadding(true)
	fr.SetBody(data)

	got := roundTripFrame(t, fr)
	defer ReleaseFrameHeader(got)

	gd := got.Body().(*Data)
	if !bytes.Equal(gd.Data(), []byte("padded")) {
		t.Fatalf("got data %q", gd.Data())
	}
}

func TestPingFrameRoundTrip(t *testing.T) {
	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)

	ping := AcquireFrame(FramePing).(*Ping)
	ping.SetData([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	ping.SetAck(true)
	fr.SetBody(ping)

	got := roundTripFrame(t, fr)
	defer ReleaseFrameHeader(got)

	gp := got.Body().(*Ping)
	if !gp.IsAck() {
		t.Fatal("expected the ACK flag to survive the round trip")
	}
	if !bytes.Equal(gp.Data(), []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Fatalf("got data %v", gp.Data())
	}
}

func TestWindowUpdateFrameRoundTrip(t *testing.T) {
	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)
	fr.SetStream(7)

	wu := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
	wu.SetIncrement(65535)
	fr.SetBody(wu)

	got := roundTripFrame(t, fr)
	defer ReleaseFrameHeader(got)

	if got.Stream() != 7 {
		t.Fatalf("got stream %d", got.Stream())
	}

	gw := got.Body().(*WindowUpdate)
	if gw.Increment() != 65535 {
		t.Fatalf("got increment %d", gw.Increment())
	}
}

func TestWindowUpdateMissingBytes(t *testing.T) {
	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)

	wu := &WindowUpdate{}
	fr.payload = []byte{0, 1}

	if err := wu.Deserialize(fr); err == nil {
		t.Fatal("expected a short WINDOW_UPDATE payload to error")
	}
}

func TestFrameFlags(t *testing.T) {
	var f FrameFlags
	f = f.Add(FlagEndHeaders)
	f = f.Add(FlagPadded)

	if !f.Has(FlagEndHeaders) || !f.Has(FlagPadded) {
		t.Fatalf("got flags %08b", f)
	}
	if f.Has(FlagPriority) {
		t.Fatal("FlagPriority should not be set")
	}
}

func TestHeadersFrameRoundTrip(t *testing.T) {
	hp := AcquireHPACK()
	defer ReleaseHPACK(hp)

	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)
	hf.SetBytes([]byte(":method"), []byte("GET"))

	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)
	fr.SetStream(1)

	h := AcquireFrame(FrameHeaders).(*Headers)
	h.AppendHeaderField(hp, hf, false)
	h.SetEndHeaders(true)
	h.SetEndStream(true)
	fr.SetBody(h)

	got := roundTripFrame(t, fr)
	defer ReleaseFrameHeader(got)

	gh := got.Body().(*Headers)
	if !gh.EndHeaders() || !gh.EndStream() {
		t.Fatal("expected END_HEADERS and END_STREAM to survive the round trip")
	}

	dec := AcquireHPACK()
	defer ReleaseHPACK(dec)

	out := AcquireHeaderField()
	defer ReleaseHeaderField(out)
	if _, err := dec.Next(out, gh.Headers()); err != nil {
		t.Fatal(err)
	}
	if out.Key() != ":method" || out.Value() != "GET" {
		t.Fatalf("got %q=%q", out.Key(), out.Value())
	}
}

func serializeFrame(t *testing.T, fr *FrameHeader) []byte {
	t.Helper()

	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	if _, err := fr.WriteTo(bw); err != nil {
		t.Fatal(err)
	}
	bw.Flush()

	return buf.Bytes()
}

func TestDataFrameWireBytes(t *testing.T) {
	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)
	fr.SetStream(1)

	data := AcquireFrame(FrameData).(*Data)
	data.SetData([]byte("hello"))
	data.SetEndStream(true)
	fr.SetBody(data)

	want := []byte{
		0x00, 0x00, 0x05, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
		'h', 'e', 'l', 'l', 'o',
	}
	if got := serializeFrame(t, fr); !bytes.Equal(got, want) {
		t.Fatalf("got % x. Expected % x", got, want)
	}
}

func TestWindowUpdateWireBytes(t *testing.T) {
	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)
	fr.SetStream(1)

	wu := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
	wu.SetIncrement(65535)
	fr.SetBody(wu)

	want := []byte{
		0x00, 0x00, 0x04, 0x08, 0x00, 0x00, 0x00, 0x00, 0x01,
		0x00, 0x00, 0xff, 0xff,
	}
	if got := serializeFrame(t, fr); !bytes.Equal(got, want) {
		t.Fatalf("got % x. Expected % x", got, want)
	}
}

func TestHeadersFramePriority(t *testing.T) {
	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)
	fr.SetStream(3)

	h := AcquireFrame(FrameHeaders).(*Headers)
	h.SetStream(1)
	h.SetWeight(16)
	fr.SetBody(h)

	got := roundTripFrame(t, fr)
	defer ReleaseFrameHeader(got)

	gh := got.Body().(*Headers)
	if gh.Stream() != 1 {
		t.Fatalf("got dependency %d", gh.Stream())
	}
	if gh.Weight() != 16 {
		t.Fatalf("got weight %d", gh.Weight())
	}
}
