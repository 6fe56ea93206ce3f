package http2

import "testing"

func newHeadersFrame(streamID uint32, endStream bool) *FrameHeader {
	fr := AcquireFrameHeader()
	fr.SetStream(streamID)
	if endStream {
		fr.SetFlags(FlagEndStream)
	}
	h := AcquireFrame(FrameHeaders).(*Headers)
	fr.SetBody(h)
	return fr
}

func TestStreamWindowOps(t *testing.T) {
	strm := NewStream(1, 65535)

	if strm.Window() != 65535 || strm.RecvWindow() != 65535 {
		t.Fatalf("got send=%d recv=%d", strm.Window(), strm.RecvWindow())
	}

	if got := strm.IncrWindow(-100); got != 65435 {
		t.Fatalf("got %d", got)
	}
	if got := strm.IncrRecvWindow(-200); got != 65335 {
		t.Fatalf("got %d", got)
	}

	strm.SetWindow(1000)
	strm.SetRecvWindow(2000)
	if strm.Window() != 1000 || strm.RecvWindow() != 2000 {
		t.Fatalf("got send=%d recv=%d", strm.Window(), strm.RecvWindow())
	}
}

func TestStreamAdvanceOpenThenClose(t *testing.T) {
	strm := NewStream(1, 65535)

	fr := newHeadersFrame(1, false)
	defer ReleaseFrameHeader(fr)
	strm.Advance(DirRecv, fr)
	if strm.State() != StateOpen {
		t.Fatalf("got %s. Expected Open", strm.State())
	}

	end := newHeadersFrame(1, true)
	defer ReleaseFrameHeader(end)
	strm.Advance(DirRecv, end)
	if strm.State() != StateHalfClosedRemote {
		t.Fatalf("got %s. Expected HalfClosedRemote", strm.State())
	}

	resp := newHeadersFrame(1, true)
	defer ReleaseFrameHeader(resp)
	strm.Advance(DirSend, resp)
	if strm.State() != StateClosed {
		t.Fatalf("got %s. Expected Closed", strm.State())
	}
}

func TestStreamAdvanceImmediateClose(t *testing.T) {
	strm := NewStream(1, 65535)

	fr := newHeadersFrame(1, true)
	defer ReleaseFrameHeader(fr)
	strm.Advance(DirRecv, fr)

	if strm.State() != StateHalfClosedRemote {
		t.Fatalf("got %s. Expected HalfClosedRemote", strm.State())
	}
}

func TestStreamAdvanceResetAlwaysCloses(t *testing.T) {
	strm := NewStream(1, 65535)
	strm.SetState(StateOpen)

	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)
	fr.SetBody(AcquireFrame(FrameResetStream))

	strm.Advance(DirRecv, fr)
	if strm.State() != StateClosed {
		t.Fatalf("got %s. Expected Closed", strm.State())
	}
}

func TestStreamHeaderBlockTracking(t *testing.T) {
	strm := NewStream(1, 65535)

	if strm.AwaitingContinuation() {
		t.Fatal("a fresh stream must not be awaiting continuation")
	}

	strm.BeginHeaderBlock(FrameHeaders)
	if !strm.AwaitingContinuation() {
		t.Fatal("expected the stream to be awaiting continuation after BeginHeaderBlock")
	}

	if strm.AddHeaderBytes(100, 50) != true {
		t.Fatal("expected exceeding max header list size to be reported")
	}

	strm.EndHeaderBlock()
	if strm.AwaitingContinuation() {
		t.Fatal("expected EndHeaderBlock to clear AwaitingContinuation")
	}
}

func TestStreamHeaderBlockReassembly(t *testing.T) {
	strm := NewStream(1, 65535)

	strm.BeginHeaderBlock(FrameHeaders)
	strm.AppendHeaderBlock([]byte{0x82})
	strm.AppendHeaderBlock([]byte{0x84})

	if got := strm.HeaderBlock(); len(got) != 2 || got[0] != 0x82 || got[1] != 0x84 {
		t.Fatalf("got %v, expected fragments concatenated in arrival order", got)
	}

	strm.EndHeaderBlock()
	strm.BeginHeaderBlock(FrameHeaders)
	if len(strm.HeaderBlock()) != 0 {
		t.Fatal("expected BeginHeaderBlock to clear the previous header block")
	}
}

func TestStreamAcquireReleaseResets(t *testing.T) {
	strm := AcquireStream(5, 1000)
	strm.SetState(StateOpen)
	strm.BeginHeaderBlock(FrameHeaders)
	ReleaseStream(strm)

	strm2 := AcquireStream(9, 2000)
	if strm2.ID() != 9 {
		t.Fatalf("got id %d", strm2.ID())
	}
	if strm2.State() != StateIdle {
		t.Fatalf("got state %s. Expected Idle", strm2.State())
	}
	if strm2.AwaitingContinuation() {
		t.Fatal("a freshly acquired stream must not be awaiting continuation")
	}
}

func TestStreamsSearch(t *testing.T) {
	var strms Streams
	strms = append(strms, NewStream(1, 1000), NewStream(3, 1000), NewStream(5, 1000))

	if s := strms.Search(3); s == nil || s.ID() != 3 {
		t.Fatalf("got %v", s)
	}
	if s := strms.Search(4); s != nil {
		t.Fatalf("expected no match, got %v", s)
	}
}

func TestStreamsDel(t *testing.T) {
	var strms Streams
	strms = append(strms, NewStream(1, 1000), NewStream(3, 1000), NewStream(5, 1000))

	strms.Del(3)
	if len(strms) != 2 {
		t.Fatalf("got %d streams", len(strms))
	}
	if strms.Search(3) != nil {
		t.Fatal("stream 3 should have been removed")
	}
	if strms.Search(1) == nil || strms.Search(5) == nil {
		t.Fatal("unrelated streams should survive Del")
	}
}

func TestStreamsAnyAwaitingContinuation(t *testing.T) {
	var strms Streams
	a := NewStream(1, 1000)
	b := NewStream(3, 1000)
	strms = append(strms, a, b)

	if got := strms.anyAwaitingContinuation(); got != nil {
		t.Fatalf("got %v. Expected nil", got)
	}

	b.BeginHeaderBlock(FrameHeaders)
	if got := strms.anyAwaitingContinuation(); got != b {
		t.Fatalf("got %v. Expected stream %d", got, b.ID())
	}

	b.EndHeaderBlock()
	if got := strms.anyAwaitingContinuation(); got != nil {
		t.Fatalf("got %v. Expected nil once the header block is closed", got)
	}
}

func TestStreamsGetFirstOf(t *testing.T) {
	var strms Streams
	a := NewStream(1, 1000)
	a.origType = FramePriority
	b := NewStream(3, 1000)
	b.origType = FrameHeaders
	strms = append(strms, a, b)

	first := strms.GetFirstOf(FrameHeaders)
	if first == nil || first.ID() != 3 {
		t.Fatalf("got %v", first)
	}
}
