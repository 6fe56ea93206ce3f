package http2

import "github.com/valyala/fasthttp"

// Ctx correlates a client-issued request with the channel its eventual
// response (or connection error) is delivered on. The teacher's original
// Ctx wrapped a bespoke Request/Response pair; every live call site in this
// package instead carries *fasthttp.Request/*fasthttp.Response directly, so
// Ctx is reduced to that correlation record.
type Ctx struct {
	Request  *fasthttp.Request
	Response *fasthttp.Response
	Err      chan error

	// headerBlock accumulates the HPACK-encoded header block fragment
	// across the response's HEADERS frame and any CONTINUATION frames
	// that follow it, decoded only once END_HEADERS arrives (a single
	// HPACK representation may straddle a frame boundary).
	headerBlock []byte

	// window is the stream's outbound flow-control window: how many more
	// DATA bytes may be sent on it. Seeded from the server's
	// INITIAL_WINDOW_SIZE when the request is written, replenished by
	// stream WINDOW_UPDATEs, accessed atomically.
	window int64
}

// AcquireCtx returns a Ctx ready to carry one request/response round trip.
func AcquireCtx(req *fasthttp.Request, res *fasthttp.Response) *Ctx {
	return &Ctx{
		Request:  req,
		Response: res,
		Err:      make(chan error, 1),
	}
}
