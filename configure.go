package http2

import (
	"crypto/tls"
	"errors"
	"time"

	"github.com/valyala/fasthttp"
)

// ErrNotAvailableStreams is returned by a client request attempted on a
// connection that has no more concurrent streams available.
var ErrNotAvailableStreams = errors.New("http2: no more streams available")

// ClientOpts configures ConfigureClient.
type ClientOpts struct {
	// OnRTT, if set, is called with the measured round-trip time every time
	// a ping is acknowledged.
	OnRTT func(time.Duration)
}

func configureDialer(d *Dialer) {
	if d.TLSConfig == nil {
		d.TLSConfig = &tls.Config{}
	}

	d.TLSConfig.NextProtos = append([]string{H2TLSProto}, d.TLSConfig.NextProtos...)
}

// ConfigureClient wires an HTTP/2 transport into a fasthttp.HostClient: it
// dials one HTTP/2 connection to c.Addr right away (no ALPN upgrade dance),
// returning ErrServerSupport if that dial fails, and every request the host
// client performs afterwards is sent over that connection.
func ConfigureClient(c *fasthttp.HostClient, opts ClientOpts) error {
	d := &Dialer{
		Addr: c.Addr,
	}
	configureDialer(d)

	if c.TLSConfig != nil {
		d.TLSConfig = c.TLSConfig.Clone()
		d.TLSConfig.NextProtos = []string{H2TLSProto}
	}

	cn, err := d.Dial(ConnOpts{OnRTT: opts.OnRTT})
	if err != nil {
		return ErrServerSupport
	}

	c.Transport = newTransport(cn, opts)

	return nil
}

// transport adapts a Conn to fasthttp.HostClient's Transport field, a
// fasthttp.RoundTripper.
type transport struct {
	cn   *Conn
	opts ClientOpts
}

func newTransport(cn *Conn, opts ClientOpts) fasthttp.RoundTripper {
	return &transport{cn: cn, opts: opts}
}

func (t *transport) RoundTrip(hc *fasthttp.HostClient, req *fasthttp.Request, res *fasthttp.Response) (bool, error) {
	if t.cn.Closed() {
		return false, t.cn.LastErr()
	}

	if !t.cn.CanOpenStream() {
		return false, ErrNotAvailableStreams
	}

	r := AcquireCtx(req, res)
	t.cn.Write(r)

	return false, <-r.Err
}
