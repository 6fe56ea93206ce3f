package http2

import (
	"bufio"
	"crypto/tls"
	"log"
	"net"
	"os"
	"time"

	"github.com/valyala/fasthttp"
)

// ServerConfig configures a Server: the SETTINGS this side advertises plus
// the ambient timers and logging that govern a connection's lifetime.
type ServerConfig struct {
	// MaxConcurrentStreams bounds how many streams the server processes at
	// once per connection (SETTINGS_MAX_CONCURRENT_STREAMS). 0 uses the
	// RFC 7540 §11.3 default of 100.
	MaxConcurrentStreams uint32

	// HeaderTableSize bounds the size of the HPACK dynamic table this side
	// advertises (SETTINGS_HEADER_TABLE_SIZE). 0 uses the default (4096).
	HeaderTableSize uint32

	// InitialWindowSize is this side's per-stream flow-control window
	// (SETTINGS_INITIAL_WINDOW_SIZE). 0 uses the default (65535).
	InitialWindowSize uint32

	// MaxFrameSize is the largest frame payload this side accepts
	// (SETTINGS_MAX_FRAME_SIZE). 0 uses the default (16384).
	MaxFrameSize uint32

	// MaxHeaderListSize advertises a limit on the uncompressed size of a
	// header list (SETTINGS_MAX_HEADER_LIST_SIZE). 0 means unlimited.
	MaxHeaderListSize uint32

	// PingInterval, if non-zero, makes the server send a PING on every
	// connection once per interval. Acknowledgements are not tracked, so an
	// unresponsive peer does not cause the connection to close.
	PingInterval time.Duration

	// MaxRequestTime bounds how long a stream may remain open without
	// completing before it is reset with CANCEL. 0 disables the timeout.
	MaxRequestTime time.Duration

	// MaxIdleTime closes a connection that has carried no stream activity
	// for this long. 0 disables the timeout.
	MaxIdleTime time.Duration

	// PadResponseData pads outgoing DATA frames with random padding, hiding
	// the exact response body length from on-path observers. Padding counts
	// against flow control, so the effective per-frame payload shrinks by
	// the worst-case padding overhead.
	PadResponseData bool

	// Debug turns on verbose per-frame logging through Logger.
	Debug bool

	// Logger receives debug and error output. Defaults to a logger writing
	// to stdout, matching fasthttp.Server's own default.
	Logger fasthttp.Logger
}

func (cnf *ServerConfig) settings() Settings {
	var st Settings
	st.Reset()

	if cnf.MaxConcurrentStreams > 0 {
		st.SetMaxConcurrentStreams(cnf.MaxConcurrentStreams)
	}
	if cnf.HeaderTableSize > 0 {
		st.SetHeaderTableSize(cnf.HeaderTableSize)
	}
	if cnf.InitialWindowSize > 0 {
		st.SetInitialWindowSize(cnf.InitialWindowSize)
	}
	if cnf.MaxFrameSize > 0 {
		st.SetMaxFrameSize(cnf.MaxFrameSize)
	}
	if cnf.MaxHeaderListSize > 0 {
		st.SetMaxHeaderListSize(cnf.MaxHeaderListSize)
	}

	return st
}

func (cnf *ServerConfig) logger() fasthttp.Logger {
	if cnf.Logger != nil {
		return cnf.Logger
	}
	return log.New(os.Stdout, "[http2] ", log.LstdFlags)
}

// Server runs HTTP/2 over connections handed to it by a fasthttp.Server's
// ALPN negotiation (or directly, via ServeConn).
type Server struct {
	s   *fasthttp.Server
	cnf ServerConfig
}

// ConfigureServer registers s to handle "h2" ALPN-negotiated connections on
// ss, using cnf to size this side's SETTINGS and timers.
func ConfigureServer(ss *fasthttp.Server, cnf ServerConfig) *Server {
	hs := &Server{s: ss, cnf: cnf}
	ss.NextProto(H2TLSProto, hs.ServeConn)
	return hs
}

type connTLSer interface {
	net.Conn
	Handshake() error
	ConnectionState() tls.ConnectionState
}

// ListenAndServeTLS loads certFile/keyFile, listens on addr and serves
// HTTP/2-over-TLS connections, negotiated via ALPN, to s.Handler.
func (s *Server) ListenAndServeTLS(addr, certFile, keyFile string) error {
	cfg, err := acquireTLSConfig(certFile, keyFile)
	if err != nil {
		return err
	}

	ln, err := tls.Listen("tcp", addr, cfg)
	if err != nil {
		return err
	}

	return s.Serve(ln)
}

func acquireTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{H2TLSProto},
	}

	return cfg, nil
}

// Serve accepts connections from ln, performs the TLS/ALPN handshake and
// hands each negotiated "h2" connection to ServeConn.
func (s *Server) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			return err
		}

		if cTLS, ok := c.(connTLSer); ok {
			if err := cTLS.Handshake(); err != nil {
				c.Close()
				continue
			}
			if cTLS.ConnectionState().NegotiatedProtocol != H2TLSProto {
				c.Close()
				continue
			}
		}

		go func(c net.Conn) {
			if err := s.ServeConn(c); err != nil {
				s.cnf.logger().Printf("error serving conn: %s\n", err)
			}
		}(c)
	}
}

// ServeConn drives a single already-accepted connection as HTTP/2 using s's
// handler and configuration, until the peer disconnects.
func (s *Server) ServeConn(c net.Conn) error {
	st := s.cnf.settings()

	sc := &serverConn{
		c:              c,
		h:              s.s.Handler,
		br:             bufio.NewReader(c),
		bw:             bufio.NewWriter(c),
		st:             st,
		writer:         make(chan *FrameHeader, 16),
		reader:         make(chan *FrameHeader, 16),
		pingInterval:   s.cnf.PingInterval,
		maxRequestTime: s.cnf.MaxRequestTime,
		maxIdleTime:    s.cnf.MaxIdleTime,
		padData:        s.cnf.PadResponseData,
		debug:          s.cnf.Debug,
		logger:         s.cnf.logger(),
	}
	sc.clientS.Reset()
	sc.enc.tableSize = int(defaultHeaderTableSize)
	sc.enc.maxTableSize = int(defaultHeaderTableSize)
	sc.dec.tableSize = int(defaultHeaderTableSize)
	sc.dec.maxTableSize = int(defaultHeaderTableSize)
	// The decoder's dynamic table is bounded by the HEADER_TABLE_SIZE this
	// side advertises; the encoder's bound arrives with the client's own
	// SETTINGS and is applied in handleSettings.
	sc.dec.SetMaxTableSize(int(st.HeaderTableSize()))

	if err := sc.Handshake(); err != nil {
		return err
	}

	return sc.Serve()
}
