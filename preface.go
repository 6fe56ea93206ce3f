package http2

import (
	"bufio"
	"bytes"
	"io"
)

// ClientPreface is the 24-octet constant a client sends before anything
// else on an HTTP/2 connection, confirming it speaks the protocol.
//
// https://tools.ietf.org/html/rfc7540#section-3.5
const ClientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// WritePreface writes the client preface to bw. It does not flush.
func WritePreface(bw *bufio.Writer) error {
	_, err := bw.WriteString(ClientPreface)
	return err
}

// ReadPreface reads and bit-exactly verifies the client preface from br,
// returning ErrBadPreface if the bytes don't match.
func ReadPreface(br *bufio.Reader) error {
	b := make([]byte, len(ClientPreface))

	_, err := io.ReadFull(br, b)
	if err != nil {
		return err
	}

	if !bytes.Equal(b, []byte(ClientPreface)) {
		return ErrBadPreface
	}

	return nil
}
