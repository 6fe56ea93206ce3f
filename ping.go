package http2

import "time"

const FramePing FrameType = 0x6

var _ Frame = &Ping{}

// Ping ...
//
// https://tools.ietf.org/html/rfc7540#section-6.7
type Ping struct {
	ack  bool
	data [8]byte
}

func (ping *Ping) Type() FrameType {
	return FramePing
}

// Reset ...
func (ping *Ping) Reset() {
	ping.ack = false
}

// CopyTo ...
func (ping *Ping) CopyTo(p *Ping) {
	p.ack = ping.ack
	p.data = ping.data
}

// Write ...
func (ping *Ping) Write(b []byte) (n int, err error) {
	copy(ping.data[:], b)
	return
}

// SetData ...
func (ping *Ping) SetData(b []byte) {
	copy(ping.data[:], b)
}

// SetAck marks the Ping frame as an acknowledgement of a previously received ping.
func (ping *Ping) SetAck(ack bool) {
	ping.ack = ack
}

// IsAck reports whether the Ping frame is an acknowledgement.
func (ping *Ping) IsAck() bool {
	return ping.ack
}

// SetCurrentTime stores the current time in the ping payload, so that the
// round trip time can be measured once the acknowledgement comes back.
func (ping *Ping) SetCurrentTime() {
	var b [8]byte
	now := uint64(time.Now().UnixNano())
	for i := 0; i < 8; i++ {
		b[i] = byte(now >> (56 - 8*i))
	}
	ping.SetData(b[:])
}

// Deserialize ...
func (ping *Ping) Deserialize(frh *FrameHeader) error {
	ping.ack = frh.Flags().Has(FlagAck)
	ping.SetData(frh.payload)
	return nil
}

func (ping *Ping) Data() []byte {
	return ping.data[:]
}

// Serialize ...
func (ping *Ping) Serialize(fr *FrameHeader) {
	if ping.ack {
		fr.SetFlags(fr.Flags().Add(FlagAck))
	}

	fr.setPayload(ping.data[:])
}
