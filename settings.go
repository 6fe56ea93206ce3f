package http2

import (
	"sync"

	"github.com/dventura/h2proto/http2utils"
)

const FrameSettings FrameType = 0x4

var _ Frame = &Settings{}

const (
	// default Settings parameters
	defaultHeaderTableSize   uint32 = 4096
	defaultConcurrentStreams uint32 = 100
	defaultWindowSize        uint32 = 1<<16 - 1
	defaultMaxFrameSize      uint32 = 1 << 14

	maxWindowSize       = 1<<31 - 1
	maxFrameSizeAllowed = 1<<24 - 1

	// Setting identifiers (https://httpwg.org/specs/rfc7540.html#SettingValues)
	settingHeaderTableSize      uint16 = 0x1
	settingEnablePush           uint16 = 0x2
	settingMaxConcurrentStreams uint16 = 0x3
	settingInitialWindowSize    uint16 = 0x4
	settingMaxFrameSize         uint16 = 0x5
	settingMaxHeaderListSize    uint16 = 0x6
)

var settingsPool = sync.Pool{
	New: func() interface{} {
		return &Settings{}
	},
}

// Settings represents a SETTINGS frame's payload: the parameters one
// endpoint advertises to the other.
//
// https://tools.ietf.org/html/rfc7540#section-6.5
type Settings struct {
	ack bool

	headerTableSize      uint32
	disablePush          bool
	maxConcurrentStreams uint32
	initialWindowSize    uint32
	maxFrameSize         uint32
	maxHeaderListSize    uint32

	// raw remembers which fields were explicitly set, so Serialize only
	// emits those parameters, even when the value set equals the default.
	raw struct {
		headerTableSize, maxConcurrentStreams, initialWindowSize,
		maxFrameSize, maxHeaderListSize, enablePush bool
	}
}

// AcquireSettings returns a Settings with default values from the pool.
func AcquireSettings() *Settings {
	st := settingsPool.Get().(*Settings)
	st.Reset()
	return st
}

// ReleaseSettings resets st and returns it to the pool.
func ReleaseSettings(st *Settings) {
	st.Reset()
	settingsPool.Put(st)
}

func (st *Settings) Type() FrameType {
	return FrameSettings
}

// Reset restores st to the RFC 7540 §11.3 default values.
func (st *Settings) Reset() {
	st.ack = false
	st.headerTableSize = defaultHeaderTableSize
	st.disablePush = false
	st.maxConcurrentStreams = defaultConcurrentStreams
	st.initialWindowSize = defaultWindowSize
	st.maxFrameSize = defaultMaxFrameSize
	st.maxHeaderListSize = 0
	st.raw = struct {
		headerTableSize, maxConcurrentStreams, initialWindowSize,
		maxFrameSize, maxHeaderListSize, enablePush bool
	}{}
}

// CopyTo copies st to other.
func (st *Settings) CopyTo(other *Settings) {
	*other = *st
}

// IsAck reports whether this SETTINGS frame is an acknowledgement.
func (st *Settings) IsAck() bool {
	return st.ack
}

// SetAck marks the frame as a SETTINGS acknowledgement. An ack frame carries
// no parameters.
func (st *Settings) SetAck(ack bool) {
	st.ack = ack
}

func (st *Settings) HeaderTableSize() uint32 {
	return st.headerTableSize
}

func (st *Settings) SetHeaderTableSize(n uint32) {
	st.headerTableSize = n
	st.raw.headerTableSize = true
}

// Push reports whether server push is enabled (the default).
func (st *Settings) Push() bool {
	return !st.disablePush
}

func (st *Settings) SetPush(enabled bool) {
	st.disablePush = !enabled
	st.raw.enablePush = true
}

func (st *Settings) MaxConcurrentStreams() uint32 {
	return st.maxConcurrentStreams
}

func (st *Settings) SetMaxConcurrentStreams(n uint32) {
	st.maxConcurrentStreams = n
	st.raw.maxConcurrentStreams = true
}

func (st *Settings) InitialWindowSize() uint32 {
	return st.initialWindowSize
}

func (st *Settings) SetInitialWindowSize(n uint32) {
	st.initialWindowSize = n
	st.raw.initialWindowSize = true
}

func (st *Settings) MaxFrameSize() uint32 {
	return st.maxFrameSize
}

func (st *Settings) SetMaxFrameSize(n uint32) {
	if n > maxFrameSizeAllowed {
		n = maxFrameSizeAllowed
	}
	st.maxFrameSize = n
	st.raw.maxFrameSize = true
}

// MaxHeaderListSize returns the advisory limit on the uncompressed size of a
// header list the peer is willing to accept. 0 means unlimited.
func (st *Settings) MaxHeaderListSize() uint32 {
	return st.maxHeaderListSize
}

func (st *Settings) SetMaxHeaderListSize(n uint32) {
	st.maxHeaderListSize = n
	st.raw.maxHeaderListSize = true
}

func (st *Settings) Deserialize(fr *FrameHeader) error {
	if fr.Flags().Has(FlagAck) {
		if len(fr.payload) != 0 {
			return NewConnError(FrameSizeError, "SETTINGS ACK with a non-empty payload")
		}
		st.ack = true
		return nil
	}

	payload := fr.payload
	if len(payload)%6 != 0 {
		return ErrMissingBytes
	}

	for len(payload) >= 6 {
		key := uint16(payload[0])<<8 | uint16(payload[1])
		value := http2utils.BytesToUint32(payload[2:6])

		switch key {
		case settingHeaderTableSize:
			st.SetHeaderTableSize(value)
		case settingEnablePush:
			if value > 1 {
				return NewConnError(ProtocolError, "enable_push must be 0 or 1")
			}
			st.SetPush(value != 0)
		case settingMaxConcurrentStreams:
			st.SetMaxConcurrentStreams(value)
		case settingInitialWindowSize:
			if value > maxWindowSize {
				return NewConnError(FlowControlError, "initial window size exceeds 2^31-1")
			}
			st.SetInitialWindowSize(value)
		case settingMaxFrameSize:
			if value < defaultMaxFrameSize || value > maxFrameSizeAllowed {
				return NewConnError(ProtocolError, "invalid max frame size")
			}
			st.SetMaxFrameSize(value)
		case settingMaxHeaderListSize:
			st.SetMaxHeaderListSize(value)
		}

		payload = payload[6:]
	}

	return nil
}

func (st *Settings) Serialize(fr *FrameHeader) {
	if st.ack {
		fr.SetFlags(fr.Flags().Add(FlagAck))
		fr.setPayload(nil)
		return
	}

	var b []byte

	if st.raw.headerTableSize {
		b = appendSetting(b, settingHeaderTableSize, st.headerTableSize)
	}
	if st.raw.enablePush {
		v := uint32(1)
		if st.disablePush {
			v = 0
		}
		b = appendSetting(b, settingEnablePush, v)
	}
	if st.raw.maxConcurrentStreams {
		b = appendSetting(b, settingMaxConcurrentStreams, st.maxConcurrentStreams)
	}
	if st.raw.initialWindowSize {
		b = appendSetting(b, settingInitialWindowSize, st.initialWindowSize)
	}
	if st.raw.maxFrameSize {
		b = appendSetting(b, settingMaxFrameSize, st.maxFrameSize)
	}
	if st.raw.maxHeaderListSize {
		b = appendSetting(b, settingMaxHeaderListSize, st.maxHeaderListSize)
	}

	fr.setPayload(b)
}

func appendSetting(dst []byte, key uint16, value uint32) []byte {
	dst = append(dst, byte(key>>8), byte(key))
	return http2utils.AppendUint32Bytes(dst, value)
}
