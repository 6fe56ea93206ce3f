package http2

import (
	"sync"
)

// HPACK implements the RFC 7541 header compression codec used to encode and
// decode HEADERS/PUSH_PROMISE/CONTINUATION header block fragments.
//
// A single HPACK value holds one direction's dynamic table: a connection
// needs two (one for encoding, one for decoding), matching RFC 7541 §2.2.
//
// Huffman coding (RFC 7541 §5.2, §B) is not implemented: AppendHeader never
// emits a Huffman-encoded string, and Next rejects one with CompressionError
// rather than silently misdecoding it.
type HPACK struct {
	dynamic []*HeaderField

	tableSize    int // current size limit, changeable via SETTINGS/dynamic-size-update
	maxTableSize int // upper bound the peer advertised via SETTINGS_HEADER_TABLE_SIZE
	size         int // sum of entry sizes currently held
}

var hpackPool = sync.Pool{
	New: func() interface{} {
		return &HPACK{
			tableSize:    int(defaultHeaderTableSize),
			maxTableSize: int(defaultHeaderTableSize),
		}
	},
}

// AcquireHPACK returns an HPACK codec with an empty dynamic table from the pool.
func AcquireHPACK() *HPACK {
	return hpackPool.Get().(*HPACK)
}

// ReleaseHPACK resets hp and returns it to the pool.
func ReleaseHPACK(hp *HPACK) {
	hp.releaseFields()
	hp.tableSize = int(defaultHeaderTableSize)
	hp.maxTableSize = int(defaultHeaderTableSize)
	hp.size = 0
	hpackPool.Put(hp)
}

func (hp *HPACK) releaseFields() {
	for _, hf := range hp.dynamic {
		ReleaseHeaderField(hf)
	}
	hp.dynamic = hp.dynamic[:0]
}

// SetMaxTableSize sets the maximum size the dynamic table is allowed to grow
// to. A peer-sent SETTINGS_HEADER_TABLE_SIZE calls this; a subsequent
// dynamic-table-size-update instruction (RFC 7541 §6.3) may only shrink
// further, never exceed it.
func (hp *HPACK) SetMaxTableSize(n int) {
	hp.maxTableSize = n
	if hp.tableSize > n {
		hp.setTableSize(n)
	}
}

func (hp *HPACK) setTableSize(n int) {
	hp.tableSize = n
	hp.evictTo(n)
}

func (hp *HPACK) evictTo(limit int) {
	for hp.size > limit && len(hp.dynamic) > 0 {
		last := hp.dynamic[len(hp.dynamic)-1]
		hp.size -= last.Size()
		ReleaseHeaderField(last)
		hp.dynamic = hp.dynamic[:len(hp.dynamic)-1]
	}
}

func (hp *HPACK) addDynamic(hf *HeaderField) {
	entry := AcquireHeaderField()
	hf.CopyTo(entry)

	hp.dynamic = append([]*HeaderField{entry}, hp.dynamic...)
	hp.size += entry.Size()

	hp.evictTo(hp.tableSize)
}

// dynamicAt returns the i-th (0-based, most-recently-added-first) dynamic
// table entry.
func (hp *HPACK) dynamicAt(i int) (*HeaderField, bool) {
	if i < 0 || i >= len(hp.dynamic) {
		return nil, false
	}
	return hp.dynamic[i], true
}

// lookup resolves an HPACK index (1-based) to a header field, per RFC 7541 §2.3.3.
func (hp *HPACK) lookup(index uint64) (*HeaderField, bool) {
	if index == 0 {
		return nil, false
	}
	if index <= uint64(len(staticTable)) {
		return &staticTable[index-1], true
	}
	return hp.dynamicAt(int(index) - len(staticTable) - 1)
}

// Next decodes a single header field representation from the start of b,
// appends the resulting key/value into hf (resetting it first), and returns
// the remaining, not-yet-decoded bytes.
func (hp *HPACK) Next(hf *HeaderField, b []byte) ([]byte, error) {
	if len(b) == 0 {
		return b, ErrMissingBytes
	}

	hf.Reset()
	c := b[0]

	switch {
	case c&0x80 == 0x80: // 1xxxxxxx: indexed header field
		b, index, err := readInt(7, b)
		if err != nil {
			return b, err
		}
		field, ok := hp.lookup(index)
		if !ok {
			return b, NewConnError(CompressionError, "invalid HPACK index")
		}
		hf.SetKeyBytes(field.KeyBytes())
		hf.SetValueBytes(field.ValueBytes())
		return b, nil

	case c&0xc0 == 0x40: // 01xxxxxx: literal with incremental indexing
		return hp.readLiteral(hf, b, 6, true)

	case c&0xf0 == 0x00: // 0000xxxx: literal without indexing
		return hp.readLiteral(hf, b, 4, false)

	case c&0xf0 == 0x10: // 0001xxxx: literal never indexed
		b, err := hp.readLiteralBody(hf, b, 4)
		hf.SetSensible(true)
		return b, err

	case c&0xe0 == 0x20: // 001xxxxx: dynamic table size update
		b, size, err := readInt(5, b)
		if err != nil {
			return b, err
		}
		if int(size) > hp.maxTableSize {
			return b, NewConnError(CompressionError, "dynamic table size update exceeds maximum")
		}
		hp.setTableSize(int(size))
		return b, nil
	}

	return b, NewConnError(CompressionError, "invalid HPACK representation")
}

func (hp *HPACK) readLiteral(hf *HeaderField, b []byte, prefixBits uint, store bool) ([]byte, error) {
	rest, err := hp.readLiteralBody(hf, b, prefixBits)
	if err == nil && store {
		hp.addDynamic(hf)
	}
	return rest, err
}

func (hp *HPACK) readLiteralBody(hf *HeaderField, b []byte, prefixBits uint) ([]byte, error) {
	b, index, err := readInt(prefixBits, b)
	if err != nil {
		return b, err
	}

	if index == 0 {
		var key []byte
		b, key, err = readString(b)
		if err != nil {
			return b, err
		}
		hf.SetKeyBytes(key)
	} else {
		field, ok := hp.lookup(index)
		if !ok {
			return b, NewConnError(CompressionError, "invalid HPACK index")
		}
		hf.SetKeyBytes(field.KeyBytes())
	}

	b, value, err := readString(b)
	if err != nil {
		return b, err
	}
	hf.SetValueBytes(value)

	return b, nil
}

// AppendHeader HPACK-encodes hf and appends it to dst. When store is true,
// the field is also added to the encoder's own dynamic table so subsequent
// identical fields can be indexed (callers typically pass store=true for
// pseudo-headers and false for header fields that shouldn't pollute the
// table, mirroring how the rest of the package calls it).
func (hp *HPACK) AppendHeader(dst []byte, hf *HeaderField, store bool) []byte {
	if hf.IsSensible() {
		dst = append(dst, 0x10)
		dst = appendLiteral(dst, hf)
		return dst
	}

	if idx, exact := hp.find(hf); idx > 0 {
		if exact {
			return writeInt(dst, 7, uint64(idx), 0x80)
		}
		if store {
			dst = writeInt(dst, 6, uint64(idx), 0x40)
		} else {
			dst = writeInt(dst, 4, uint64(idx), 0x00)
		}
		dst = writeString(dst, hf.ValueBytes())
		if store {
			hp.addDynamic(hf)
		}
		return dst
	}

	if store {
		dst = append(dst, 0x40)
	} else {
		dst = append(dst, 0x00)
	}
	dst = appendLiteral(dst, hf)
	if store {
		hp.addDynamic(hf)
	}

	return dst
}

// AppendHeaderField is an alias for AppendHeader kept for call sites that
// prefer the more explicit name.
func (hp *HPACK) AppendHeaderField(dst []byte, hf *HeaderField, store bool) []byte {
	return hp.AppendHeader(dst, hf, store)
}

func appendLiteral(dst []byte, hf *HeaderField) []byte {
	dst = writeString(dst, hf.KeyBytes())
	dst = writeString(dst, hf.ValueBytes())
	return dst
}

// find looks for hf's key (and, ideally, value) in the static and dynamic
// tables. It returns the 1-based HPACK index and whether the value matched
// too (an "exact" match can use the fully-indexed representation).
func (hp *HPACK) find(hf *HeaderField) (index int, exact bool) {
	keyOnly := 0

	for i := range staticTable {
		if string(staticTable[i].KeyBytes()) != hf.Key() {
			continue
		}
		if string(staticTable[i].ValueBytes()) == hf.Value() {
			return i + 1, true
		}
		if keyOnly == 0 {
			keyOnly = i + 1
		}
	}

	for i, f := range hp.dynamic {
		if f.Key() != hf.Key() {
			continue
		}
		idx := len(staticTable) + i + 1
		if f.Value() == hf.Value() {
			return idx, true
		}
		if keyOnly == 0 {
			keyOnly = idx
		}
	}

	return keyOnly, false
}
