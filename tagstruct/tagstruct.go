// Package tagstruct implements the self-describing typed payload format
// used as the body of METHOD_CALL/METHOD_REPLY/EVENT messages (spec.md
// §4.2). Each field is a 1-byte type tag followed by a fixed or
// length-prefixed payload; integers are network byte order, strings are
// UTF-8 and length-prefixed.
package tagstruct

import (
	"encoding/binary"
	"math"

	jsoniter "github.com/json-iterator/go"
)

// Tag identifies the wire type of an encoded field.
type Tag byte

const (
	TagU8 Tag = iota + 1
	TagU16
	TagU32
	TagU64
	TagI32
	TagI64
	TagBool
	TagString
	TagBytes
	TagDouble
	// TagStructStart/TagStructEnd bracket a nested Buffer inline, without
	// requiring a second length-prefixed Bytes field to hold it
	// (supplemented from original_source/include/core/inc/iinctagstruct.h,
	// which nests tag streams rather than boxing them in byte blobs).
	TagStructStart
	TagStructEnd
)

// Buffer is an ordered, forward-read, forward-written byte stream of typed
// fields. The read cursor is independent of the write cursor.
type Buffer struct {
	data    []byte
	readPos int
}

// New returns an empty Buffer ready for writing.
func New() *Buffer { return &Buffer{} }

// Load wraps pre-encoded bytes for reading. The slice is used directly, not
// copied; callers that mutate it afterward invalidate the Buffer.
func Load(b []byte) *Buffer { return &Buffer{data: b} }

// Bytes returns the raw encoded contents written so far.
func (b *Buffer) Bytes() []byte { return b.data }

// Clear empties both the read and write cursors.
func (b *Buffer) Clear() {
	b.data = b.data[:0]
	b.readPos = 0
}

// Rewind resets only the read cursor, allowing the buffer to be re-read
// from the start without discarding written data.
func (b *Buffer) Rewind() { b.readPos = 0 }

// EOF reports whether the read cursor has reached the end of the buffer.
func (b *Buffer) EOF() bool { return b.readPos >= len(b.data) }

func (b *Buffer) putTag(t Tag) { b.data = append(b.data, byte(t)) }

// PutU8 appends an unsigned 8-bit field.
func (b *Buffer) PutU8(v uint8) {
	b.putTag(TagU8)
	b.data = append(b.data, v)
}

// PutU16 appends an unsigned 16-bit field, network byte order.
func (b *Buffer) PutU16(v uint16) {
	b.putTag(TagU16)
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	b.data = append(b.data, tmp[:]...)
}

// PutU32 appends an unsigned 32-bit field, network byte order.
func (b *Buffer) PutU32(v uint32) {
	b.putTag(TagU32)
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.data = append(b.data, tmp[:]...)
}

// PutU64 appends an unsigned 64-bit field, network byte order.
func (b *Buffer) PutU64(v uint64) {
	b.putTag(TagU64)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.data = append(b.data, tmp[:]...)
}

// PutI32 appends a signed 32-bit field, network byte order.
func (b *Buffer) PutI32(v int32) {
	b.putTag(TagI32)
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(v))
	b.data = append(b.data, tmp[:]...)
}

// PutI64 appends a signed 64-bit field, network byte order.
func (b *Buffer) PutI64(v int64) {
	b.putTag(TagI64)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	b.data = append(b.data, tmp[:]...)
}

// PutBool appends a boolean field.
func (b *Buffer) PutBool(v bool) {
	b.putTag(TagBool)
	if v {
		b.data = append(b.data, 1)
	} else {
		b.data = append(b.data, 0)
	}
}

// PutDouble appends an IEEE-754 big-endian double field.
func (b *Buffer) PutDouble(v float64) {
	b.putTag(TagDouble)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], math.Float64bits(v))
	b.data = append(b.data, tmp[:]...)
}

func (b *Buffer) putLengthPrefixed(t Tag, p []byte) {
	b.putTag(t)
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(p)))
	b.data = append(b.data, tmp[:]...)
	b.data = append(b.data, p...)
}

// PutString appends a UTF-8, length-prefixed string field.
func (b *Buffer) PutString(v string) { b.putLengthPrefixed(TagString, []byte(v)) }

// PutBytes appends a length-prefixed raw byte field.
func (b *Buffer) PutBytes(v []byte) { b.putLengthPrefixed(TagBytes, v) }

// PutStructStart opens a nested field stream inline.
func (b *Buffer) PutStructStart() { b.putTag(TagStructStart) }

// PutStructEnd closes a nested field stream opened by PutStructStart.
func (b *Buffer) PutStructEnd() { b.putTag(TagStructEnd) }

// peekTag returns the tag at the read cursor without advancing it.
func (b *Buffer) peekTag() (Tag, bool) {
	if b.readPos >= len(b.data) {
		return 0, false
	}
	return Tag(b.data[b.readPos]), true
}

// expect verifies the next tag matches want. On mismatch the cursor is left
// untouched and ok is false — "a recoverable failure surfaced via an
// out-parameter status" (spec.md §4.2).
func (b *Buffer) expect(want Tag) bool {
	got, has := b.peekTag()
	return has && got == want
}

// GetU8 reads an unsigned 8-bit field.
func (b *Buffer) GetU8() (v uint8, ok bool) {
	if !b.expect(TagU8) || b.readPos+2 > len(b.data) {
		return 0, false
	}
	v = b.data[b.readPos+1]
	b.readPos += 2
	return v, true
}

// GetU16 reads an unsigned 16-bit field.
func (b *Buffer) GetU16() (v uint16, ok bool) {
	if !b.expect(TagU16) || b.readPos+3 > len(b.data) {
		return 0, false
	}
	v = binary.BigEndian.Uint16(b.data[b.readPos+1:])
	b.readPos += 3
	return v, true
}

// GetU32 reads an unsigned 32-bit field.
func (b *Buffer) GetU32() (v uint32, ok bool) {
	if !b.expect(TagU32) || b.readPos+5 > len(b.data) {
		return 0, false
	}
	v = binary.BigEndian.Uint32(b.data[b.readPos+1:])
	b.readPos += 5
	return v, true
}

// GetU64 reads an unsigned 64-bit field.
func (b *Buffer) GetU64() (v uint64, ok bool) {
	if !b.expect(TagU64) || b.readPos+9 > len(b.data) {
		return 0, false
	}
	v = binary.BigEndian.Uint64(b.data[b.readPos+1:])
	b.readPos += 9
	return v, true
}

// GetI32 reads a signed 32-bit field.
func (b *Buffer) GetI32() (v int32, ok bool) {
	if !b.expect(TagI32) || b.readPos+5 > len(b.data) {
		return 0, false
	}
	v = int32(binary.BigEndian.Uint32(b.data[b.readPos+1:]))
	b.readPos += 5
	return v, true
}

// GetI64 reads a signed 64-bit field.
func (b *Buffer) GetI64() (v int64, ok bool) {
	if !b.expect(TagI64) || b.readPos+9 > len(b.data) {
		return 0, false
	}
	v = int64(binary.BigEndian.Uint64(b.data[b.readPos+1:]))
	b.readPos += 9
	return v, true
}

// GetBool reads a boolean field.
func (b *Buffer) GetBool() (v bool, ok bool) {
	if !b.expect(TagBool) || b.readPos+2 > len(b.data) {
		return false, false
	}
	v = b.data[b.readPos+1] != 0
	b.readPos += 2
	return v, true
}

// GetDouble reads an IEEE-754 big-endian double field.
func (b *Buffer) GetDouble() (v float64, ok bool) {
	if !b.expect(TagDouble) || b.readPos+9 > len(b.data) {
		return 0, false
	}
	v = math.Float64frombits(binary.BigEndian.Uint64(b.data[b.readPos+1:]))
	b.readPos += 9
	return v, true
}

func (b *Buffer) getLengthPrefixed(t Tag) (p []byte, ok bool) {
	if !b.expect(t) || b.readPos+5 > len(b.data) {
		return nil, false
	}
	n := binary.BigEndian.Uint32(b.data[b.readPos+1:])
	start := b.readPos + 5
	end := start + int(n)
	if end < start || end > len(b.data) {
		return nil, false
	}
	p = b.data[start:end]
	b.readPos = end
	return p, true
}

// GetString reads a UTF-8, length-prefixed string field.
func (b *Buffer) GetString() (v string, ok bool) {
	p, ok := b.getLengthPrefixed(TagString)
	if !ok {
		return "", false
	}
	return string(p), true
}

// GetBytes reads a length-prefixed raw byte field. The returned slice
// aliases the Buffer's internal storage.
func (b *Buffer) GetBytes() (v []byte, ok bool) { return b.getLengthPrefixed(TagBytes) }

// GetStructStart consumes a nested-field-stream opener.
func (b *Buffer) GetStructStart() bool {
	if !b.expect(TagStructStart) {
		return false
	}
	b.readPos++
	return true
}

// GetStructEnd consumes a nested-field-stream closer.
func (b *Buffer) GetStructEnd() bool {
	if !b.expect(TagStructEnd) {
		return false
	}
	b.readPos++
	return true
}

// fieldView is the lossless field-by-field rendering used by Dump.
type fieldView struct {
	Tag string `json:"tag"`
	Len int    `json:"len,omitempty"`
}

// Dump renders the buffer's fields (type and size only, not sensitive
// values) as JSON for debugging, lossless enough to reconstruct field
// types and sizes per spec.md §4.2.
func (b *Buffer) Dump() string {
	snapshot := &Buffer{data: b.data}
	var fields []fieldView
	for !snapshot.EOF() {
		t, has := snapshot.peekTag()
		if !has {
			break
		}
		switch t {
		case TagU8:
			if _, ok := snapshot.GetU8(); !ok {
				fields = append(fields, fieldView{Tag: "u8", Len: -1})
				goto done
			}
			fields = append(fields, fieldView{Tag: "u8"})
		case TagU16:
			if _, ok := snapshot.GetU16(); !ok {
				goto done
			}
			fields = append(fields, fieldView{Tag: "u16"})
		case TagU32:
			if _, ok := snapshot.GetU32(); !ok {
				goto done
			}
			fields = append(fields, fieldView{Tag: "u32"})
		case TagU64:
			if _, ok := snapshot.GetU64(); !ok {
				goto done
			}
			fields = append(fields, fieldView{Tag: "u64"})
		case TagI32:
			if _, ok := snapshot.GetI32(); !ok {
				goto done
			}
			fields = append(fields, fieldView{Tag: "i32"})
		case TagI64:
			if _, ok := snapshot.GetI64(); !ok {
				goto done
			}
			fields = append(fields, fieldView{Tag: "i64"})
		case TagBool:
			if _, ok := snapshot.GetBool(); !ok {
				goto done
			}
			fields = append(fields, fieldView{Tag: "bool"})
		case TagDouble:
			if _, ok := snapshot.GetDouble(); !ok {
				goto done
			}
			fields = append(fields, fieldView{Tag: "double"})
		case TagString:
			s, ok := snapshot.GetString()
			if !ok {
				goto done
			}
			fields = append(fields, fieldView{Tag: "string", Len: len(s)})
		case TagBytes:
			p, ok := snapshot.GetBytes()
			if !ok {
				goto done
			}
			fields = append(fields, fieldView{Tag: "bytes", Len: len(p)})
		case TagStructStart:
			snapshot.GetStructStart()
			fields = append(fields, fieldView{Tag: "struct_start"})
		case TagStructEnd:
			snapshot.GetStructEnd()
			fields = append(fields, fieldView{Tag: "struct_end"})
		default:
			goto done
		}
	}
done:
	out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalToString(fields)
	if err != nil {
		return "{}"
	}
	return out
}
