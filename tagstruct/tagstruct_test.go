package tagstruct

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	b := New()
	b.PutU8(7)
	b.PutI32(-5)
	b.PutString("hello")
	b.PutBytes([]byte{1, 2, 3})
	b.PutBool(true)
	b.PutDouble(3.5)
	b.PutU64(1 << 40)

	fresh := Load(b.Bytes())
	u8, ok := fresh.GetU8()
	require.True(t, ok)
	require.Equal(t, uint8(7), u8)

	i32, ok := fresh.GetI32()
	require.True(t, ok)
	require.Equal(t, int32(-5), i32)

	s, ok := fresh.GetString()
	require.True(t, ok)
	require.Equal(t, "hello", s)

	by, ok := fresh.GetBytes()
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3}, by)

	bl, ok := fresh.GetBool()
	require.True(t, ok)
	require.True(t, bl)

	d, ok := fresh.GetDouble()
	require.True(t, ok)
	require.Equal(t, 3.5, d)

	u64, ok := fresh.GetU64()
	require.True(t, ok)
	require.Equal(t, uint64(1<<40), u64)

	require.True(t, fresh.EOF())
}

func TestWrongTagDoesNotAdvanceCursor(t *testing.T) {
	b := New()
	b.PutU32(99)
	fresh := Load(b.Bytes())

	_, ok := fresh.GetString()
	require.False(t, ok)

	v, ok := fresh.GetU32()
	require.True(t, ok)
	require.Equal(t, uint32(99), v)
}

func TestRewindReReadsIdentical(t *testing.T) {
	b := New()
	b.PutI64(-123456789)
	fresh := Load(b.Bytes())

	v1, ok := fresh.GetI64()
	require.True(t, ok)

	fresh.Rewind()
	v2, ok := fresh.GetI64()
	require.True(t, ok)
	require.Equal(t, v1, v2)
}

func TestClearEmptiesBothCursors(t *testing.T) {
	b := New()
	b.PutU8(1)
	_, _ = b.GetU8()
	b.Clear()
	require.True(t, b.EOF())
	require.Empty(t, b.Bytes())
}

func TestNestedStruct(t *testing.T) {
	outer := New()
	outer.PutU8(1)
	outer.PutStructStart()
	outer.PutString("nested")
	outer.PutStructEnd()
	outer.PutU8(2)

	fresh := Load(outer.Bytes())
	_, ok := fresh.GetU8()
	require.True(t, ok)
	require.True(t, fresh.GetStructStart())
	s, ok := fresh.GetString()
	require.True(t, ok)
	require.Equal(t, "nested", s)
	require.True(t, fresh.GetStructEnd())
	_, ok = fresh.GetU8()
	require.True(t, ok)
}

func TestDumpIsLossless(t *testing.T) {
	b := New()
	b.PutU32(1)
	b.PutString("x")
	dump := b.Dump()
	require.Contains(t, dump, "u32")
	require.Contains(t, dump, "string")
}
