package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := NewCodec()
	m := &Message{
		Type:            MethodCall,
		Sequence:        42,
		ProtocolVersion: 3,
		PayloadVersion:  1,
		ChannelID:       7,
		Flags:           HasSHMRef,
		Payload:         []byte("hello inc"),
	}
	buf, err := c.Encode(nil, m)
	require.NoError(t, err)
	require.Len(t, buf, HeaderSize+len(m.Payload))

	got, n, err := c.Decode(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, m.Type, got.Type)
	require.Equal(t, m.Sequence, got.Sequence)
	require.Equal(t, m.ProtocolVersion, got.ProtocolVersion)
	require.Equal(t, m.PayloadVersion, got.PayloadVersion)
	require.Equal(t, m.ChannelID, got.ChannelID)
	require.Equal(t, m.Flags, got.Flags)
	require.Equal(t, m.Payload, got.Payload)
	require.True(t, got.HasFlag(HasSHMRef))
}

func TestEncodeRejectsOversizePayload(t *testing.T) {
	c := &Codec{MaxPayload: 4}
	m := &Message{Type: Event, Payload: []byte("too long")}
	_, err := c.Encode(nil, m)
	require.Error(t, err)
	var ce *CodeError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, ErrMessageTooLarge, ce.Code)
}

func TestDecodeBadMagicConsumesNoBodyBytes(t *testing.T) {
	c := NewCodec()
	buf := make([]byte, HeaderSize+8)
	// Leave magic as zero (invalid) but otherwise well-formed.
	_, _, err := c.Decode(buf)
	require.Error(t, err)
	var ce *CodeError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, ErrInvalidMessage, ce.Code)
}

func TestDecodeUnknownTypeIsProtocolError(t *testing.T) {
	c := NewCodec()
	m := &Message{Type: typeCount + 5}
	buf, err := c.Encode(nil, m)
	require.NoError(t, err)
	_, _, err = c.Decode(buf)
	require.Error(t, err)
	var ce *CodeError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, ErrProtocolError, ce.Code)
}

func TestReassemblerSplitsAcrossFeeds(t *testing.T) {
	c := NewCodec()
	m := &Message{Type: Ping, Sequence: 1, Payload: []byte("abcdefgh")}
	buf, err := c.Encode(nil, m)
	require.NoError(t, err)

	r := NewReassembler(c)
	r.Feed(buf[:10])
	got, ok, err := r.Next()
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, got)

	r.Feed(buf[10:])
	got, ok, err = r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, m.Payload, got.Payload)

	// No more frames buffered.
	got, ok, err = r.Next()
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, got)
}

func TestReassemblerMultipleFramesOneFeed(t *testing.T) {
	c := NewCodec()
	var buf []byte
	for i := uint32(0); i < 3; i++ {
		var err error
		buf, err = c.Encode(buf, &Message{Type: Pong, Sequence: i, Payload: []byte{byte(i)}})
		require.NoError(t, err)
	}
	r := NewReassembler(c)
	r.Feed(buf)
	for i := uint32(0); i < 3; i++ {
		got, ok, err := r.Next()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, i, got.Sequence)
	}
	_, ok, err := r.Next()
	require.NoError(t, err)
	require.False(t, ok)
}
