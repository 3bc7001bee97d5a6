package multiplex

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodecRoundTrip(t *testing.T) {
	codec := NewFrameCodec(nil)

	payloadLens := []int{0, 1, 60, 252, 1020, 4092, 16380, 65536, MaxFrameSize - frameHeaderLength}
	for _, n := range payloadLens {
		payload := make([]byte, n)
		rand.Read(payload)
		f := Frame{
			StreamID: uint32(n) % MaxStreamID,
			Type:     FrameError,
			Flags:    FlagNew,
			Payload:  payload,
		}

		encoded, err := codec.Encode(&f)
		assert.NoError(t, err)
		assert.Equal(t, frameHeaderLength+n, len(encoded))

		decoded, err := codec.Decode(encoded)
		assert.NoError(t, err)
		assert.Equal(t, f.StreamID, decoded.StreamID)
		assert.Equal(t, f.Type, decoded.Type)
		assert.Equal(t, f.Flags, decoded.Flags)
		assert.True(t, bytes.Equal(f.Payload, decoded.Payload))

		codec.Release(encoded)
	}
}

func TestCodecHeaderLayout(t *testing.T) {
	codec := NewFrameCodec(nil)
	f := Frame{StreamID: 0xABCDEF, Type: FrameClose, Flags: FlagNew}

	encoded, err := codec.Encode(&f)
	assert.NoError(t, err)

	word := binary.BigEndian.Uint32(encoded)
	assert.EqualValues(t, 0xABCDEF<<8|1<<4|1, word)
}

func TestCodecRejectsOversizedFrame(t *testing.T) {
	codec := NewFrameCodec(nil)
	f := Frame{StreamID: 1, Payload: make([]byte, MaxFrameSize-frameHeaderLength+1)}

	_, err := codec.Encode(&f)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	// exactly at the ceiling is fine
	f.Payload = f.Payload[:MaxFrameSize-frameHeaderLength]
	encoded, err := codec.Encode(&f)
	assert.NoError(t, err)
	assert.Equal(t, MaxFrameSize, len(encoded))
}

func TestCodecRejectsShortInput(t *testing.T) {
	codec := NewFrameCodec(nil)
	for _, short := range [][]byte{nil, {}, {1}, {1, 2, 3}} {
		_, err := codec.Decode(short)
		assert.ErrorIs(t, err, ErrInvalidFrame)
	}
}

func TestCodecRejectsWideStreamID(t *testing.T) {
	codec := NewFrameCodec(nil)
	_, err := codec.Encode(&Frame{StreamID: MaxStreamID + 1})
	assert.Error(t, err)
}

func TestEncodeTyped(t *testing.T) {
	codec := NewFrameCodec(nil)
	f := Frame{StreamID: 7, Type: FrameData, Flags: FlagNew, Payload: []byte{0xaa, 0xbb}}

	encoded, err := codec.EncodeTyped(&f, 0x42)
	assert.NoError(t, err)

	decoded, err := codec.Decode(encoded)
	assert.NoError(t, err)
	assert.Equal(t, []byte{0x42, 0xaa, 0xbb}, decoded.Payload)

	assert.Equal(t, codec.MaxPayload()-1, codec.MaxTypedPayload())
	_, err = codec.EncodeTyped(&Frame{StreamID: 7, Payload: make([]byte, codec.MaxPayload())}, 0x42)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestBufferPoolBuckets(t *testing.T) {
	pool := NewBufferPool()
	for _, size := range []int{64, 256, 1024, 4096, 16384, 100, 20000} {
		buf := pool.acquire(size)
		assert.Equal(t, size, len(buf))
		pool.release(buf)
	}
}

// aliasTransport keeps the encode buffer itself, not a copy, so tests
// can check buffer identity across sends.
type aliasTransport struct{ last []byte }

func (tr *aliasTransport) WriteMessage(data []byte) error {
	tr.last = data
	return nil
}

func TestReleaseBuffersRecycles(t *testing.T) {
	tr := &aliasTransport{}
	mux := NewMultiplexer(Config{Transport: tr, ReleaseBuffers: true})
	stream, err := mux.CreateStream()
	assert.NoError(t, err)

	// encodes to exactly the 256-byte bucket
	payload := make([]byte, 256-frameHeaderLength)
	assert.NoError(t, stream.Write(payload, true))
	first := tr.last
	assert.Equal(t, 256, len(first))

	assert.NoError(t, stream.Write(payload, false))
	assert.Same(t, &first[0], &tr.last[0], "released bucket buffer must back the next same-size encode")
}

func TestUnreleasedBuffersStayPrivate(t *testing.T) {
	tr := &aliasTransport{}
	mux := NewMultiplexer(Config{Transport: tr})
	stream, err := mux.CreateStream()
	assert.NoError(t, err)

	payload := make([]byte, 256-frameHeaderLength)
	assert.NoError(t, stream.Write(payload, true))
	first := tr.last
	assert.NoError(t, stream.Write(payload, false))
	assert.NotSame(t, &first[0], &tr.last[0])
}
