package multiplex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

var ErrInvalidFrame = errors.New("frame too short to contain a header")
var ErrFrameTooLarge = errors.New("frame exceeds the maximum encoded size")

// bucketSizes are the exact buffer lengths served by a BufferPool.
// Encodes whose total length matches a bucket reuse pooled buffers;
// anything else gets a fresh allocation.
var bucketSizes = [...]int{64, 256, 1024, 4096, 16384}

// A BufferPool hands out encode buffers in a fixed set of exact-size
// buckets. Pools are owned by whoever constructs them, typically one
// per FrameCodec, so independent connections never share mutable
// state.
type BufferPool struct {
	buckets [len(bucketSizes)]sync.Pool
}

func NewBufferPool() *BufferPool {
	pool := &BufferPool{}
	for i, size := range bucketSizes {
		size := size
		pool.buckets[i].New = func() interface{} {
			b := make([]byte, size)
			return &b
		}
	}
	return pool
}

// acquire returns a buffer of exactly length n. Only bucket-sized
// requests hit the pool.
func (pool *BufferPool) acquire(n int) []byte {
	for i, size := range bucketSizes {
		if n == size {
			return *pool.buckets[i].Get().(*[]byte)
		}
	}
	return make([]byte, n)
}

// release returns a buffer obtained from acquire. Buffers of
// non-bucket sizes are left for the garbage collector.
func (pool *BufferPool) release(buf []byte) {
	for i, size := range bucketSizes {
		if len(buf) == size {
			pool.buckets[i].Put(&buf)
			return
		}
	}
}

// A FrameCodec translates between Frame values and their wire form.
// It owns a BufferPool for encode buffers; decode never copies.
type FrameCodec struct {
	pool *BufferPool
}

func NewFrameCodec(pool *BufferPool) *FrameCodec {
	if pool == nil {
		pool = NewBufferPool()
	}
	return &FrameCodec{pool: pool}
}

// MaxPayload is the largest payload Encode accepts.
func (codec *FrameCodec) MaxPayload() int { return MaxFrameSize - frameHeaderLength }

// MaxTypedPayload is MaxPayload less the one-byte type prefix used by
// EncodeTyped.
func (codec *FrameCodec) MaxTypedPayload() int { return codec.MaxPayload() - 1 }

// Encode serialises a frame into a pooled buffer sized exactly to the
// encoded length. It validates the size ceiling and the stream id
// range before producing any bytes. The returned buffer belongs to
// the caller until handed to Release.
func (codec *FrameCodec) Encode(f *Frame) ([]byte, error) {
	total := frameHeaderLength + len(f.Payload)
	if total > MaxFrameSize {
		return nil, fmt.Errorf("%w: %v bytes", ErrFrameTooLarge, total)
	}
	if f.StreamID > MaxStreamID {
		return nil, fmt.Errorf("stream id %v does not fit in 24 bits", f.StreamID)
	}

	buf := codec.pool.acquire(total)
	putHeader(buf, f)
	copy(buf[frameHeaderLength:], f.Payload)
	return buf[:total], nil
}

// EncodeTyped is Encode with a single type byte prefixed inside the
// payload, letting a higher layer distinguish sub-message kinds
// without a second envelope.
func (codec *FrameCodec) EncodeTyped(f *Frame, typeByte byte) ([]byte, error) {
	total := frameHeaderLength + 1 + len(f.Payload)
	if total > MaxFrameSize {
		return nil, fmt.Errorf("%w: %v bytes", ErrFrameTooLarge, total)
	}
	if f.StreamID > MaxStreamID {
		return nil, fmt.Errorf("stream id %v does not fit in 24 bits", f.StreamID)
	}

	buf := codec.pool.acquire(total)
	putHeader(buf, f)
	buf[frameHeaderLength] = typeByte
	copy(buf[frameHeaderLength+1:], f.Payload)
	return buf[:total], nil
}

// Decode unpacks one encoded frame. The payload aliases data; the
// caller must not reuse data while the frame is live.
func (codec *FrameCodec) Decode(data []byte) (Frame, error) {
	if len(data) < frameHeaderLength {
		return Frame{}, fmt.Errorf("%w: %v bytes", ErrInvalidFrame, len(data))
	}
	word := binary.BigEndian.Uint32(data[:frameHeaderLength])
	return Frame{
		StreamID: word >> 8,
		Type:     FrameType((word >> 4) & 0x0f),
		Flags:    uint8(word) & flagMask,
		Payload:  data[frameHeaderLength:],
	}, nil
}

// Release returns an encode buffer to the pool. Only call this once
// the transport has fully consumed the buffer; releasing early lets
// another writer overwrite bytes still in flight.
func (codec *FrameCodec) Release(buf []byte) {
	codec.pool.release(buf[:cap(buf)])
}

func putHeader(buf []byte, f *Frame) {
	word := f.StreamID<<8 | uint32(f.Type)<<4 | uint32(f.Flags&flagMask)
	binary.BigEndian.PutUint32(buf[:frameHeaderLength], word)
}
