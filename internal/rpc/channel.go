package rpc

import (
	"encoding/binary"

	"github.com/canal-dev/canal/internal/multiplex"
)

// A Channel sends one whole message to the peer. Inbound messages are
// pushed into the client or server through HandleMessage by whoever
// owns the channel's read side.
type Channel interface {
	Send(data []byte) error
}

const messagePrefixSize = 4

// StreamChannel adapts a multiplexed stream into a Channel. The
// stream layer chunks large writes into frames and delivers every
// frame payload separately, so Send prefixes each message with a
// 4-byte big-endian length; an Assembler on the receive side restores
// the boundaries. The first send announces the stream to the peer
// with the NEW flag.
type StreamChannel struct {
	stream *multiplex.Stream
	first  bool
}

func NewStreamChannel(stream *multiplex.Stream, announce bool) *StreamChannel {
	return &StreamChannel{stream: stream, first: announce}
}

func (ch *StreamChannel) Send(data []byte) error {
	buf := make([]byte, messagePrefixSize+len(data))
	binary.BigEndian.PutUint32(buf[:messagePrefixSize], uint32(len(data)))
	copy(buf[messagePrefixSize:], data)
	return ch.stream.Write(buf, ch.first)
}

func (ch *StreamChannel) Close() error {
	return ch.stream.Close()
}

// An Assembler reverses StreamChannel's length prefixing: feed every
// data chunk in arrival order and cb fires once per complete message.
// The slice passed to cb is a fresh copy the callback may keep.
type Assembler struct {
	buf []byte
	cb  func([]byte)
}

func NewAssembler(cb func([]byte)) *Assembler {
	return &Assembler{cb: cb}
}

// HandleChunk buffers one chunk and emits every message it completes.
// A single chunk may finish several small messages or only part of a
// large one.
func (a *Assembler) HandleChunk(data []byte) {
	a.buf = append(a.buf, data...)
	for len(a.buf) >= messagePrefixSize {
		n := int(binary.BigEndian.Uint32(a.buf[:messagePrefixSize]))
		if len(a.buf) < messagePrefixSize+n {
			return
		}
		msg := make([]byte, n)
		copy(msg, a.buf[messagePrefixSize:messagePrefixSize+n])
		a.buf = a.buf[messagePrefixSize+n:]
		a.cb(msg)
	}
	if len(a.buf) == 0 {
		a.buf = nil
	}
}
