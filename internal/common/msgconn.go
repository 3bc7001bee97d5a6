package common

import (
	"encoding/binary"
	"io"
	"net"
)

const lengthPrefixSize = 4

// MessageConn restores message boundaries on top of a byte-stream
// conn by prefixing every write with a 4-byte big-endian length.
//
// TCP is a stream: multiple messages can arrive coalesced and a
// single message can be segmented by the IP layer. Read guarantees
// exactly one whole message per call, which is what the frame router
// requires.
type MessageConn struct {
	net.Conn
}

func NewMessageConn(conn net.Conn) *MessageConn {
	return &MessageConn{Conn: conn}
}

func (mc *MessageConn) Read(buffer []byte) (n int, err error) {
	var header [lengthPrefixSize]byte
	_, err = io.ReadFull(mc.Conn, header[:])
	if err != nil {
		return
	}

	dataLength := int(binary.BigEndian.Uint32(header[:]))
	if dataLength > len(buffer) {
		err = io.ErrShortBuffer
		return
	}
	return io.ReadFull(mc.Conn, buffer[:dataLength])
}

func (mc *MessageConn) Write(in []byte) (n int, err error) {
	toWrite := make([]byte, lengthPrefixSize+len(in))
	binary.BigEndian.PutUint32(toWrite[:lengthPrefixSize], uint32(len(in)))
	copy(toWrite[lengthPrefixSize:], in)
	_, err = mc.Conn.Write(toWrite)
	if err != nil {
		return 0, err
	}
	return len(in), nil
}
