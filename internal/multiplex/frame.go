package multiplex

type FrameType uint8

const (
	FrameData  FrameType = 0
	FrameClose FrameType = 1
	FrameError FrameType = 2
)

const (
	// FlagNew marks the first frame of a stream's first write,
	// announcing the stream's creation to the peer.
	FlagNew uint8 = 1 << 0

	flagMask uint8 = 0x0f
)

const (
	frameHeaderLength = 4

	// MaxFrameSize is the ceiling on a whole encoded frame, header
	// included.
	MaxFrameSize = 1 << 20

	// MaxStreamID is the largest stream id expressible in the 24-bit
	// header field.
	MaxStreamID = 1<<24 - 1
)

// A Frame is one discrete unit of the wire protocol. The header is a
// single big-endian uint32 packed as (StreamID<<8)|(Type<<4)|Flags,
// followed by the raw payload.
type Frame struct {
	StreamID uint32
	Type     FrameType
	Flags    uint8
	Payload  []byte
}

func (f *Frame) reset() {
	f.StreamID = 0
	f.Type = FrameData
	f.Flags = 0
	f.Payload = nil
}
