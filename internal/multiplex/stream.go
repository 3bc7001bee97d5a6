package multiplex

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// A Stream is one logical bidirectional channel multiplexed over the
// physical connection. Writes are chunked to the codec's limit;
// incoming frames are delivered through the registered callbacks.
//
// A stream is disposed by Close, by Error, or by receiving a CLOSE or
// ERROR frame. Disposed streams reject writes and are returned to
// their multiplexer's pool for reuse.
type Stream struct {
	id  uint32
	mux *Multiplexer

	// guards the write path, including the sentNew marker, so chunks
	// from concurrent writers never interleave
	writingM sync.Mutex
	sentNew  bool

	// atomic. 1 once the stream is disposed
	closed uint32

	callbackM sync.Mutex
	onData    func([]byte)
	onClose   func()
	onErrored func(string)
}

// ID returns the stream's 24-bit identifier.
func (stream *Stream) ID() uint32 { return stream.id }

// OnData registers the callback receiving DATA frame payloads. The
// payload slice is only valid for the duration of the callback.
func (stream *Stream) OnData(cb func([]byte)) {
	stream.callbackM.Lock()
	stream.onData = cb
	stream.callbackM.Unlock()
}

// OnClose registers the callback fired when the stream is disposed by
// a CLOSE frame or a local Close.
func (stream *Stream) OnClose(cb func()) {
	stream.callbackM.Lock()
	stream.onClose = cb
	stream.callbackM.Unlock()
}

// OnErrored registers the callback fired when the stream is disposed
// by an ERROR frame, with the peer's UTF-8 message.
func (stream *Stream) OnErrored(cb func(string)) {
	stream.callbackM.Lock()
	stream.onErrored = cb
	stream.callbackM.Unlock()
}

// Write sends p over the stream, splitting it into ordered max-size
// chunks when it exceeds the codec's payload limit. Only the first
// chunk of the stream's first write with first=true carries the NEW
// flag; every other frame carries no flags. Write assumes the
// transport preserves message order.
func (stream *Stream) Write(p []byte, first bool) error {
	return stream.write(p, first, false, 0)
}

// WriteTyped is Write with a single type byte prefixed inside the
// payload of the first chunk, letting the receiver distinguish
// sub-message kinds without another envelope.
func (stream *Stream) WriteTyped(typeByte byte, p []byte, first bool) error {
	return stream.write(p, first, true, typeByte)
}

func (stream *Stream) write(p []byte, first bool, typed bool, typeByte byte) error {
	if stream.isClosed() {
		return ErrBrokenStream
	}

	stream.writingM.Lock()
	defer stream.writingM.Unlock()

	codec := stream.mux.codec
	f := Frame{StreamID: stream.id, Type: FrameData}
	if first && !stream.sentNew {
		f.Flags = FlagNew
		stream.sentNew = true
	}

	// first chunk, possibly typed
	max := codec.MaxPayload()
	if typed {
		max = codec.MaxTypedPayload()
	}
	n := len(p)
	if n > max {
		n = max
	}
	f.Payload = p[:n]
	var err error
	if typed {
		err = stream.mux.sendFrameTyped(&f, typeByte)
	} else {
		err = stream.mux.sendFrame(&f)
	}
	if err != nil {
		return err
	}
	p = p[n:]

	// remaining chunks are plain and carry no flags
	f.Flags = 0
	for len(p) > 0 {
		n = len(p)
		if n > codec.MaxPayload() {
			n = codec.MaxPayload()
		}
		f.Payload = p[:n]
		if err := stream.mux.sendFrame(&f); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// Close disposes the stream and notifies the peer with a CLOSE frame.
// It is a no-op once the stream is disposed.
func (stream *Stream) Close() error {
	if !atomic.CompareAndSwapUint32(&stream.closed, 0, 1) {
		return nil
	}
	log.Tracef("stream %v actively closed", stream.id)
	err := stream.mux.sendFrame(&Frame{StreamID: stream.id, Type: FrameClose})
	stream.fireClose()
	stream.mux.retire(stream)
	return err
}

// Error disposes the stream and notifies the peer with an ERROR frame
// carrying msg. It is a no-op once the stream is disposed.
func (stream *Stream) Error(msg string) error {
	if !atomic.CompareAndSwapUint32(&stream.closed, 0, 1) {
		return nil
	}
	log.Tracef("stream %v actively errored: %v", stream.id, msg)
	err := stream.mux.sendFrame(&Frame{StreamID: stream.id, Type: FrameError, Payload: []byte(msg)})
	stream.fireClose()
	stream.mux.retire(stream)
	return err
}

func (stream *Stream) isClosed() bool { return atomic.LoadUint32(&stream.closed) == 1 }

// handleFrame dispatches one incoming frame. DATA goes to the data
// callback; CLOSE and ERROR dispose the stream.
func (stream *Stream) handleFrame(f Frame) {
	switch f.Type {
	case FrameData:
		stream.callbackM.Lock()
		cb := stream.onData
		stream.callbackM.Unlock()
		if cb != nil {
			cb(f.Payload)
		}
	case FrameClose:
		if !atomic.CompareAndSwapUint32(&stream.closed, 0, 1) {
			return
		}
		log.Tracef("stream %v passively closed", stream.id)
		stream.fireClose()
		stream.mux.retire(stream)
	case FrameError:
		if !atomic.CompareAndSwapUint32(&stream.closed, 0, 1) {
			return
		}
		msg := string(f.Payload)
		log.Tracef("stream %v passively errored: %v", stream.id, msg)
		stream.callbackM.Lock()
		cb := stream.onErrored
		stream.callbackM.Unlock()
		if cb != nil {
			cb(msg)
		}
		stream.mux.retire(stream)
	default:
		log.Debugf("stream %v dropping frame of unknown type %v", stream.id, f.Type)
	}
}

func (stream *Stream) fireClose() {
	stream.callbackM.Lock()
	cb := stream.onClose
	stream.callbackM.Unlock()
	if cb != nil {
		cb()
	}
}

// forceDispose closes the stream without telling the peer. Used by
// Multiplexer.Dispose during full teardown.
func (stream *Stream) forceDispose() {
	if !atomic.CompareAndSwapUint32(&stream.closed, 0, 1) {
		return
	}
	stream.fireClose()
}

// reset prepares a pooled stream object for reuse under a new id.
func (stream *Stream) reset(id uint32, mux *Multiplexer) {
	stream.id = id
	stream.mux = mux
	stream.sentNew = false
	stream.onData = nil
	stream.onClose = nil
	stream.onErrored = nil
	atomic.StoreUint32(&stream.closed, 0)
}
