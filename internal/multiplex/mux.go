package multiplex

import (
	"errors"
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
)

var ErrBrokenStream = errors.New("broken stream")
var ErrStreamLive = errors.New("stream id is already live")

// A MessageWriter ships one encoded frame as a single message. The
// underlying transport must be reliable and order-preserving; the
// framing layer has no flow control or resequencing of its own.
type MessageWriter interface {
	WriteMessage(data []byte) error
}

// A StreamPool recycles disposed Stream objects so high stream
// turnover does not churn the allocator. Like BufferPool it is an
// explicit instance-owned object, never package state.
type StreamPool struct {
	pool sync.Pool
}

func NewStreamPool() *StreamPool {
	return &StreamPool{pool: sync.Pool{New: func() interface{} { return &Stream{} }}}
}

func (sp *StreamPool) get() *Stream  { return sp.pool.Get().(*Stream) }
func (sp *StreamPool) put(s *Stream) { sp.pool.Put(s) }

type Config struct {
	// Transport carries encoded frames to the peer. Optional when the
	// multiplexer is only ever bound with Bind.
	Transport MessageWriter

	// Even selects the id allocation parity: the initiator that opens
	// the physical connection allocates odd ids, its peer even ones.
	// The convention only governs local allocation; any id may
	// receive frames from either side.
	Even bool

	// ReleaseBuffers returns encode buffers to the pool immediately
	// after Transport.WriteMessage returns. Only enable this when the
	// transport has fully consumed the buffer by then.
	ReleaseBuffers bool

	// Valve rate-limits and accounts transport bytes. Nil means
	// unlimited.
	Valve *Valve

	// BufferPool and StreamPool may be shared between multiplexers.
	// Nil constructs private ones.
	BufferPool *BufferPool
	StreamPool *StreamPool
}

// A Multiplexer owns the live stream table of one physical
// connection: it allocates outgoing stream ids, routes incoming
// frames, and recycles disposed streams.
type Multiplexer struct {
	config Config
	codec  *FrameCodec
	valve  *Valve

	streamsM     sync.Mutex
	streams      map[uint32]*Stream
	nextStreamID uint32
	disposed     bool

	streamPool *StreamPool

	createdM  sync.Mutex
	onCreated []func(*Stream)
}

func NewMultiplexer(config Config) *Multiplexer {
	if config.StreamPool == nil {
		config.StreamPool = NewStreamPool()
	}
	if config.Valve == nil {
		config.Valve = UnlimitedValve
	}
	mux := &Multiplexer{
		config:     config,
		codec:      NewFrameCodec(config.BufferPool),
		valve:      config.Valve,
		streams:    map[uint32]*Stream{},
		streamPool: config.StreamPool,
	}
	if config.Even {
		mux.nextStreamID = 2
	} else {
		mux.nextStreamID = 1
	}
	return mux
}

// Codec exposes the multiplexer's frame codec.
func (mux *Multiplexer) Codec() *FrameCodec { return mux.codec }

// OnStreamCreated subscribes to streams created implicitly by
// incoming frames: either the peer announced a NEW stream, or a frame
// referenced an id this side has no record of (a peer that restarted
// and lost its stream table keeps writing to old ids; those frames
// resurrect the stream here rather than failing).
func (mux *Multiplexer) OnStreamCreated(cb func(*Stream)) {
	mux.createdM.Lock()
	mux.onCreated = append(mux.onCreated, cb)
	mux.createdM.Unlock()
}

// CreateStream opens a stream on the next id of this side's parity.
func (mux *Multiplexer) CreateStream() (*Stream, error) {
	mux.streamsM.Lock()
	id := mux.nextStreamID
	mux.nextStreamID += 2
	stream, err := mux.createLocked(id)
	mux.streamsM.Unlock()
	return stream, err
}

// CreateStreamID opens a stream on an explicit id. It fails if the id
// currently names a live stream; once that stream is disposed the id
// may be used again.
func (mux *Multiplexer) CreateStreamID(id uint32) (*Stream, error) {
	mux.streamsM.Lock()
	stream, err := mux.createLocked(id)
	mux.streamsM.Unlock()
	return stream, err
}

func (mux *Multiplexer) createLocked(id uint32) (*Stream, error) {
	if mux.disposed {
		return nil, ErrBrokenStream
	}
	if id > MaxStreamID {
		return nil, fmt.Errorf("stream id %v does not fit in 24 bits", id)
	}
	if _, live := mux.streams[id]; live {
		return nil, fmt.Errorf("creating stream %v: %w", id, ErrStreamLive)
	}
	stream := mux.streamPool.get()
	stream.reset(id, mux)
	mux.streams[id] = stream
	log.Tracef("stream %v opened locally", id)
	return stream, nil
}

// HandleMessage decodes one incoming message and routes the frame to
// its stream. A frame for an id with no live stream transparently
// creates one and fires the stream-created event exactly once for it,
// before the frame is delivered.
func (mux *Multiplexer) HandleMessage(data []byte) error {
	f, err := mux.codec.Decode(data)
	if err != nil {
		return err
	}

	mux.streamsM.Lock()
	if mux.disposed {
		mux.streamsM.Unlock()
		return ErrBrokenStream
	}
	stream, live := mux.streams[f.StreamID]
	var created bool
	if !live {
		stream = mux.streamPool.get()
		stream.reset(f.StreamID, mux)
		mux.streams[f.StreamID] = stream
		created = true
	}
	mux.streamsM.Unlock()

	if created {
		log.Tracef("stream %v created by incoming frame", f.StreamID)
		mux.createdM.Lock()
		subs := make([]func(*Stream), len(mux.onCreated))
		copy(subs, mux.onCreated)
		mux.createdM.Unlock()
		for _, cb := range subs {
			cb(stream)
		}
	}

	stream.handleFrame(f)
	return nil
}

// Bind attaches a message-boundary-preserving conn (for instance a
// util.WebSocketConn or common.MessageConn) as both the transport and
// the frame source, and blocks reading it until it fails.
func (mux *Multiplexer) Bind(conn net.Conn) error {
	mux.streamsM.Lock()
	if mux.config.Transport == nil {
		mux.config.Transport = connWriter{conn}
	}
	mux.streamsM.Unlock()

	buf := make([]byte, MaxFrameSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			log.Debugf("multiplexer connection closed: %v", err)
			return err
		}
		mux.valve.rxWait(n)
		mux.valve.AddRx(int64(n))
		if err := mux.HandleMessage(buf[:n]); err != nil {
			log.Errorf("dropping frame: %v", err)
		}
	}
}

type connWriter struct{ conn net.Conn }

func (w connWriter) WriteMessage(data []byte) error {
	_, err := w.conn.Write(data)
	return err
}

func (mux *Multiplexer) sendFrame(f *Frame) error {
	buf, err := mux.codec.Encode(f)
	if err != nil {
		return err
	}
	return mux.ship(buf)
}

func (mux *Multiplexer) sendFrameTyped(f *Frame, typeByte byte) error {
	buf, err := mux.codec.EncodeTyped(f, typeByte)
	if err != nil {
		return err
	}
	return mux.ship(buf)
}

func (mux *Multiplexer) ship(buf []byte) error {
	mux.valve.txWait(len(buf))
	err := mux.config.Transport.WriteMessage(buf)
	mux.valve.AddTx(int64(len(buf)))
	if mux.config.ReleaseBuffers {
		mux.codec.Release(buf)
	}
	return err
}

// retire removes a disposed stream from the live table and returns
// the object to the pool. The id becomes free for reuse. The object
// is only pooled when this call removed the table entry, so a
// concurrent Dispose cannot double-pool it.
func (mux *Multiplexer) retire(stream *Stream) {
	mux.streamsM.Lock()
	current, ok := mux.streams[stream.id]
	owned := ok && current == stream
	if owned {
		delete(mux.streams, stream.id)
	}
	mux.streamsM.Unlock()
	if owned {
		mux.streamPool.put(stream)
	}
}

// StreamCount reports the number of live streams.
func (mux *Multiplexer) StreamCount() int {
	mux.streamsM.Lock()
	defer mux.streamsM.Unlock()
	return len(mux.streams)
}

// Dispose force-closes every live stream, pools the objects, and
// clears all event subscriptions. Used for full teardown.
func (mux *Multiplexer) Dispose() {
	mux.streamsM.Lock()
	streams := mux.streams
	mux.streams = map[uint32]*Stream{}
	mux.disposed = true
	mux.streamsM.Unlock()

	for _, stream := range streams {
		stream.forceDispose()
		mux.streamPool.put(stream)
	}

	mux.createdM.Lock()
	mux.onCreated = nil
	mux.createdM.Unlock()
	log.Debugf("multiplexer disposed, %v streams force-closed", len(streams))
}
