package multiplex

import (
	"testing"
	"time"

	"github.com/cbeuw/connutil"
	"github.com/stretchr/testify/assert"

	"github.com/canal-dev/canal/internal/common"
)

// TestBindOverPipe runs two bound multiplexers over an in-memory
// duplex pipe with length-prefixed message boundaries, the same
// layering a TCP deployment uses.
func TestBindOverPipe(t *testing.T) {
	c, s := connutil.AsyncPipe()
	connA := common.NewMessageConn(c)
	connB := common.NewMessageConn(s)

	muxA := NewMultiplexer(Config{})
	muxB := NewMultiplexer(Config{Even: true})

	echoed := make(chan []byte, 1)

	muxB.OnStreamCreated(func(stream *Stream) {
		stream.OnData(func(data []byte) {
			assert.NoError(t, stream.Write(data, false))
		})
	})

	go muxA.Bind(connA)
	go muxB.Bind(connB)

	// Bind installs the transport; give the goroutines a beat
	time.Sleep(10 * time.Millisecond)

	stream, err := muxA.CreateStream()
	assert.NoError(t, err)
	stream.OnData(func(data []byte) {
		echoed <- append([]byte(nil), data...)
	})
	assert.NoError(t, stream.Write([]byte("ping"), true))

	select {
	case got := <-echoed:
		assert.Equal(t, []byte("ping"), got)
	case <-time.After(2 * time.Second):
		t.Fatal("echo did not arrive")
	}

	_ = connA.Close()
	_ = connB.Close()
}

func TestValveAccounting(t *testing.T) {
	valve := MakeValve(1<<30, 1<<30)
	aToB := &recordingTransport{}
	mux := NewMultiplexer(Config{Transport: aToB, Valve: valve})

	stream, _ := mux.CreateStream()
	assert.NoError(t, stream.Write(make([]byte, 100), true))

	assert.EqualValues(t, 100+frameHeaderLength, valve.GetTx())
	assert.EqualValues(t, 0, valve.GetRx())
}
