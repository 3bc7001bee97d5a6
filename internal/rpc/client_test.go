package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// loopback wires a client and a server directly: every send is
// delivered synchronously to the other side.
type loopback struct {
	deliver func([]byte)
}

func (ch *loopback) Send(data []byte) error {
	ch.deliver(append([]byte(nil), data...))
	return nil
}

// blackhole drops everything, for timeout and abort tests.
type blackhole struct{}

func (blackhole) Send([]byte) error { return nil }

func makeClientServerPair(config ClientConfig) (*Client, *Server) {
	clientCh := &loopback{}
	serverCh := &loopback{}
	client := NewClient(clientCh, config)
	server := NewServer(serverCh)
	clientCh.deliver = func(data []byte) { server.HandleMessage(context.Background(), data) }
	serverCh.deliver = client.HandleMessage
	return client, server
}

func TestRequestResponse(t *testing.T) {
	client, server := makeClientServerPair(ClientConfig{})
	server.Register("upper", func(_ context.Context, payload json.RawMessage) (interface{}, error) {
		var req struct {
			Word string `json:"word"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return map[string]string{"word": req.Word + "!"}, nil
	})

	resp, err := client.Request(context.Background(), "upper", map[string]string{"word": "hey"})
	assert.NoError(t, err)
	assert.JSONEq(t, `{"word":"hey!"}`, string(resp))
	assert.Equal(t, 0, len(client.pending), "pending entry must be removed")
}

func TestRemoteError(t *testing.T) {
	client, server := makeClientServerPair(ClientConfig{})
	server.Register("boom", func(context.Context, json.RawMessage) (interface{}, error) {
		return nil, errors.New("handler exploded")
	})

	_, err := client.Request(context.Background(), "boom", nil)
	var remote *RemoteError
	assert.ErrorAs(t, err, &remote)
	assert.Equal(t, "handler exploded", remote.Message)
}

func TestUnknownOperationKeepsChannelOpen(t *testing.T) {
	client, server := makeClientServerPair(ClientConfig{})
	server.Register("known", func(context.Context, json.RawMessage) (interface{}, error) {
		return map[string]bool{"ok": true}, nil
	})

	_, err := client.Request(context.Background(), "nonsense", nil)
	var remote *RemoteError
	assert.ErrorAs(t, err, &remote)

	// the channel survived the unknown operation
	resp, err := client.Request(context.Background(), "known", nil)
	assert.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(resp))
}

func TestRequestTimeout(t *testing.T) {
	client := NewClient(blackhole{}, ClientConfig{Timeout: 30 * time.Millisecond})

	start := time.Now()
	_, err := client.Request(context.Background(), "void", nil)
	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, len(client.pending))
}

func TestRequestAbort(t *testing.T) {
	client := NewClient(blackhole{}, ClientConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := client.Request(ctx, "void", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrRequestTimeout, "abort must be distinguishable from timeout")
	assert.Equal(t, 0, len(client.pending))
}

func TestDisposeRejectsAllPending(t *testing.T) {
	client := NewClient(blackhole{}, ClientConfig{})

	const inflight = 3
	var wg sync.WaitGroup
	errs := make(chan error, inflight)
	for i := 0; i < inflight; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Request(context.Background(), "void", nil)
			errs <- err
		}()
	}

	// let the requests register
	assert.Eventually(t, func() bool {
		client.pendingM.Lock()
		defer client.pendingM.Unlock()
		return len(client.pending) == inflight
	}, time.Second, time.Millisecond)

	client.Dispose(errors.New("shutting down"))
	wg.Wait()
	close(errs)

	count := 0
	for err := range errs {
		assert.ErrorIs(t, err, ErrClientDisposed)
		assert.Contains(t, err.Error(), "shutting down")
		count++
	}
	assert.Equal(t, inflight, count)

	// a second dispose must not double-reject or panic
	client.Dispose(errors.New("again"))

	// and new requests fail fast
	_, err := client.Request(context.Background(), "void", nil)
	assert.ErrorIs(t, err, ErrClientDisposed)
}

func TestUnknownResponseDropped(t *testing.T) {
	client := NewClient(blackhole{}, ClientConfig{})
	client.HandleMessage([]byte(`{"id":"never-asked","payload":{}}`))
	assert.Equal(t, 0, len(client.pending))
}

func TestNotificationListeners(t *testing.T) {
	client := NewClient(blackhole{}, ClientConfig{})

	var first, second, other int
	unsubscribe := client.OnNotification("tick", func(json.RawMessage) { first++ })
	client.OnNotification("tick", func(json.RawMessage) { second++ })
	client.OnNotification("tock", func(json.RawMessage) { other++ })

	note, _ := json.Marshal(Notification{Type: "tick"})
	client.HandleMessage(note)
	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)
	assert.Equal(t, 0, other)

	// unsubscribing removes exactly the registered callback instance
	unsubscribe()
	client.HandleMessage(note)
	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}
