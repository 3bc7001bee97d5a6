package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var ErrRequestTimeout = errors.New("request timed out")
var ErrClientDisposed = errors.New("rpc client disposed")

// RemoteError carries the error string of a Response whose handler
// failed on the other side.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

type ClientConfig struct {
	// Timeout bounds every request. Zero disables the timer; requests
	// then settle only on response, context cancellation or Dispose.
	Timeout time.Duration

	// Token rides on every request. Opaque to this layer.
	Token string
}

type settlement struct {
	payload json.RawMessage
	err     error
}

type notifyEntry struct {
	cb func(json.RawMessage)
}

// A Client issues correlated requests over a Channel and fans
// incoming notifications out to subscribers. Push every inbound
// message from the channel's read side into HandleMessage.
type Client struct {
	config  ClientConfig
	channel Channel

	pendingM sync.Mutex
	pending  map[string]chan settlement
	disposed bool

	notifyM sync.Mutex
	notify  map[string][]*notifyEntry
}

func NewClient(channel Channel, config ClientConfig) *Client {
	return &Client{
		config:  config,
		channel: channel,
		pending: map[string]chan settlement{},
		notify:  map[string][]*notifyEntry{},
	}
}

// Request sends one operation and blocks until it settles: a matching
// response arrives, the fixed timeout elapses, ctx is cancelled, or
// the client is disposed. Each cause yields a distinguishable error
// and in every case the pending entry is removed.
func (client *Client) Request(ctx context.Context, opType string, payload interface{}) (json.RawMessage, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("marshalling %v request: %w", opType, err)
	}

	id := uuid.NewString()
	settleCh := make(chan settlement, 1)

	client.pendingM.Lock()
	if client.disposed {
		client.pendingM.Unlock()
		return nil, ErrClientDisposed
	}
	client.pending[id] = settleCh
	client.pendingM.Unlock()

	data, err := json.Marshal(Request{ID: id, Type: opType, Payload: body, Token: client.config.Token})
	if err == nil {
		err = client.channel.Send(data)
	}
	if err != nil {
		client.forget(id)
		return nil, fmt.Errorf("sending %v request: %w", opType, err)
	}

	var timeoutCh <-chan time.Time
	if client.config.Timeout > 0 {
		timer := time.NewTimer(client.config.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case settled := <-settleCh:
		return settled.payload, settled.err
	case <-timeoutCh:
		client.forget(id)
		return nil, fmt.Errorf("%v after %v: %w", opType, client.config.Timeout, ErrRequestTimeout)
	case <-ctx.Done():
		client.forget(id)
		return nil, fmt.Errorf("%v aborted: %w", opType, context.Cause(ctx))
	}
}

// HandleMessage routes one inbound message: responses settle their
// pending request, notifications fan out to subscribers. A response
// for an unknown id is dropped, not errored; the requester may have
// timed out or been disposed already.
func (client *Client) HandleMessage(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Debugf("rpc client dropping undecodable message: %v", err)
		return
	}

	if env.ID == "" {
		if env.Type == "" {
			return
		}
		client.notifyM.Lock()
		entries := append([]*notifyEntry(nil), client.notify[env.Type]...)
		client.notifyM.Unlock()
		for _, entry := range entries {
			entry.cb(env.Payload)
		}
		return
	}

	client.pendingM.Lock()
	settleCh, ok := client.pending[env.ID]
	if ok {
		delete(client.pending, env.ID)
	}
	client.pendingM.Unlock()
	if !ok {
		log.Debugf("rpc client dropping response for unknown id %v", env.ID)
		return
	}

	if env.Error != "" {
		settleCh <- settlement{err: &RemoteError{Message: env.Error}}
	} else {
		// the requester outlives this callback, and data may alias a
		// transport read buffer that gets reused
		settleCh <- settlement{payload: append(json.RawMessage(nil), env.Payload...)}
	}
}

// OnNotification subscribes cb to notifications of the given type.
// Multiple listeners per type are supported. The returned func
// removes exactly this registration, not every listener of the type.
func (client *Client) OnNotification(notifType string, cb func(json.RawMessage)) func() {
	entry := &notifyEntry{cb: cb}
	client.notifyM.Lock()
	client.notify[notifType] = append(client.notify[notifType], entry)
	client.notifyM.Unlock()

	return func() {
		client.notifyM.Lock()
		defer client.notifyM.Unlock()
		entries := client.notify[notifType]
		for i, candidate := range entries {
			if candidate == entry {
				client.notify[notifType] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
	}
}

// Dispose rejects every currently pending request with reason wrapped
// in ErrClientDisposed. Required for clean shutdown: no request may
// leak unsettled. A second Dispose is a no-op.
func (client *Client) Dispose(reason error) {
	client.pendingM.Lock()
	if client.disposed {
		client.pendingM.Unlock()
		return
	}
	client.disposed = true
	pending := client.pending
	client.pending = map[string]chan settlement{}
	client.pendingM.Unlock()

	err := error(ErrClientDisposed)
	if reason != nil {
		err = fmt.Errorf("%w: %v", ErrClientDisposed, reason)
	}
	for id, settleCh := range pending {
		log.Tracef("rejecting pending request %v on dispose", id)
		settleCh <- settlement{err: err}
	}
}

func (client *Client) forget(id string) {
	client.pendingM.Lock()
	delete(client.pending, id)
	client.pendingM.Unlock()
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(payload)
	}
}
