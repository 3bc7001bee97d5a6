package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// HandlerFunc runs one operation. The returned value is marshalled
// into the response payload; a non-nil error becomes Response.Error.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (interface{}, error)

type tokenKey struct{}

// TokenFromContext returns the opaque token the request carried, or
// the empty string. The rpc layer threads it through unvalidated.
func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey{}).(string)
	return token
}

// A Server dispatches incoming requests by type to registered
// handlers and writes back responses. Handlers are pluggable; an
// unknown type is answered with an error response, never a dropped
// channel.
type Server struct {
	channel Channel

	handlersM sync.RWMutex
	handlers  map[string]HandlerFunc
}

func NewServer(channel Channel) *Server {
	return &Server{
		channel:  channel,
		handlers: map[string]HandlerFunc{},
	}
}

// Register installs the handler for one operation type, replacing any
// previous one.
func (server *Server) Register(opType string, handler HandlerFunc) {
	server.handlersM.Lock()
	server.handlers[opType] = handler
	server.handlersM.Unlock()
}

// RegisterAll installs every handler in the map.
func (server *Server) RegisterAll(handlers map[string]HandlerFunc) {
	server.handlersM.Lock()
	for opType, handler := range handlers {
		server.handlers[opType] = handler
	}
	server.handlersM.Unlock()
}

// HandleMessage decodes one inbound request and runs its handler
// synchronously, then sends the response. Callers wanting concurrent
// handling run HandleMessage on their own goroutines.
func (server *Server) HandleMessage(ctx context.Context, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Debugf("rpc server dropping undecodable message: %v", err)
		return
	}
	if env.ID == "" || env.Type == "" {
		log.Debugf("rpc server dropping message that is not a request")
		return
	}

	server.handlersM.RLock()
	handler, ok := server.handlers[env.Type]
	server.handlersM.RUnlock()
	if !ok {
		server.respond(Response{ID: env.ID, Error: fmt.Sprintf("unknown operation type %q", env.Type)})
		return
	}

	result, err := handler(context.WithValue(ctx, tokenKey{}, env.Token), env.Payload)
	if err != nil {
		server.respond(Response{ID: env.ID, Error: err.Error()})
		return
	}

	body, err := marshalPayload(result)
	if err != nil {
		server.respond(Response{ID: env.ID, Error: fmt.Sprintf("marshalling %v response: %v", env.Type, err)})
		return
	}
	if body == nil {
		body = json.RawMessage(`{}`)
	}
	server.respond(Response{ID: env.ID, Payload: body})
}

// Notify pushes a one-way notification to the peer.
func (server *Server) Notify(notifType string, payload interface{}) error {
	body, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("marshalling %v notification: %w", notifType, err)
	}
	data, err := json.Marshal(Notification{Type: notifType, Payload: body})
	if err != nil {
		return err
	}
	return server.channel.Send(data)
}

func (server *Server) respond(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Errorf("marshalling response %v: %v", resp.ID, err)
		return
	}
	if err := server.channel.Send(data); err != nil {
		log.Debugf("sending response %v: %v", resp.ID, err)
	}
}
