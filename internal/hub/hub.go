// Package hub is the client side of the race hub: a persistent, auto-
// reconnecting connection over which the bot invokes JoinRoom, LeaveRoom and
// UpdateLocation, and receives the server's race events.
//
// Two wire transports implement Transport: SignalR's JSON hub protocol over
// WebSocket (the service's native protocol) and Socket.IO.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/umuteyi/movliqbot/pkg/logger"
)

// Hub method names invoked by the client.
const (
	MethodJoinRoom       = "JoinRoom"
	MethodLeaveRoom      = "LeaveRoom"
	MethodUpdateLocation = "UpdateLocation"
)

// Transport kinds accepted by NewDialer.
const (
	KindSignalR  = "signalr"
	KindSocketIO = "socketio"
)

var (
	// ErrConnectionLost is returned for invocations that were in flight, or
	// issued, while the transport was down.
	ErrConnectionLost = errors.New("hub connection lost")
	// ErrNotConnected is returned when the transport was never started or has
	// been closed.
	ErrNotConnected = errors.New("hub not connected")
	// ErrInvocation wraps an error reported by the server for an invocation.
	ErrInvocation = errors.New("hub invocation failed")
)

// IsConnectionLoss reports whether err means the transport is unusable. The
// check also accepts server messages mentioning "connection", which is how
// the hub reports a dropped underlying socket.
func IsConnectionLoss(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrNotConnected) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "connection")
}

// Message is one server-to-client invocation.
type Message struct {
	Target string
	Args   []json.RawMessage
}

// Listener receives transport lifecycle notifications and server messages.
// Callbacks run on transport goroutines and must not block.
type Listener interface {
	// OnConnected is called after the initial connect and after every
	// successful reconnect.
	OnConnected()
	// OnReconnecting is called when the connection drops and the transport
	// starts retrying.
	OnReconnecting(err error)
	// OnClosed is called once when the transport stops for good, either by
	// Close or because the server refused reconnection.
	OnClosed(err error)
	// OnMessage delivers a server invocation.
	OnMessage(msg Message)
}

// Transport is a persistent hub connection.
type Transport interface {
	// Start connects, retrying with the reconnect schedule until it succeeds
	// or ctx ends.
	Start(ctx context.Context) error
	// Invoke calls a hub method and waits for the server to acknowledge it.
	Invoke(ctx context.Context, method string, args ...any) error
	// Close disconnects and stops reconnecting. It is safe to call more
	// than once.
	Close() error
}

// Dialer builds a Transport authenticated with token. The transport is not
// connected until Start is called.
type Dialer func(token string, l Listener) Transport

// Options configures both transports.
type Options struct {
	// URL is the hub endpoint, e.g. https://backend.movliq.com/racehub.
	URL string
	// ReconnectDelays is the wait before each reconnect attempt; the last
	// entry repeats.
	ReconnectDelays []time.Duration
	// KeepAlive is the client ping interval (SignalR only).
	KeepAlive time.Duration
	// ServerTimeout drops the connection when nothing is received for this
	// long (SignalR only).
	ServerTimeout time.Duration
	// HandshakeTimeout bounds negotiate, dial and handshake.
	HandshakeTimeout time.Duration
	// Logger tags transport logs; nil logs without a prefix.
	Logger *logger.Logger
}

// DefaultReconnectDelays mirrors the automatic reconnect schedule of the
// official SignalR clients.
var DefaultReconnectDelays = []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}

func (o Options) withDefaults() Options {
	if len(o.ReconnectDelays) == 0 {
		o.ReconnectDelays = DefaultReconnectDelays
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = 15 * time.Second
	}
	if o.ServerTimeout <= 0 {
		o.ServerTimeout = 30 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 15 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logger.With("hub")
	}
	return o
}

// reconnectDelay returns the wait before attempt n (zero-based).
func (o Options) reconnectDelay(n int) time.Duration {
	if n < len(o.ReconnectDelays) {
		return o.ReconnectDelays[n]
	}
	return o.ReconnectDelays[len(o.ReconnectDelays)-1]
}

// NewDialer returns a Dialer for the named transport kind.
func NewDialer(kind string, opts Options) (Dialer, error) {
	opts = opts.withDefaults()
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("hub: empty url")
	}
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", KindSignalR:
		return func(token string, l Listener) Transport {
			return newSignalR(opts, token, l)
		}, nil
	case KindSocketIO:
		return func(token string, l Listener) Transport {
			return newSocketIO(opts, token, l)
		}, nil
	default:
		return nil, fmt.Errorf("hub: unknown transport %q", kind)
	}
}
