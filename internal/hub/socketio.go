package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	socket "github.com/zishang520/socket.io/clients/socket/v3"
	"github.com/zishang520/socket.io/v3/pkg/types"

	"github.com/umuteyi/movliqbot/pkg/logger"
)

// serverDisconnect is the reason Socket.IO reports when the server kicked
// the client; the client library does not reconnect after it.
const serverDisconnect = "io server disconnect"

type completion struct {
	err error
}

// socketIO implements Transport over Socket.IO. Hub invocations are emitted
// as events named after the method and acknowledged by the server.
type socketIO struct {
	opts     Options
	token    string
	listener Listener
	log      *logger.Logger

	mu        sync.Mutex
	sock      *socket.Socket
	connected chan struct{}
	isUp      bool
	closed    bool
	pending   map[uint64]chan completion
	nextID    uint64
	closeOnce sync.Once
}

func newSocketIO(opts Options, token string, l Listener) *socketIO {
	return &socketIO{
		opts:      opts,
		token:     token,
		listener:  l,
		log:       opts.Logger,
		connected: make(chan struct{}),
		pending:   make(map[uint64]chan completion),
	}
}

// splitURL separates the server origin from the Socket.IO path.
func splitURL(raw string) (origin, path string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	path = strings.TrimRight(u.Path, "/")
	if path == "" {
		path = "/socket.io"
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String(), path, nil
}

// Start implements Transport.
func (s *socketIO) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNotConnected
	}
	sock := s.sock
	connected := s.connected
	s.mu.Unlock()

	if sock == nil {
		var err error
		if sock, err = s.dial(); err != nil {
			return err
		}
	}

	select {
	case <-connected:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *socketIO) dial() (*socket.Socket, error) {
	origin, path, err := splitURL(s.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("hub: %w", err)
	}

	opts := socket.DefaultOptions()
	opts.SetPath(path)
	opts.SetTransports(types.NewSet(socket.Polling, socket.WebSocket))
	opts.SetAuth(map[string]interface{}{
		"token":        s.token,
		"access_token": s.token,
	})
	// The client backs off exponentially between these bounds.
	first := s.opts.reconnectDelay(0)
	if first <= 0 && len(s.opts.ReconnectDelays) > 1 {
		first = s.opts.reconnectDelay(1)
	}
	opts.SetReconnectionDelay(float64(first.Milliseconds()))
	opts.SetReconnectionDelayMax(float64(s.opts.reconnectDelay(len(s.opts.ReconnectDelays)).Milliseconds()))
	opts.SetTimeout(s.opts.HandshakeTimeout)

	sock, err := socket.Connect(origin, opts)
	if err != nil {
		return nil, fmt.Errorf("hub: failed to connect: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sock.Disconnect()
		return nil, ErrNotConnected
	}
	s.sock = sock
	s.mu.Unlock()

	sock.On(types.EventName("connect"), func(args ...any) {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.isUp = true
		select {
		case <-s.connected:
		default:
			close(s.connected)
		}
		s.mu.Unlock()

		s.log.Debugf("socket.io connected: %s", sock.Id())
		s.listener.OnConnected()
	})

	sock.On(types.EventName("disconnect"), func(args ...any) {
		reason := ""
		if len(args) > 0 {
			if r, ok := args[0].(string); ok {
				reason = r
			}
		}

		s.mu.Lock()
		s.isUp = false
		closed := s.closed
		pending := s.pending
		s.pending = make(map[uint64]chan completion)
		s.mu.Unlock()

		failPendingIDs(pending, ErrConnectionLost)
		if closed {
			return
		}
		err := fmt.Errorf("%w: %s", ErrConnectionLost, reason)
		if reason == serverDisconnect {
			s.log.Warnf("socket.io closed by server")
			s.shutdown(err)
			return
		}
		s.log.Warnf("socket.io disconnected, reconnecting: %s", reason)
		s.listener.OnReconnecting(err)
	})

	sock.On(types.EventName("connect_error"), func(args ...any) {
		if len(args) > 0 {
			s.log.Warnf("socket.io connection error: %v", args[0])
		}
	})

	for _, name := range EventNames {
		target := name
		sock.On(types.EventName(target), func(args ...any) {
			msg := Message{Target: target, Args: make([]json.RawMessage, 0, len(args))}
			for _, arg := range args {
				raw, err := json.Marshal(arg)
				if err != nil {
					s.log.Warnf("dropping %s: %v", target, err)
					return
				}
				msg.Args = append(msg.Args, raw)
			}
			s.listener.OnMessage(msg)
		})
	}

	// The handshake may finish before the connect handler is registered.
	if sock.Connected() {
		s.mu.Lock()
		s.isUp = true
		select {
		case <-s.connected:
		default:
			close(s.connected)
		}
		s.mu.Unlock()
		s.listener.OnConnected()
	}

	return sock, nil
}

// Invoke implements Transport.
func (s *socketIO) Invoke(ctx context.Context, method string, args ...any) error {
	s.mu.Lock()
	if s.closed || s.sock == nil {
		s.mu.Unlock()
		return fmt.Errorf("hub: %s: %w", method, ErrNotConnected)
	}
	if !s.isUp {
		s.mu.Unlock()
		return fmt.Errorf("hub: %s: %w", method, ErrConnectionLost)
	}
	sock := s.sock
	s.nextID++
	id := s.nextID
	ch := make(chan completion, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	payload := append(append([]any{}, args...), func(ack []any, err error) {
		if err != nil {
			s.complete(id, fmt.Errorf("%w: %w", ErrInvocation, err))
			return
		}
		s.complete(id, ackError(ack))
	})
	if err := sock.Emit(method, payload...); err != nil {
		s.forget(id)
		return fmt.Errorf("hub: %s: %w: %w", method, ErrConnectionLost, err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("hub: %s: %w", method, res.err)
		}
		return nil
	case <-ctx.Done():
		s.forget(id)
		return ctx.Err()
	}
}

// ackError extracts a server error from an acknowledgement. The server acks
// with either nothing, a result, or an object carrying an "error" field.
func ackError(ack []any) error {
	if len(ack) == 0 {
		return nil
	}
	m, ok := ack[0].(map[string]interface{})
	if !ok {
		return nil
	}
	if msg, ok := m["error"].(string); ok && msg != "" {
		return fmt.Errorf("%w: %s", ErrInvocation, msg)
	}
	return nil
}

func (s *socketIO) complete(id uint64, err error) {
	s.mu.Lock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if ok {
		ch <- completion{err: err}
	}
}

func (s *socketIO) forget(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func failPendingIDs(pending map[uint64]chan completion, err error) {
	for _, ch := range pending {
		ch <- completion{err: err}
	}
}

// Close implements Transport.
func (s *socketIO) Close() error {
	s.shutdown(nil)
	return nil
}

func (s *socketIO) shutdown(reason error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.isUp = false
		sock := s.sock
		s.sock = nil
		pending := s.pending
		s.pending = make(map[uint64]chan completion)
		s.mu.Unlock()

		if sock != nil {
			sock.Disconnect()
		}
		failPendingIDs(pending, ErrNotConnected)
		s.listener.OnClosed(reason)
	})
}
