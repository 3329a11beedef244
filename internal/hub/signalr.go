package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/philippseith/signalr"

	"github.com/umuteyi/movliqbot/pkg/logger"
)

// signalR implements Transport with a SignalR hub client speaking the JSON
// hub protocol over WebSockets. The client reconnects on its own; signalR
// maps its state changes onto the Listener.
type signalR struct {
	opts     Options
	token    string
	listener Listener
	log      *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	client    signalr.Client
	started   bool
	closed    bool
	up        bool
	connected chan struct{}
	// lost is closed when the current session ends.
	lost chan struct{}

	closeOnce sync.Once
}

func newSignalR(opts Options, token string, l Listener) *signalR {
	ctx, cancel := context.WithCancel(context.Background())
	return &signalR{
		opts:      opts,
		token:     token,
		listener:  l,
		log:       opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
		connected: make(chan struct{}),
		lost:      make(chan struct{}),
	}
}

// hubAddress appends the access token to the hub URL. The client carries
// the query into both negotiate and the WebSocket request, which is where
// the service reads the bearer token from for WebSocket transports.
func hubAddress(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("hub: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return "", fmt.Errorf("hub: unsupported scheme %q", u.Scheme)
	}
	if token != "" {
		q := u.Query()
		q.Set("access_token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Start implements Transport.
func (s *signalR) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNotConnected
	}
	connected := s.connected
	if !s.started {
		if err := s.startLocked(); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Unlock()

	select {
	case <-connected:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrNotConnected
	}
}

func (s *signalR) startLocked() error {
	address, err := hubAddress(s.opts.URL, s.token)
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.token)

	client, err := signalr.NewClient(s.ctx,
		signalr.WithConnector(func() (signalr.Connection, error) {
			ctx, cancel := context.WithTimeout(s.ctx, s.opts.HandshakeTimeout)
			defer cancel()
			return signalr.NewHTTPConnection(ctx, address,
				signalr.WithHTTPHeaders(func() http.Header { return header.Clone() }))
		}),
		signalr.WithReceiver(&receiver{listener: s.listener}),
		signalr.WithBackoff(func() backoff.BackOff { return &schedule{opts: s.opts} }),
		signalr.KeepAliveInterval(s.opts.KeepAlive),
		signalr.TimeoutInterval(s.opts.ServerTimeout),
		signalr.HandshakeTimeout(s.opts.HandshakeTimeout),
		signalr.Logger(kitLogger{log: s.log}, false),
	)
	if err != nil {
		return fmt.Errorf("hub: failed to create client: %w", err)
	}

	states := make(chan signalr.ClientState, 8)
	stopObserving := client.ObserveStateChanged(states)
	s.client = client
	s.started = true
	go s.watch(client, states, stopObserving)
	client.Start()
	return nil
}

// watch turns client state changes into Listener callbacks.
func (s *signalR) watch(client signalr.Client, states <-chan signalr.ClientState, stop context.CancelFunc) {
	defer stop()
	wasUp := false
	for {
		select {
		case <-s.ctx.Done():
			return
		case state := <-states:
			switch state {
			case signalr.ClientConnected:
				if wasUp {
					continue
				}
				wasUp = true
				s.setUp(true)
				s.log.Debugf("signalr connected")
				s.listener.OnConnected()
			case signalr.ClientConnecting:
				if !wasUp {
					continue
				}
				wasUp = false
				s.setUp(false)
				err := client.Err()
				if err == nil {
					err = ErrConnectionLost
				}
				s.listener.OnReconnecting(err)
			case signalr.ClientClosed:
				s.setUp(false)
				s.shutdown(client.Err())
				return
			}
		}
	}
}

func (s *signalR) setUp(up bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.up == up {
		return
	}
	s.up = up
	if up {
		select {
		case <-s.connected:
		default:
			close(s.connected)
		}
		return
	}
	close(s.lost)
	s.lost = make(chan struct{})
}

// Invoke implements Transport.
func (s *signalR) Invoke(ctx context.Context, method string, args ...any) error {
	s.mu.Lock()
	if s.closed || s.client == nil {
		s.mu.Unlock()
		return fmt.Errorf("hub: %s: %w", method, ErrNotConnected)
	}
	if !s.up {
		s.mu.Unlock()
		return fmt.Errorf("hub: %s: %w", method, ErrConnectionLost)
	}
	client := s.client
	lost := s.lost
	s.mu.Unlock()

	select {
	case res := <-client.Invoke(method, args...):
		if res.Error == nil {
			return nil
		}
		select {
		case <-lost:
			return fmt.Errorf("hub: %s: %w: %v", method, ErrConnectionLost, res.Error)
		default:
		}
		return fmt.Errorf("hub: %s: %w: %v", method, ErrInvocation, res.Error)
	case <-lost:
		return fmt.Errorf("hub: %s: %w", method, ErrConnectionLost)
	case <-s.ctx.Done():
		return fmt.Errorf("hub: %s: %w", method, ErrNotConnected)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements Transport.
func (s *signalR) Close() error {
	s.shutdown(nil)
	return nil
}

func (s *signalR) shutdown(reason error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.up = false
		client := s.client
		s.mu.Unlock()

		s.listener.OnClosed(reason)
		s.cancel()
		if client != nil {
			client.Stop()
		}
	})
}

// receiver gets the server's invocations. The client dispatches on the
// method name and decodes each argument into the parameter type, so the
// arguments arrive raw and Decode interprets them.
type receiver struct {
	listener Listener
}

func (r *receiver) forward(target string, args ...json.RawMessage) {
	r.listener.OnMessage(Message{Target: target, Args: args})
}

func (r *receiver) UserJoined(user json.RawMessage) { r.forward(EventUserJoined, user) }

func (r *receiver) UserLeft(user json.RawMessage) { r.forward(EventUserLeft, user) }

func (r *receiver) RoomParticipants(participants json.RawMessage) {
	r.forward(EventRoomParticipants, participants)
}

func (r *receiver) LocationUpdated(email, distance, steps json.RawMessage) {
	r.forward(EventLocationUpdated, email, distance, steps)
}

func (r *receiver) RaceAlreadyStarted(data json.RawMessage) {
	r.forward(EventRaceAlreadyStarted, data)
}

func (r *receiver) RaceEnded(data json.RawMessage) { r.forward(EventRaceEnded, data) }

func (r *receiver) StartRace(data json.RawMessage) { r.forward(EventStartRace, data) }

// schedule is the reconnect backoff: ReconnectDelays in order, then the
// last delay forever.
type schedule struct {
	opts    Options
	attempt int
}

func (b *schedule) NextBackOff() time.Duration {
	d := b.opts.reconnectDelay(b.attempt)
	b.attempt++
	return d
}

func (b *schedule) Reset() { b.attempt = 0 }

// kitLogger adapts the key/value logging of the SignalR client.
type kitLogger struct {
	log *logger.Logger
}

func (k kitLogger) Log(keyVals ...interface{}) error {
	if !logger.Enabled(logger.LevelTrace) {
		return nil
	}
	var b strings.Builder
	for i := 0; i+1 < len(keyVals); i += 2 {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%v=%v", keyVals[i], keyVals[i+1])
	}
	k.log.Tracef("signalr: %s", b.String())
	return nil
}
