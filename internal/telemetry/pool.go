package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/umuteyi/movliqbot/internal/hub"
	"github.com/umuteyi/movliqbot/pkg/logger"
)

// PoolOptions tunes a Pool.
type PoolOptions struct {
	Connection Options

	// SubscribeTimeout bounds how long Subscribe waits for the join to be
	// acknowledged. The subscription itself keeps going after it expires.
	SubscribeTimeout time.Duration
	// ShutdownTimeout bounds each connection's orderly stop.
	ShutdownTimeout time.Duration
	// Resubscribe re-joins an agent's rooms on the new connection built
	// after a token refresh.
	Resubscribe bool
}

// Pool keeps at most one Connection per agent. It satisfies the
// coordinator's Subscriber and the session store's TokenListener.
type Pool struct {
	dial hub.Dialer
	opts PoolOptions
	log  *logger.Logger

	mu    sync.Mutex
	conns map[string]*Connection
	// tokens holds refreshed tokens not yet used by a new connection.
	tokens map[string]string
}

// NewPool returns an empty Pool that builds transports with dial.
func NewPool(dial hub.Dialer, opts PoolOptions) *Pool {
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = 30 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	return &Pool{
		dial:   dial,
		opts:   opts,
		log:    logger.With("telemetry"),
		conns:  make(map[string]*Connection),
		tokens: make(map[string]string),
	}
}

// Subscribe starts telemetry for agent in room, creating the agent's
// connection on first use. A connection whose transport has closed for
// good is replaced once.
func (p *Pool) Subscribe(ctx context.Context, agent, token string, roomID int64) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.SubscribeTimeout)
	defer cancel()

	c := p.connection(agent, token)
	err := c.Subscribe(ctx, roomID)
	if !errors.Is(err, ErrNotConnected) && !errors.Is(err, ErrStopped) {
		return err
	}
	p.log.Debugf("%s: connection gone, redialing", agent)
	p.discard(agent, c)
	return p.connection(agent, token).Subscribe(ctx, roomID)
}

// OnTokenRefreshed rebuilds agent's connection with the new token.
func (p *Pool) OnTokenRefreshed(ctx context.Context, email, token string) {
	if err := p.Rebuild(ctx, email, token); err != nil {
		p.log.Warnf("%s: rebuild after refresh: %v", email, err)
	}
}

// Rebuild replaces agent's connection with one authenticated by token.
// With Resubscribe set the old connection is detached and its rooms are
// resumed on the new one with their totals; otherwise it is stopped.
// Agents without a connection are left alone, but the next connection made
// for them uses token.
func (p *Pool) Rebuild(ctx context.Context, agent, token string) error {
	key := poolKey(agent)
	p.mu.Lock()
	p.tokens[key] = token
	old, ok := p.conns[key]
	if ok {
		delete(p.conns, key)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}

	if !p.opts.Resubscribe {
		if err := p.stop(ctx, old); err != nil {
			p.log.Debugf("%s: stop old connection: %v", agent, err)
		}
		return nil
	}

	snap, err := p.detach(ctx, old)
	if err != nil {
		p.log.Debugf("%s: detach old connection: %v", agent, err)
	}
	rooms := snap.RoomIDs()
	if len(rooms) == 0 {
		return nil
	}

	p.log.Infof("%s: resubscribing %d room(s) with refreshed token", agent, len(rooms))
	c := p.connection(agent, token)
	var errs []error
	for _, room := range rooms {
		subCtx, cancel := context.WithTimeout(ctx, p.opts.SubscribeTimeout)
		if err := c.Resume(subCtx, room, snap.Rooms[room]); err != nil {
			errs = append(errs, fmt.Errorf("room %d: %w", room, err))
		}
		cancel()
	}
	return errors.Join(errs...)
}

// StopAll stops every connection concurrently, each bounded by
// ShutdownTimeout.
func (p *Pool) StopAll(ctx context.Context) error {
	p.mu.Lock()
	conns := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[string]*Connection)
	p.mu.Unlock()

	var g errgroup.Group
	for _, c := range conns {
		g.Go(func() error {
			if err := p.stop(ctx, c); err != nil {
				p.log.Warnf("%s: stop: %v", c.Agent(), err)
				return fmt.Errorf("%s: %w", c.Agent(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Get returns agent's connection.
func (p *Pool) Get(agent string) (*Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[poolKey(agent)]
	return c, ok
}

// Len returns the number of connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// connection returns agent's connection, creating it if needed. A token
// recorded by Rebuild wins over token, which may predate the refresh.
func (p *Pool) connection(agent, token string) *Connection {
	key := poolKey(agent)
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[key]; ok {
		return c
	}
	if latest, ok := p.tokens[key]; ok {
		token = latest
		delete(p.tokens, key)
	}
	c := NewConnection(agent, token, p.dial, p.opts.Connection)
	p.conns[key] = c
	return c
}

// discard removes c if it is still agent's connection and stops it.
func (p *Pool) discard(agent string, c *Connection) {
	key := poolKey(agent)
	p.mu.Lock()
	if p.conns[key] == c {
		delete(p.conns, key)
	}
	p.mu.Unlock()
	_ = p.stop(context.Background(), c)
}

func (p *Pool) stop(ctx context.Context, c *Connection) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.ShutdownTimeout)
	defer cancel()
	return c.Stop(ctx)
}

func (p *Pool) detach(ctx context.Context, c *Connection) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.ShutdownTimeout)
	defer cancel()
	return c.Detach(ctx)
}

func poolKey(agent string) string {
	return strings.ToLower(strings.TrimSpace(agent))
}
