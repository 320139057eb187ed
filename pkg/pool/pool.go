// Package pool holds a bounded set of live remote filesystem clients keyed
// by connection id.
package pool

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"digital.vasic.remotefs/pkg/client"
)

// DefaultMaxConnections is used when New is given a non-positive limit.
const DefaultMaxConnections = 10

// Pool owns client instances for distinct logical connections. It is safe
// for concurrent use, but each client it holds is not: callers serialize
// access to an individual client themselves.
//
// A full pool never evicts. Callers must Remove a connection before adding
// another.
type Pool struct {
	mu      sync.Mutex
	clients map[string]client.Client
	max     int
	logger  *slog.Logger
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger for pool events.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New creates an empty pool holding at most maxConnections clients.
func New(maxConnections int, opts ...Option) *Pool {
	if maxConnections <= 0 {
		maxConnections = DefaultMaxConnections
	}
	p := &Pool{
		clients: make(map[string]client.Client),
		max:     maxConnections,
		logger:  client.NopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxConnections returns the capacity of the pool.
func (p *Pool) MaxConnections() int {
	return p.max
}

// Add registers c under id. It fails when the pool is full or id is
// already taken.
func (p *Pool) Add(id string, c client.Client) error {
	if id == "" {
		return client.NewError(client.KindInvalidConfig, "connection id is required")
	}
	if c == nil {
		return client.NewError(client.KindInvalidConfig, "client for connection %s is nil", id)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.clients[id]; ok {
		return client.NewError(client.KindOther, "connection %s already exists in pool", id)
	}
	if len(p.clients) >= p.max {
		return client.NewError(client.KindOther, "connection pool is full (max %d connections)", p.max)
	}
	p.clients[id] = c
	p.logger.Debug("connection added to pool", "id", id, "protocol", c.GetProtocol(), "size", len(p.clients))
	return nil
}

// Get returns the client registered under id.
func (p *Pool) Get(id string) (client.Client, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[id]
	return c, ok
}

// Remove disconnects the client registered under id and drops it. The
// client is dropped even when Disconnect fails; that error is returned,
// as KindNetwork when it carries no kind of its own. Removing an unknown id
// is a no-op.
func (p *Pool) Remove(ctx context.Context, id string) error {
	p.mu.Lock()
	c, ok := p.clients[id]
	if ok {
		delete(p.clients, id)
	}
	p.mu.Unlock()

	if !ok {
		return nil
	}

	if err := c.Disconnect(ctx); err != nil {
		p.logger.Warn("disconnect failed while removing connection", "id", id, "error", err)
		return client.WrapRemote(err, client.KindNetwork, "failed to disconnect %s", id)
	}
	p.logger.Debug("connection removed from pool", "id", id)
	return nil
}

// Statuses polls every held client for its connection status.
func (p *Pool) Statuses() map[string]client.ConnectionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := make(map[string]client.ConnectionStatus, len(p.clients))
	for id, c := range p.clients {
		statuses[id] = c.Status()
	}
	return statuses
}

// IDs returns the registered connection ids in sorted order.
func (p *Pool) IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.clients))
	for id := range p.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// CloseAll disconnects every client concurrently and empties the pool.
// All disconnect failures are returned together.
func (p *Pool) CloseAll(ctx context.Context) error {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]client.Client)
	p.mu.Unlock()

	var (
		mu     sync.Mutex
		result *multierror.Error
	)

	g, gctx := errgroup.WithContext(ctx)
	for id, c := range clients {
		g.Go(func() error {
			if err := c.Disconnect(gctx); err != nil {
				mu.Lock()
				result = multierror.Append(result, client.WrapRemote(err, client.KindNetwork, "failed to disconnect %s", id))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	p.logger.Info("connection pool closed", "connections", len(clients))
	return result.ErrorOrNil()
}
