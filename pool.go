package main

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tutortoise/darknet-detect-service/darknet"
)

const (
	// DefaultPoolSize Pool configuration
	DefaultPoolSize          = 4
	DefaultAcquireTimeout    = 5 * time.Second
	DefaultHealthCheckPeriod = 60 * time.Second
)

var (
	ErrPoolClosed     = errors.New("pool is closed")
	ErrAcquireTimeout = errors.New("timeout waiting for available network")
)

// NetworkLoader builds one network handle.
type NetworkLoader func() (*darknet.Network, error)

// NetworkPool hands out network handles one caller at a time. A handle is
// out of the channel while in use, which serialises Predict per handle.
type NetworkPool struct {
	networks chan *darknet.Network
	size     int
	load     NetworkLoader
	logger   *zap.Logger

	acquireTimeout    time.Duration
	healthCheckPeriod time.Duration

	mu         sync.Mutex
	closed     bool
	live       int
	done       chan struct{}
	wg         sync.WaitGroup
	stats      *poolStats
	lastErrors []error
}

type PoolMetrics struct {
	InUse           int           `json:"networks_in_use"`
	TotalAcquired   int64         `json:"total_acquired"`
	TotalReleased   int64         `json:"total_released"`
	AcquireFailures int64         `json:"acquire_failures"`
	Discarded       int64         `json:"discarded"`
	WaitTime        time.Duration `json:"wait_time_ns"`
}

type poolStats struct {
	mu sync.RWMutex
	m  PoolMetrics
}

// PoolOptions tunes a NetworkPool. Zero values select the defaults.
type PoolOptions struct {
	AcquireTimeout    time.Duration
	HealthCheckPeriod time.Duration
	Logger            *zap.Logger
}

func NewNetworkPool(load NetworkLoader, size int, opts PoolOptions) (*NetworkPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = DefaultAcquireTimeout
	}
	if opts.HealthCheckPeriod <= 0 {
		opts.HealthCheckPeriod = DefaultHealthCheckPeriod
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	pool := &NetworkPool{
		networks:          make(chan *darknet.Network, size),
		size:              size,
		load:              load,
		logger:            opts.Logger,
		acquireTimeout:    opts.AcquireTimeout,
		healthCheckPeriod: opts.HealthCheckPeriod,
		done:              make(chan struct{}),
		stats:             &poolStats{},
	}

	for i := 0; i < size; i++ {
		net, err := load()
		if err != nil {
			pool.Destroy()
			return nil, errors.Wrapf(err, "failed to initialize network %d", i)
		}
		pool.networks <- net
		pool.live++
	}

	pool.wg.Add(1)
	go pool.healthCheck()

	return pool, nil
}

// Acquire takes a network out of the pool. The caller has exclusive use of
// it until Release.
func (p *NetworkPool) Acquire(ctx context.Context) (*darknet.Network, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	defer func() {
		p.stats.mu.Lock()
		p.stats.m.WaitTime += time.Since(start)
		p.stats.mu.Unlock()
	}()

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case net, ok := <-p.networks:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.stats.mu.Lock()
		p.stats.m.InUse++
		p.stats.m.TotalAcquired++
		p.stats.mu.Unlock()
		return net, nil
	case <-timer.C:
		p.stats.mu.Lock()
		p.stats.m.AcquireFailures++
		p.stats.mu.Unlock()
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns net to the pool. A closed network is dropped and
// replaced by the health check.
func (p *NetworkPool) Release(net *darknet.Network) {
	p.stats.mu.Lock()
	p.stats.m.InUse--
	p.stats.m.TotalReleased++
	p.stats.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		net.Close()
		return
	}
	if net.Closed() {
		p.live--
		p.stats.mu.Lock()
		p.stats.m.Discarded++
		p.stats.mu.Unlock()
		p.logger.Warn("dropping closed network from pool")
		return
	}
	p.networks <- net
}

// Destroy closes every pooled network once and stops the health check.
// Networks still acquired are closed on Release.
func (p *NetworkPool) Destroy() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	close(p.networks)
	for net := range p.networks {
		net.Close()
	}
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *NetworkPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *NetworkPool) healthCheck() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.healthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.replenish()
		}
	}
}

// replenish loads networks for the ones dropped since the last check.
func (p *NetworkPool) replenish() {
	p.mu.Lock()
	missing := p.size - p.live
	p.mu.Unlock()

	for i := 0; i < missing; i++ {
		net, err := p.load()
		if err != nil {
			p.recordError(err)
			continue
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			net.Close()
			return
		}
		p.networks <- net
		p.live++
		p.mu.Unlock()
		p.logger.Info("replenished pool network")
	}
}

func (p *NetworkPool) recordError(err error) {
	p.logger.Error("failed to replenish pool network", zap.Error(err))

	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > 10 {
		p.lastErrors = p.lastErrors[1:]
	}
}

// LastErrors returns the most recent replenish failures.
func (p *NetworkPool) LastErrors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.lastErrors...)
}

// Size returns the configured number of networks.
func (p *NetworkPool) Size() int { return p.size }

// Metrics returns a snapshot of the pool counters.
func (p *NetworkPool) Metrics() PoolMetrics {
	p.stats.mu.RLock()
	defer p.stats.mu.RUnlock()
	return p.stats.m
}

// Peek runs fn with a pooled network for read-only inspection.
func (p *NetworkPool) Peek(ctx context.Context, fn func(*darknet.Network) error) error {
	net, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(net)
	return fn(net)
}
