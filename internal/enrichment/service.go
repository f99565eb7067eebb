package enrichment

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lvonguyen/threatlens/internal/observability"
)

// task is one queued lookup.
type task struct {
	ip   string
	done chan struct{}
	loc  Location
}

func (t *task) resolve(loc Location) {
	t.loc = loc
	close(t.done)
}

// Pending is a handle on a queued lookup.
type Pending struct {
	t *task
}

// Done is closed when the lookup has completed.
func (p *Pending) Done() <-chan struct{} { return p.t.done }

// Wait blocks until the lookup completes or ctx ends.
func (p *Pending) Wait(ctx context.Context) (Location, error) {
	select {
	case <-p.t.done:
		return p.t.loc, nil
	case <-ctx.Done():
		return Location{}, ctx.Err()
	}
}

func (p *Pending) result() Location {
	<-p.t.done
	return p.t.loc
}

// Service geolocates IPs. Every outbound call goes through one FIFO queue
// drained by a single worker, so the minimum spacing holds across all
// callers. Construct one per process and share it.
type Service struct {
	client   Client
	cache    Cache
	fallback *Fallback
	logger   *zap.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer
	config   Config

	queue    chan *task
	inflight singleflight.Group

	mu     sync.RWMutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService starts the lookup worker. fallback, logger and metrics may be
// nil.
func NewService(cfg Config, client Client, cache Cache, fallback *Fallback, logger *zap.Logger, metrics *observability.Metrics) *Service {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if fallback == nil {
		fallback = NewFallback(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		client:   client,
		cache:    cache,
		fallback: fallback,
		logger:   logger.With(zap.String("component", "geo")),
		metrics:  metrics,
		tracer:   otel.Tracer("threatlens/enrichment"),
		config:   cfg,
		queue:    make(chan *task, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}

	s.wg.Add(1)
	go s.run()
	return s
}

// Locate returns the location of ip from a fresh cache entry, or queues a
// lookup and waits for it. Lookup failures resolve to the fallback estimate;
// only an invalid IP or the caller's context ending return an error.
func (s *Service) Locate(ctx context.Context, ip string) (Location, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return Location{}, fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	ip = addr.Unmap().String()

	if loc, ok := s.cached(ctx, ip); ok {
		s.metrics.GeoCache(true)
		return loc, nil
	}
	s.metrics.GeoCache(false)

	ch := s.inflight.DoChan(ip, func() (any, error) {
		return s.Enqueue(ip).result(), nil
	})
	select {
	case r := <-ch:
		return r.Val.(Location), nil
	case <-ctx.Done():
		return s.fallback.Estimate(ip), ctx.Err()
	}
}

// Enqueue queues a lookup for ip. A full queue or a closed service resolves
// the handle immediately with the fallback estimate.
func (s *Service) Enqueue(ip string) *Pending {
	t := &task{ip: ip, done: make(chan struct{})}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		t.resolve(s.fallback.Estimate(ip))
		return &Pending{t: t}
	}
	select {
	case s.queue <- t:
		s.metrics.GeoQueue(len(s.queue))
	default:
		s.logger.Warn("Geo queue full, using estimate", zap.String("ip", ip))
		t.resolve(s.fallback.Estimate(ip))
	}
	return &Pending{t: t}
}

// QueueDepth returns the number of lookups waiting.
func (s *Service) QueueDepth() int {
	return len(s.queue)
}

// PurgeCache removes expired entries from caches that keep them.
func (s *Service) PurgeCache(now time.Time) int {
	if e, ok := s.cache.(expirer); ok {
		return e.PurgeExpired(now)
	}
	return 0
}

// Close stops the worker. Lookups still queued resolve to estimates.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// cached returns a cache entry younger than the TTL.
func (s *Service) cached(ctx context.Context, ip string) (Location, bool) {
	loc, ok := s.cache.Get(ctx, ip)
	if !ok || time.Since(loc.CachedAt) >= s.config.CacheTTL {
		return Location{}, false
	}
	return loc, true
}

func (s *Service) run() {
	defer s.wg.Done()

	// last is when the previous outbound call returned.
	var last time.Time
	for {
		select {
		case <-s.ctx.Done():
			s.drain()
			return
		case t := <-s.queue:
			s.metrics.GeoQueue(len(s.queue))
			if loc, ok := s.cached(s.ctx, t.ip); ok {
				t.resolve(loc)
				continue
			}

			if !last.IsZero() {
				if wait := s.config.MinInterval - time.Since(last); wait > 0 {
					timer := time.NewTimer(wait)
					select {
					case <-timer.C:
					case <-s.ctx.Done():
						timer.Stop()
						t.resolve(s.fallback.Estimate(t.ip))
						s.drain()
						return
					}
				}
			}

			loc := s.lookup(t.ip)
			last = time.Now()
			t.resolve(loc)
		}
	}
}

func (s *Service) drain() {
	for {
		select {
		case t := <-s.queue:
			t.resolve(s.fallback.Estimate(t.ip))
		default:
			return
		}
	}
}

// lookup makes one outbound call and caches the result or the estimate.
func (s *Service) lookup(ip string) Location {
	ctx, cancel := context.WithTimeout(s.ctx, s.config.Timeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "enrichment.geo_lookup", trace.WithAttributes(attribute.String("ip", ip)))
	defer span.End()

	start := time.Now()
	loc, err := s.client.Lookup(ctx, ip)
	if err != nil {
		span.RecordError(err)
		s.logger.Warn("Geo lookup failed, using estimate", zap.String("ip", ip), zap.Error(err))
		loc = s.fallback.Estimate(ip)
	}
	loc.IP = ip
	loc.CachedAt = time.Now().UTC()
	s.metrics.GeoLookup(loc.Source, time.Since(start))

	s.cache.Set(s.ctx, loc)
	return loc
}
