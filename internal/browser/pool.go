package browser

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"pimssync/internal/metrics"
)

var (
	// ErrPoolClosed is returned by Acquire after Close
	ErrPoolClosed = errors.New("browser pool is closed")

	// ErrPoolExhausted means every context stayed busy for the whole acquire timeout.
	// This points at a pool sized too small for the configured concurrency.
	ErrPoolExhausted = errors.New("browser pool exhausted")
)

// Config bounds the pool
type Config struct {
	MaxEngines           int
	MaxContextsPerEngine int
	OperationTimeout     time.Duration // applied by WithPage/WithAuthenticatedPage
	AcquireTimeout       time.Duration // max wait when every context is busy
}

// DefaultConfig returns conservative limits for a single worker host
func DefaultConfig() Config {
	return Config{
		MaxEngines:           2,
		MaxContextsPerEngine: 3,
		OperationTimeout:     30 * time.Second,
		AcquireTimeout:       60 * time.Second,
	}
}

// Authenticator replays stored credentials onto a fresh page
type Authenticator interface {
	ApplyAuth(ctx context.Context, page Page) error
}

// Stats is a point-in-time view of pool occupancy
type Stats struct {
	Engines              int `json:"engines"`
	Contexts             int `json:"contexts"`
	InUse                int `json:"inUse"`
	MaxEngines           int `json:"maxEngines"`
	MaxContextsPerEngine int `json:"maxContextsPerEngine"`
}

type engineSlot struct {
	id        int
	engine    Engine
	ready     chan struct{} // closed once launch finished (err set on failure)
	err       error
	contexts  []*contextSlot
	createdAt time.Time
	lastUsed  time.Time
}

type contextSlot struct {
	id        int
	engine    *engineSlot
	handle    Context // nil while being created
	createdAt time.Time
	lastUsed  time.Time
	inUse     bool
}

type openPlan int

const (
	planReuse openPlan = iota
	planNewContext
	planNewEngine
)

// Session is a page checked out from the pool. Release it exactly once.
type Session struct {
	Page       Page
	AcquiredAt time.Time

	pool *Pool
	slot *contextSlot
	once sync.Once
}

// Release returns the session to the pool
func (s *Session) Release() {
	s.pool.Release(s)
}

// Pool owns every engine and context record. All bookkeeping happens under mu;
// slow driver calls run outside it against slots reserved while holding it.
type Pool struct {
	driver Driver
	cfg    Config

	mu      sync.Mutex
	engines []*engineSlot
	nextID  int
	notify  chan struct{} // closed and replaced whenever capacity frees up
	closed  bool

	now func() time.Time
}

// NewPool creates an empty pool; engines launch lazily on first Acquire
func NewPool(driver Driver, cfg Config) *Pool {
	defaults := DefaultConfig()
	if cfg.MaxEngines <= 0 {
		cfg.MaxEngines = defaults.MaxEngines
	}
	if cfg.MaxContextsPerEngine <= 0 {
		cfg.MaxContextsPerEngine = defaults.MaxContextsPerEngine
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaults.OperationTimeout
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaults.AcquireTimeout
	}

	return &Pool{
		driver: driver,
		cfg:    cfg,
		notify: make(chan struct{}),
		now:    time.Now,
	}
}

// Config returns the effective pool configuration
func (p *Pool) Config() Config {
	return p.cfg
}

// Acquire checks out a page. It prefers an idle context, then a new context on the
// least recently used engine with spare capacity, then a new engine. When the pool is
// saturated it waits for a release until AcquireTimeout elapses.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	start := p.now()
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		slot, plan := p.reserveLocked()
		if slot != nil {
			p.mu.Unlock()

			session, err := p.open(ctx, slot, plan)
			if err != nil {
				return nil, err
			}
			metrics.PoolAcquireWait.Observe(p.now().Sub(start).Seconds())
			return session, nil
		}

		wait := p.notify
		p.mu.Unlock()

		select {
		case <-wait:
		case <-timer.C:
			log.Printf("❌ [POOL] Exhausted: no context released within %v (engines=%d, contexts/engine=%d)",
				p.cfg.AcquireTimeout, p.cfg.MaxEngines, p.cfg.MaxContextsPerEngine)
			return nil, fmt.Errorf("%w: waited %v", ErrPoolExhausted, p.cfg.AcquireTimeout)
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for browser session: %w", ctx.Err())
		}
	}
}

// reserveLocked marks a slot in use (creating its record if needed) without touching the driver
func (p *Pool) reserveLocked() (*contextSlot, openPlan) {
	now := p.now()

	for _, eng := range p.engines {
		for _, c := range eng.contexts {
			if !c.inUse && c.handle != nil {
				c.inUse = true
				c.lastUsed = now
				eng.lastUsed = now
				p.updateGaugesLocked()
				return c, planReuse
			}
		}
	}

	var target *engineSlot
	for _, eng := range p.engines {
		if eng.err != nil || len(eng.contexts) >= p.cfg.MaxContextsPerEngine {
			continue
		}
		if target == nil || eng.lastUsed.Before(target.lastUsed) {
			target = eng
		}
	}
	if target != nil {
		c := p.newContextSlotLocked(target, now)
		p.updateGaugesLocked()
		return c, planNewContext
	}

	if len(p.engines) < p.cfg.MaxEngines {
		p.nextID++
		eng := &engineSlot{
			id:        p.nextID,
			ready:     make(chan struct{}),
			createdAt: now,
			lastUsed:  now,
		}
		p.engines = append(p.engines, eng)
		c := p.newContextSlotLocked(eng, now)
		p.updateGaugesLocked()
		return c, planNewEngine
	}

	return nil, planReuse
}

func (p *Pool) newContextSlotLocked(eng *engineSlot, now time.Time) *contextSlot {
	p.nextID++
	c := &contextSlot{
		id:        p.nextID,
		engine:    eng,
		createdAt: now,
		lastUsed:  now,
		inUse:     true,
	}
	eng.contexts = append(eng.contexts, c)
	eng.lastUsed = now
	return c
}

// open performs the driver calls for a reserved slot
func (p *Pool) open(ctx context.Context, c *contextSlot, plan openPlan) (*Session, error) {
	eng := c.engine

	if plan == planNewEngine {
		engine, err := p.driver.NewEngine(ctx)

		p.mu.Lock()
		eng.engine = engine
		eng.err = err
		close(eng.ready)
		if err != nil {
			p.removeEngineLocked(eng)
			p.signalLocked()
		}
		p.updateGaugesLocked()
		total := len(p.engines)
		p.mu.Unlock()

		if err != nil {
			return nil, fmt.Errorf("failed to launch browser engine: %w", err)
		}
		log.Printf("🚀 [POOL] Launched browser engine #%d (%d/%d)", eng.id, total, p.cfg.MaxEngines)
	}

	if plan == planNewEngine || plan == planNewContext {
		select {
		case <-eng.ready:
		case <-ctx.Done():
			p.discard(c)
			return nil, fmt.Errorf("waiting for browser engine: %w", ctx.Err())
		}
		if eng.err != nil {
			p.discard(c)
			return nil, fmt.Errorf("browser engine unavailable: %w", eng.err)
		}

		handle, err := eng.engine.NewContext(ctx)
		if err != nil {
			p.discard(c)
			return nil, fmt.Errorf("failed to create browser context: %w", err)
		}

		p.mu.Lock()
		c.handle = handle
		p.mu.Unlock()
	}

	page, err := c.handle.NewPage(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// the caller gave up; the context itself is still healthy
			p.unclaim(c)
			return nil, fmt.Errorf("failed to open page: %w", ctxErr)
		}
		// a context that cannot open pages is broken; drop it instead of recycling it
		p.discard(c)
		return nil, fmt.Errorf("failed to open page: %w", err)
	}

	return &Session{
		Page:       page,
		AcquiredAt: p.now(),
		pool:       p,
		slot:       c,
	}, nil
}

// unclaim returns a context that never handed out a page to the free set
func (p *Pool) unclaim(c *contextSlot) {
	p.mu.Lock()
	c.inUse = false
	p.signalLocked()
	p.updateGaugesLocked()
	p.mu.Unlock()
}

// discard removes a context record and closes its handle
func (p *Pool) discard(c *contextSlot) {
	p.mu.Lock()
	eng := c.engine
	for i, existing := range eng.contexts {
		if existing == c {
			eng.contexts = append(eng.contexts[:i], eng.contexts[i+1:]...)
			break
		}
	}
	handle := c.handle
	c.handle = nil
	c.inUse = false
	p.signalLocked()
	p.updateGaugesLocked()
	p.mu.Unlock()

	if handle != nil {
		if err := handle.Close(); err != nil {
			log.Printf("⚠️  [POOL] Failed to close broken context #%d: %v", c.id, err)
		}
	}
}

// Release closes the session's page and returns its context to the idle set
func (p *Pool) Release(s *Session) {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if err := s.Page.Close(); err != nil {
			log.Printf("⚠️  [POOL] Failed to close page on context #%d: %v", s.slot.id, err)
		}

		p.mu.Lock()
		now := p.now()
		s.slot.inUse = false
		s.slot.lastUsed = now
		s.slot.engine.lastUsed = now
		p.signalLocked()
		p.updateGaugesLocked()
		p.mu.Unlock()
	})
}

// WithPage runs fn on a pooled page and always releases it, including on panic
func (p *Pool) WithPage(ctx context.Context, fn func(ctx context.Context, page Page) error) error {
	session, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(session)

	opCtx, cancel := context.WithTimeout(ctx, p.cfg.OperationTimeout)
	defer cancel()

	return fn(opCtx, session.Page)
}

// WithAuthenticatedPage is WithPage with credentials applied before fn runs
func (p *Pool) WithAuthenticatedPage(ctx context.Context, auth Authenticator, fn func(ctx context.Context, page Page) error) error {
	return p.WithPage(ctx, func(ctx context.Context, page Page) error {
		if err := auth.ApplyAuth(ctx, page); err != nil {
			return err
		}
		return fn(ctx, page)
	})
}

// CloseIdleContexts closes contexts idle longer than maxIdle, then engines left with no
// contexts that have also been idle that long. Returns the number of contexts closed.
// Meant to be called periodically by an external scheduler.
func (p *Pool) CloseIdleContexts(maxIdle time.Duration) int {
	p.mu.Lock()
	now := p.now()

	var staleContexts []*contextSlot
	var staleEngines []*engineSlot

	keptEngines := p.engines[:0]
	for _, eng := range p.engines {
		keptContexts := eng.contexts[:0]
		for _, c := range eng.contexts {
			if !c.inUse && c.handle != nil && now.Sub(c.lastUsed) > maxIdle {
				staleContexts = append(staleContexts, c)
				continue
			}
			keptContexts = append(keptContexts, c)
		}
		eng.contexts = keptContexts

		launched := eng.engine != nil && eng.err == nil
		if launched && len(eng.contexts) == 0 && now.Sub(eng.lastUsed) > maxIdle {
			staleEngines = append(staleEngines, eng)
			continue
		}
		keptEngines = append(keptEngines, eng)
	}
	for i := len(keptEngines); i < len(p.engines); i++ {
		p.engines[i] = nil
	}
	p.engines = keptEngines

	if len(staleContexts) > 0 || len(staleEngines) > 0 {
		p.signalLocked()
	}
	p.updateGaugesLocked()
	p.mu.Unlock()

	for _, c := range staleContexts {
		if err := c.handle.Close(); err != nil {
			log.Printf("⚠️  [POOL] Failed to close idle context #%d: %v", c.id, err)
		}
	}
	for _, eng := range staleEngines {
		if err := eng.engine.Close(); err != nil {
			log.Printf("⚠️  [POOL] Failed to close idle engine #%d: %v", eng.id, err)
		}
	}

	if len(staleContexts) > 0 {
		metrics.PoolEvictions.Add(float64(len(staleContexts)))
		log.Printf("🧹 [POOL] Closed %d idle contexts and %d idle engines (idle > %v)",
			len(staleContexts), len(staleEngines), maxIdle)
	}

	return len(staleContexts)
}

// Stats returns current occupancy
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool) statsLocked() Stats {
	stats := Stats{
		Engines:              len(p.engines),
		MaxEngines:           p.cfg.MaxEngines,
		MaxContextsPerEngine: p.cfg.MaxContextsPerEngine,
	}
	for _, eng := range p.engines {
		stats.Contexts += len(eng.contexts)
		for _, c := range eng.contexts {
			if c.inUse {
				stats.InUse++
			}
		}
	}
	return stats
}

// Close shuts down every context and engine. In-flight sessions lose their pages.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	engines := p.engines
	p.engines = nil
	p.signalLocked()
	p.updateGaugesLocked()
	p.mu.Unlock()

	log.Println("🛑 [POOL] Closing browser pool...")

	var errs []error
	for _, eng := range engines {
		for _, c := range eng.contexts {
			if c.handle != nil {
				if err := c.handle.Close(); err != nil {
					errs = append(errs, err)
				}
			}
		}
		if eng.engine != nil {
			if err := eng.engine.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}

	log.Printf("✅ [POOL] Closed %d engines", len(engines))
	return errors.Join(errs...)
}

func (p *Pool) removeEngineLocked(target *engineSlot) {
	for i, eng := range p.engines {
		if eng == target {
			p.engines = append(p.engines[:i], p.engines[i+1:]...)
			return
		}
	}
}

func (p *Pool) signalLocked() {
	close(p.notify)
	p.notify = make(chan struct{})
}

func (p *Pool) updateGaugesLocked() {
	stats := p.statsLocked()
	metrics.PoolEngines.Set(float64(stats.Engines))
	metrics.PoolContexts.Set(float64(stats.Contexts))
	metrics.PoolContextsInUse.Set(float64(stats.InUse))
}
