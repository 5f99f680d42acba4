// Package pool implements C3: a bounded set of ASR worker instances with
// fair FIFO checkout, health-checked handoff, discard-and-replace on
// device error, and monotonic resize.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Worker is a single loaded ASR engine instance bound to a device.
type Worker struct {
	ID       int64
	DeviceID int
	Engine   string
	Handle   any // the concrete engine collaborator (opaque to the pool)
}

// Factory constructs a new Worker instance on deviceID, or returns an error
// if the underlying engine could not be loaded.
type Factory func(ctx context.Context, deviceID int) (*Worker, error)

// HealthChecker probes a worker before it is handed to a caller.
type HealthChecker func(ctx context.Context, w *Worker) bool

// Config controls pool sizing and device assignment.
type Config struct {
	EngineName          string
	MinSize             int
	MaxSize             int
	MaxInstancesPerGPU  int
	InitWithMaxPoolSize bool
	GPUDeviceIDs        []int // empty means CPU-only: a single instance regardless of MaxSize
}

// Pool is a bounded, fair-FIFO set of Workers.
type Pool struct {
	cfg     Config
	factory Factory
	health  HealthChecker
	logger  *slog.Logger

	mu            sync.Mutex
	idle          []*Worker
	waiters       []chan *Worker
	busyCount     int
	currentSize   int
	nextID        int64
	deviceLoad    map[int]int
	closed        bool
	pendingShrink int // workers still owed to a Resize shrink once they go idle or check in
}

// New constructs a Pool. Call Initialize before checking out workers.
func New(cfg Config, factory Factory, health HealthChecker, logger *slog.Logger) (*Pool, error) {
	if cfg.MinSize > cfg.MaxSize {
		return nil, errors.New("min_size cannot be greater than max_size")
	}
	if factory == nil {
		return nil, errors.New("factory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	effectiveMax := cfg.MaxSize
	if len(cfg.GPUDeviceIDs) == 0 {
		effectiveMax = 1
	}
	return &Pool{
		cfg:        Config{EngineName: cfg.EngineName, MinSize: cfg.MinSize, MaxSize: effectiveMax, MaxInstancesPerGPU: cfg.MaxInstancesPerGPU, InitWithMaxPoolSize: cfg.InitWithMaxPoolSize, GPUDeviceIDs: cfg.GPUDeviceIDs},
		factory:    factory,
		health:     health,
		logger:     logger.With("component", "model_pool", "engine", cfg.EngineName),
		deviceLoad: make(map[int]int),
	}, nil
}

// Initialize eagerly allocates workers sequentially: up to MaxSize if
// InitWithMaxPoolSize, otherwise up to MinSize. Allocation is sequential,
// not parallel, so GPU allocator state stays deterministic.
func (p *Pool) Initialize(ctx context.Context) error {
	target := p.cfg.MinSize
	if p.cfg.InitWithMaxPoolSize {
		target = p.cfg.MaxSize
	}

	p.mu.Lock()
	alreadyHave := p.currentSize
	p.mu.Unlock()

	for i := alreadyHave; i < target; i++ {
		if err := p.createWorker(ctx); err != nil {
			return fmt.Errorf("initialize model pool: %w", err)
		}
	}
	p.logger.Info("model pool initialized", "size", target)
	return nil
}

func (p *Pool) nextDevice() int {
	if len(p.cfg.GPUDeviceIDs) == 0 {
		return -1 // CPU sentinel
	}
	best := p.cfg.GPUDeviceIDs[0]
	bestLoad := p.deviceLoad[best]
	for _, d := range p.cfg.GPUDeviceIDs {
		if p.deviceLoad[d] < bestLoad {
			best, bestLoad = d, p.deviceLoad[d]
		}
	}
	if p.cfg.MaxInstancesPerGPU > 0 && bestLoad >= p.cfg.MaxInstancesPerGPU {
		return -2 // all devices at cap
	}
	return best
}

func (p *Pool) createWorker(ctx context.Context) error {
	p.mu.Lock()
	if p.currentSize >= p.cfg.MaxSize {
		p.mu.Unlock()
		return errors.New("pool already at max size")
	}
	device := p.nextDevice()
	if device == -2 {
		p.mu.Unlock()
		return errors.New("all GPU devices at max_instances_per_gpu")
	}
	p.mu.Unlock()

	w, err := p.factory(ctx, device)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.nextID++
	w.ID = p.nextID
	w.DeviceID = device
	w.Engine = p.cfg.EngineName
	p.currentSize++
	if device >= 0 {
		p.deviceLoad[device]++
	}
	p.deliverOrEnqueue(w)
	p.mu.Unlock()
	return nil
}

// deliverOrEnqueue hands w to the oldest waiter if one exists, otherwise
// places it on the idle list. Must be called with mu held.
func (p *Pool) deliverOrEnqueue(w *Worker) {
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.busyCount++
		ch <- w
		return
	}
	p.idle = append(p.idle, w)
}

// Checkout blocks until a healthy worker is available, honoring fair FIFO
// order among waiters, or ctx is done.
func (p *Pool) Checkout(ctx context.Context) (*Worker, error) {
	for {
		w, err := p.checkoutOnce(ctx)
		if err != nil {
			return nil, err
		}
		if p.health == nil || p.health(ctx, w) {
			return w, nil
		}
		p.logger.Warn("discarding unhealthy worker before handoff", "worker_id", w.ID)
		if err := p.Discard(ctx, w); err != nil {
			return nil, err
		}
	}
}

func (p *Pool) checkoutOnce(ctx context.Context) (*Worker, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("pool is closed")
	}
	if len(p.idle) > 0 {
		w := p.idle[0]
		p.idle = p.idle[1:]
		p.busyCount++
		p.mu.Unlock()
		return w, nil
	}
	ch := make(chan *Worker, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case w := <-ch:
		return w, nil
	case <-ctx.Done():
		p.removeWaiter(ch)
		return nil, ctx.Err()
	}
}

func (p *Pool) removeWaiter(target chan *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, ch := range p.waiters {
		if ch == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// Checkin returns a healthy worker to the pool, waking at most one waiter. If
// a Resize shrink is still owed workers, w is destroyed instead of being
// returned to service, satisfying the shrink against a worker that was busy
// when Resize was called.
func (p *Pool) Checkin(w *Worker) {
	p.mu.Lock()
	p.busyCount--
	if p.pendingShrink > 0 {
		p.pendingShrink--
		p.currentSize--
		if w.DeviceID >= 0 {
			p.deviceLoad[w.DeviceID]--
		}
		p.mu.Unlock()
		p.logger.Info("worker destroyed on checkin to satisfy pending resize", "worker_id", w.ID, "device_id", w.DeviceID)
		return
	}
	p.deliverOrEnqueue(w)
	p.mu.Unlock()
}

// Discard destroys w and, if the pool has fallen below MinSize, replaces it
// with a freshly created worker on the same device.
func (p *Pool) Discard(ctx context.Context, w *Worker) error {
	p.mu.Lock()
	p.busyCount--
	p.currentSize--
	if w.DeviceID >= 0 {
		p.deviceLoad[w.DeviceID]--
	}
	needsReplacement := p.currentSize < p.cfg.MinSize
	p.mu.Unlock()

	p.logger.Info("worker discarded", "worker_id", w.ID, "device_id", w.DeviceID)

	if needsReplacement {
		return p.createWorker(ctx)
	}
	return nil
}

// Resize grows the pool to newMax (creating workers up to device caps) or
// shrinks it, draining idle workers first and waiting for busy ones to
// check in before destroying them. Shrinking below MinSize is rejected.
func (p *Pool) Resize(ctx context.Context, newMax int) error {
	if newMax < p.cfg.MinSize {
		return fmt.Errorf("cannot resize below min_size %d", p.cfg.MinSize)
	}

	p.mu.Lock()
	oldMax := p.cfg.MaxSize
	p.cfg.MaxSize = newMax
	p.mu.Unlock()

	if newMax > oldMax {
		for i := oldMax; i < newMax; i++ {
			if err := p.createWorker(ctx); err != nil {
				return fmt.Errorf("grow model pool: %w", err)
			}
		}
		return nil
	}

	toRemove := oldMax - newMax
	p.mu.Lock()
	for toRemove > 0 && len(p.idle) > 0 {
		w := p.idle[0]
		p.idle = p.idle[1:]
		p.currentSize--
		if w.DeviceID >= 0 {
			p.deviceLoad[w.DeviceID]--
		}
		toRemove--
	}
	if toRemove > 0 {
		// Not enough idle workers to satisfy the shrink; the remainder is owed
		// against busy workers as they check in.
		p.pendingShrink += toRemove
	}
	p.mu.Unlock()
	return nil
}

// Size returns the current pool size and the number of busy workers.
func (p *Pool) Size() (current, busy int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentSize, p.busyCount
}

// Close prevents further checkouts. In-flight checkouts are unaffected.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}
