// Package manager implements the replica manager (spec.md §4.3,
// component C3): the live replica set, a heartbeat-failure counter per
// replica, an auto-naming counter, and a semaphore-limited spawn/remove
// gate. Grounded on torua's internal/coordinator.HealthMonitor for the
// heartbeat loop shape (ticker, checkFunc override point, consecutive
// failure counting, dead-state callback invoked without holding the
// lock), generalized from a single check function over a fixed health
// record to a two-outcome (zero-count vs. increment-and-maybe-evict)
// model driven by spec.md's max_fails and an injectable Spawner so the
// manager does not itself know how a replica process is created.
package manager

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dreamware/shardkv/internal/cluster"
	"github.com/dreamware/shardkv/internal/metrics"
	"github.com/dreamware/shardkv/internal/ring"
)

// Spawner starts and stops a named replica process reachable at a
// logical address. The default implementation (ProcessSpawner) execs a
// replica binary; tests substitute a FakeSpawner.
type Spawner interface {
	Spawn(ctx context.Context, name string) (addr string, err error)
	Remove(ctx context.Context, name string) error
}

// replicaState tracks one live replica's heartbeat bookkeeping.
type replicaState struct {
	addr      string
	failCount int
}

// Manager owns the live replica set, the consistent hash ring, and the
// heartbeat loop that detects dead replicas.
type Manager struct {
	spawner  Spawner
	ring     *ring.Ring
	sem      *semaphore.Weighted
	interval time.Duration
	timeout  time.Duration
	maxFails int

	mu       sync.RWMutex
	replicas map[string]*replicaState
	autoSeq  int

	onDead func(name string)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Manager. interval is the heartbeat period, timeout the
// per-probe deadline, maxFails the consecutive-failure threshold before a
// replica is declared dead, and concurrency the spawn/remove semaphore
// weight.
func New(spawner Spawner, r *ring.Ring, interval, timeout time.Duration, maxFails int, concurrency int64) *Manager {
	return &Manager{
		spawner:  spawner,
		ring:     r,
		sem:      semaphore.NewWeighted(concurrency),
		interval: interval,
		timeout:  timeout,
		maxFails: maxFails,
		replicas: make(map[string]*replicaState),
	}
}

// OnDead registers the callback invoked (sequentially, one at a time)
// when a replica is declared dead by the heartbeat loop.
func (m *Manager) OnDead(fn func(name string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDead = fn
}

// Spawn creates or replaces the named replica process under the
// concurrency semaphore: starts the worker, adds it to the ring, and
// zeroes its fail count. An empty name requests an auto-generated one
// ("ServerAuto{n}", per spec.md §4.5 step 4).
func (m *Manager) Spawn(ctx context.Context, name string) (string, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("manager: acquire spawn semaphore: %w", err)
	}
	defer m.sem.Release(1)

	if name == "" {
		m.mu.Lock()
		m.autoSeq++
		name = fmt.Sprintf("ServerAuto%d", m.autoSeq)
		m.mu.Unlock()
	}

	addr, err := m.spawner.Spawn(ctx, name)
	if err != nil {
		return "", fmt.Errorf("manager: spawn %q: %w", name, err)
	}

	if err := m.ring.Add(name); err != nil {
		return "", fmt.Errorf("manager: add %q to ring: %w", name, err)
	}

	m.mu.Lock()
	m.replicas[name] = &replicaState{addr: addr}
	count := len(m.replicas)
	m.mu.Unlock()
	metrics.RingMembers.Set(float64(count))

	return name, nil
}

// Remove stops and destroys the named replica, and removes it from the
// ring and the live set.
func (m *Manager) Remove(ctx context.Context, name string) error {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("manager: acquire spawn semaphore: %w", err)
	}
	defer m.sem.Release(1)

	if err := m.spawner.Remove(ctx, name); err != nil {
		return fmt.Errorf("manager: remove %q: %w", name, err)
	}
	m.ring.Remove(name)

	m.mu.Lock()
	delete(m.replicas, name)
	count := len(m.replicas)
	m.mu.Unlock()
	metrics.RingMembers.Set(float64(count))

	return nil
}

// WaitForHeartbeat probes name's heartbeat endpoint up to retries times,
// waiting backoff between attempts, returning true on the first success.
// Used by the router before pushing /config to a freshly spawned server
// (spec.md §4.4's init sequence) and by recovery before configuring a
// replacement replica (spec.md §4.5).
func (m *Manager) WaitForHeartbeat(ctx context.Context, name string, retries int, backoff time.Duration) bool {
	addr, ok := m.Addr(name)
	if !ok {
		return false
	}
	for i := 0; i < retries; i++ {
		probeCtx, cancel := cluster.WithTimeout(ctx, m.timeout)
		err := cluster.DoJSON(probeCtx, "GET", "http://"+addr+"/heartbeat", nil, nil)
		cancel()
		if err == nil {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
	}
	return false
}

// List returns the names of every live replica.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.replicas))
	for name := range m.replicas {
		out = append(out, name)
	}
	return out
}

// Addr returns the address of a live replica, and whether it is known.
func (m *Manager) Addr(name string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.replicas[name]
	if !ok {
		return "", false
	}
	return s.addr, true
}

// RandomOtherThan returns a uniformly random live replica name excluding
// exclude, used by /rm to pick additional victims (spec.md §4.4).
func (m *Manager) RandomOtherThan(exclude map[string]bool) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var candidates []string
	for name := range m.replicas {
		if !exclude[name] {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[rand.IntN(len(candidates))], true
}

// Start runs the heartbeat loop until ctx is cancelled or Stop is
// called. It performs an initial check immediately, then every interval,
// mirroring torua's HealthMonitor.Start.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.checkAll(ctx)
		for {
			select {
			case <-ticker.C:
				m.checkAll(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the heartbeat loop and waits for it to drain.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) checkAll(ctx context.Context) {
	m.mu.RLock()
	names := make([]string, 0, len(m.replicas))
	for name := range m.replicas {
		names = append(names, name)
	}
	m.mu.RUnlock()

	var dead []string
	for _, name := range names {
		if m.checkOne(ctx, name) {
			dead = append(dead, name)
		}
	}

	// Sequential, per spec.md §4.3's ordering guarantee: recovery for
	// replica A completes before B begins.
	m.mu.RLock()
	onDead := m.onDead
	m.mu.RUnlock()
	if onDead != nil {
		for _, name := range dead {
			onDead(name)
		}
	}
}

// checkOne probes name's heartbeat endpoint and updates its fail count.
// It returns true exactly when this probe pushed the replica over
// maxFails for the first time.
func (m *Manager) checkOne(ctx context.Context, name string) bool {
	m.mu.RLock()
	state, ok := m.replicas[name]
	addr := ""
	if ok {
		addr = state.addr
	}
	m.mu.RUnlock()
	if !ok {
		return false
	}

	probeCtx, cancel := cluster.WithTimeout(ctx, m.timeout)
	defer cancel()
	err := cluster.DoJSON(probeCtx, "GET", "http://"+addr+"/heartbeat", nil, nil)

	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok = m.replicas[name]
	if !ok {
		return false
	}
	if err == nil {
		state.failCount = 0
		return false
	}
	state.failCount++
	metrics.HeartbeatFailures.WithLabelValues(name).Inc()
	dead := state.failCount == m.maxFails
	if dead {
		metrics.ReplicasDead.Inc()
	}
	return dead
}
