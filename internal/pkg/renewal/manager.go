package renewal

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/PaySync/internal/pkg/cache"
	"github.com/ManuelReschke/PaySync/internal/pkg/dedup"
	"github.com/ManuelReschke/PaySync/internal/pkg/metrics"
)

// TickLockKey guards renewal ticks across instances.
const TickLockKey = "renewal:tick:lock"

const (
	DefaultTickInterval    = 5 * time.Minute
	DefaultCleanupInterval = 60 * time.Minute
)

// Manager runs the renewal tick and the dedup cleanup in the background.
type Manager struct {
	machine         *Machine
	dedup           dedup.Store
	rdb             redis.UniversalClient
	owner           string
	tickInterval    time.Duration
	cleanupInterval time.Duration
	renewalTicker   *time.Ticker
	cleanupTicker   *time.Ticker
	stopCh          chan struct{}
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	mu              sync.Mutex
	running         bool
}

// NewManager creates a manager. rdb may be nil on single-instance setups,
// in which case no tick lock is taken.
func NewManager(machine *Machine, store dedup.Store, rdb redis.UniversalClient, tickInterval, cleanupInterval time.Duration) *Manager {
	if tickInterval <= 0 {
		tickInterval = DefaultTickInterval
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	return &Manager{
		machine:         machine,
		dedup:           store,
		rdb:             rdb,
		owner:           uuid.NewString(),
		tickInterval:    tickInterval,
		cleanupInterval: cleanupInterval,
	}
}

// Start launches the background workers. Calling it twice is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Fresh stop channel per start cycle.
	m.stopCh = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true
	log.Infof("[Renewal Manager] Starting (tick: %s, cleanup: %s)", m.tickInterval, m.cleanupInterval)

	m.renewalTicker = time.NewTicker(m.tickInterval)
	m.wg.Add(1)
	go m.renewalWorker(ctx, m.stopCh)

	m.cleanupTicker = time.NewTicker(m.cleanupInterval)
	m.wg.Add(1)
	go m.cleanupWorker(ctx, m.stopCh)
}

// Stop halts the workers and waits for a running tick to return.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[Renewal Manager] Stopping...")
	m.renewalTicker.Stop()
	m.cleanupTicker.Stop()
	close(m.stopCh)
	m.cancel()
	m.running = false
	m.wg.Wait()
	log.Info("[Renewal Manager] Stopped")
}

// IsRunning reports whether the workers are active.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// RunOnce performs one renewal tick under the tick lock. ran is false when
// another instance holds the lock.
func (m *Manager) RunOnce(ctx context.Context) (summary Summary, ran bool, err error) {
	if m.rdb != nil {
		locked, err := cache.TryLock(ctx, m.rdb, TickLockKey, m.owner, m.tickInterval)
		if err != nil {
			return Summary{}, false, err
		}
		if !locked {
			return Summary{}, false, nil
		}
		defer func() {
			if uerr := cache.Unlock(context.Background(), m.rdb, TickLockKey, m.owner); uerr != nil {
				log.Warnf("[Renewal Manager] Could not release tick lock: %v", uerr)
			}
		}()
	}

	summary, err = m.machine.Tick(ctx)
	return summary, true, err
}

// Cleanup removes expired dedup entries.
func (m *Manager) Cleanup(ctx context.Context) (int64, error) {
	n, err := m.dedup.Cleanup(ctx)
	if n > 0 {
		metrics.DedupCleanupDeleted.Add(float64(n))
	}
	return n, err
}

func (m *Manager) renewalWorker(ctx context.Context, stopCh <-chan struct{}) {
	defer m.wg.Done()
	for {
		select {
		case <-stopCh:
			log.Info("[Renewal Manager] Renewal worker stopping")
			return
		case <-m.renewalTicker.C:
			summary, ran, err := m.RunOnce(ctx)
			if err != nil {
				log.Errorf("[Renewal Manager] Tick failed: %v", err)
				continue
			}
			if !ran {
				log.Debug("[Renewal Manager] Tick skipped, lock held elsewhere")
				continue
			}
			if summary.Selected > 0 {
				log.Infof("[Renewal Manager] Tick done: selected=%d results=%v", summary.Selected, summary.Results)
			}
		}
	}
}

func (m *Manager) cleanupWorker(ctx context.Context, stopCh <-chan struct{}) {
	defer m.wg.Done()
	for {
		select {
		case <-stopCh:
			log.Info("[Renewal Manager] Cleanup worker stopping")
			return
		case <-m.cleanupTicker.C:
			n, err := m.Cleanup(ctx)
			if err != nil {
				log.Errorf("[Renewal Manager] Dedup cleanup failed: %v", err)
				continue
			}
			log.Debugf("[Renewal Manager] Dedup cleanup removed %d entries", n)
		}
	}
}
