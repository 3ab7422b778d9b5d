package scheduler

import (
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/lexflowhq/lexpay/app/repository"
	"github.com/lexflowhq/lexpay/internal/pkg/billing"
	"github.com/lexflowhq/lexpay/internal/pkg/env"
	"github.com/lexflowhq/lexpay/internal/pkg/metrics/counter"
)

// Manager runs the periodic background tasks: the renewal sweep and the
// metrics counter flush.
type Manager struct {
	svc   *billing.Service
	store repository.Store

	renewalTicker      *time.Ticker
	counterFlushTicker *time.Ticker
	stopCh             chan struct{}
	wg                 sync.WaitGroup
	mu                 sync.Mutex
	running            bool
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// Initialize sets up the global scheduler manager (singleton)
func Initialize(svc *billing.Service, store repository.Store) *Manager {
	managerOnce.Do(func() {
		globalManager = &Manager{
			svc:    svc,
			store:  store,
			stopCh: make(chan struct{}),
		}
	})
	return globalManager
}

// GetManager returns the global scheduler manager
func GetManager() *Manager {
	if globalManager == nil {
		panic("Scheduler manager not initialized. Call Initialize first.")
	}
	return globalManager
}

// Start starts the background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so the manager can be
	// restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[Scheduler] Starting background tasks")

	sweepInterval := 60 * time.Minute // Default fallback
	if v, err := strconv.Atoi(env.GetEnv("RENEWAL_SWEEP_INTERVAL_MINUTES", "")); err == nil && v > 0 {
		sweepInterval = time.Duration(v) * time.Minute
	}

	m.renewalTicker = time.NewTicker(sweepInterval)
	m.wg.Add(1)
	go m.renewalWorker()

	// Counter flush worker (Redis -> DB) every 30 seconds
	m.counterFlushTicker = time.NewTicker(30 * time.Second)
	m.wg.Add(1)
	go m.counterFlushWorker()

	log.Info("[Scheduler] Started successfully")
}

// Stop stops the background tasks and waits for workers to drain
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[Scheduler] Stopping background tasks...")

	if m.renewalTicker != nil {
		m.renewalTicker.Stop()
	}
	if m.counterFlushTicker != nil {
		m.counterFlushTicker.Stop()
	}

	close(m.stopCh)
	m.wg.Wait()
	m.running = false

	log.Info("[Scheduler] Stopped")
}

func (m *Manager) renewalWorker() {
	defer m.wg.Done()

	for {
		select {
		case <-m.renewalTicker.C:
			report := m.RunSweep(time.Now())
			if report.Due > 0 || len(report.Failures) > 0 {
				log.Infof("[Scheduler] renewal sweep: due=%d issued=%d failed=%d skipped=%d",
					report.Due, report.Issued, len(report.Failures), report.Skipped)
			}
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) counterFlushWorker() {
	defer m.wg.Done()

	for {
		select {
		case <-m.counterFlushTicker.C:
			if err := counter.FlushAll(); err != nil {
				log.Errorf("[Scheduler] counter flush failed: %v", err)
			}
		case <-m.stopCh:
			// Final best-effort flush on shutdown
			if err := counter.FlushAll(); err != nil {
				log.Errorf("[Scheduler] final counter flush failed: %v", err)
			}
			return
		}
	}
}
