// Package monitor runs periodic health checks of connected engines.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/KingCide/Mariner/internal/registry"
)

// Checker pings every connected engine. *registry.Registry implements it.
type Checker interface {
	CheckHealth(ctx context.Context) []registry.HealthResult
}

type Monitor struct {
	checker Checker
	cron    *cron.Cron

	mu      sync.RWMutex
	last    []registry.HealthResult
	checked time.Time
}

// New schedules checks on a standard cron spec or descriptor such as
// "@every 1m". Overlapping runs are skipped.
func New(checker Checker, schedule string) (*Monitor, error) {
	logger := cron.PrintfLogger(log.WithField("component", "health"))
	m := &Monitor{
		checker: checker,
		cron:    cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
	}
	if _, err := m.cron.AddFunc(schedule, func() { m.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("health check schedule %q: %w", schedule, err)
	}
	return m, nil
}

// AddJob schedules an extra maintenance job on the same cron, such as
// pruning old records.
func (m *Monitor) AddJob(schedule, name string, fn func()) error {
	_, err := m.cron.AddFunc(schedule, func() {
		log.Debugf("[health] running %s", name)
		fn()
	})
	if err != nil {
		return fmt.Errorf("%s schedule %q: %w", name, schedule, err)
	}
	return nil
}

func (m *Monitor) Start() {
	m.cron.Start()
	log.Infof("[health] monitor started, %d job(s)", len(m.cron.Entries()))
}

// Stop halts the schedule and waits for a running check to finish.
func (m *Monitor) Stop() {
	<-m.cron.Stop().Done()
}

// RunOnce checks every connected host now and records the results.
func (m *Monitor) RunOnce(ctx context.Context) []registry.HealthResult {
	results := m.checker.CheckHealth(ctx)
	unhealthy := 0
	for _, r := range results {
		if !r.Healthy {
			unhealthy++
			log.Warnf("[health] %s unhealthy: %s", r.HostID, r.Error)
		}
	}
	if len(results) > 0 {
		log.Debugf("[health] checked %d host(s), %d unhealthy", len(results), unhealthy)
	}

	m.mu.Lock()
	m.last = results
	m.checked = time.Now()
	m.mu.Unlock()
	return results
}

// Last returns the most recent results and when they were taken. The time
// is zero before the first check.
func (m *Monitor) Last() ([]registry.HealthResult, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, m.checked
}

// LogTransitions writes every registry state change to the log.
func LogTransitions(r *registry.Registry) {
	r.OnStateChange(func(hostID string, from, to registry.State, reason string) {
		entry := log.WithFields(log.Fields{"host": hostID, "from": from, "to": to})
		if to == registry.StateError {
			entry.Warnf("[health] state change: %s", reason)
			return
		}
		entry.Infof("[health] state change: %s", reason)
	})
}
