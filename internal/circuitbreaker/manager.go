package circuitbreaker

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Manager hands out one breaker per upstream resource so that a failing
// endpoint family does not trip calls to the others.
type Manager struct {
	defaults Config
	breakers map[string]*CircuitBreaker
	mutex    sync.RWMutex
	logger   *logrus.Logger
}

func NewManager(defaults Config, logger *logrus.Logger) *Manager {
	return &Manager{
		defaults: defaults,
		breakers: make(map[string]*CircuitBreaker),
		logger:   logger,
	}
}

func (m *Manager) Breaker(name string) *CircuitBreaker {
	m.mutex.RLock()
	breaker, exists := m.breakers[name]
	m.mutex.RUnlock()
	if exists {
		return breaker
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if breaker, exists := m.breakers[name]; exists {
		return breaker
	}

	config := m.defaults
	config.Name = name
	breaker = New(config, m.logger)
	m.breakers[name] = breaker

	m.logger.WithFields(logrus.Fields{
		"circuit_breaker": name,
		"max_failures":    breaker.maxFailures,
		"timeout":         breaker.timeout.String(),
	}).Info("Circuit breaker created")

	return breaker
}

func (m *Manager) Names() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) GetAllMetrics() map[string]interface{} {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	metrics := make(map[string]interface{})
	for name, breaker := range m.breakers {
		metrics[name] = breaker.Metrics()
	}

	return metrics
}
