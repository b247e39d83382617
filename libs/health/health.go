package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// Check reports whether a dependency is usable. pgxpool.Pool.Ping fits.
type Check func(ctx context.Context) error

type Manager struct {
	ready   atomic.Bool
	mu      sync.RWMutex
	checks  map[string]Check
	timeout time.Duration
}

func NewManager(initialReady bool) *Manager {
	m := &Manager{
		checks:  make(map[string]Check),
		timeout: 2 * time.Second,
	}
	m.ready.Store(initialReady)
	return m
}

func (m *Manager) SetReady(ready bool) {
	m.ready.Store(ready)
}

func (m *Manager) IsReady() bool {
	return m.ready.Load()
}

func (m *Manager) AddCheck(name string, check Check) {
	if check == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Failing runs every registered check and returns the names of those that
// returned an error.
func (m *Manager) Failing(ctx context.Context) map[string]string {
	m.mu.RLock()
	checks := make(map[string]Check, len(m.checks))
	for name, check := range m.checks {
		checks[name] = check
	}
	m.mu.RUnlock()

	failing := map[string]string{}
	for name, check := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
		err := check(checkCtx)
		cancel()
		if err != nil {
			failing[name] = err.Error()
		}
	}
	return failing
}

func LivenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func ReadinessHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.IsReady() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
			return
		}
		if failing := m.Failing(c.Request.Context()); len(failing) > 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "failing": failing})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}
