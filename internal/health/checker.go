// Package health provides health check functionality for liveness and readiness probes.
package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ReadinessChecker is the interface for readiness checks.
// Implemented by dependencies that must be reachable before accepting work.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// CheckFunc adapts a function such as a Ping method to ReadinessChecker.
type CheckFunc func(ctx context.Context) error

// Ready calls f.
func (f CheckFunc) Ready(ctx context.Context) error {
	return f(ctx)
}

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Check is one named readiness dependency.
type Check struct {
	Name    string
	Checker ReadinessChecker
	// Optional checks degrade readiness instead of failing it.
	Optional bool
}

// Checker performs health checks on dependencies.
type Checker struct {
	checks  []Check
	timeout time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a new health checker. Without checks the service is
// never ready.
func NewChecker(checks ...Check) *Checker {
	return &Checker{
		checks:  checks,
		timeout: 5 * time.Second,
	}
}

// Liveness returns true if the service is alive.
// This should be a lightweight check that doesn't depend on external services.
// Failing this probe should trigger a container restart.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{
		Status: StatusHealthy,
	}
}

// Readiness checks if the service is ready to accept traffic.
// This checks all dependencies (job store, container platform).
// Failing this probe should remove the instance from load balancer rotation.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	// Return unhealthy immediately if shutting down
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}

	// Use cached result if recent (avoid hammering the platform)
	if c.cachedReady != nil && time.Since(c.lastCheck) < time.Second {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	response := c.run(ctx)

	// Cache the result
	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

// run executes every check concurrently.
func (c *Checker) run(ctx context.Context) *Response {
	if len(c.checks) == 0 {
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"dependencies": {Status: StatusUnhealthy, Message: "no dependencies configured"},
			},
		}
	}

	results := make([]CheckResult, len(c.checks))
	var wg sync.WaitGroup
	for i, check := range c.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.runCheck(ctx, check)
		}()
	}
	wg.Wait()

	response := &Response{Status: StatusHealthy, Checks: make(map[string]CheckResult, len(c.checks))}
	for i, check := range c.checks {
		response.Checks[check.Name] = results[i]
		switch results[i].Status {
		case StatusUnhealthy:
			response.Status = StatusUnhealthy
		case StatusDegraded:
			if response.Status == StatusHealthy {
				response.Status = StatusDegraded
			}
		}
	}
	return response
}

func (c *Checker) runCheck(ctx context.Context, check Check) CheckResult {
	if check.Checker == nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: check.Name + " not configured",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := check.Checker.Ready(ctx); err != nil {
		status := StatusUnhealthy
		if check.Optional {
			status = StatusDegraded
		}
		return CheckResult{
			Status:  status,
			Message: err.Error(),
		}
	}

	return CheckResult{
		Status: StatusHealthy,
	}
}

// Names returns the configured check names, sorted.
func (c *Checker) Names() []string {
	names := make([]string, 0, len(c.checks))
	for _, check := range c.checks {
		names = append(names, check.Name)
	}
	sort.Strings(names)
	return names
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// IsReady returns true unless a required dependency is down.
func (r *Response) IsReady() bool {
	return r.Status != StatusUnhealthy
}

// SetShuttingDown marks the service as shutting down.
// This causes readiness checks to return unhealthy, signaling
// load balancers to stop sending new traffic.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil // Clear cache to ensure immediate effect
}
