// Package health runs named dependency probes concurrently and serves the
// aggregate over HTTP for liveness and readiness checks.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Status is the health of one component or of the whole process.
type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

// Check probes one dependency.
type Check func(ctx context.Context) ComponentHealth

// ComponentHealth is the result of one Check.
type ComponentHealth struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Report aggregates every check; Status is the worst component status.
type Report struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  string                     `json:"timestamp"`
}

// Checker holds the registered checks.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]Check
	timeout time.Duration
	logger  *slog.Logger
}

// NewChecker creates a Checker whose checks each get timeout to answer.
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		checks:  make(map[string]Check),
		timeout: timeout,
		logger:  slog.Default().With("component", "health"),
	}
}

// Register adds or replaces the check called name.
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// ErrorCheck adapts a probe returning an error. A failing probe reports
// failStatus.
func ErrorCheck(probe func(ctx context.Context) error, failStatus Status) Check {
	return func(ctx context.Context) ComponentHealth {
		if err := probe(ctx); err != nil {
			return ComponentHealth{Status: failStatus, Message: err.Error()}
		}
		return ComponentHealth{Status: StatusUp}
	}
}

// Run executes every check in parallel. A check that outlives the timeout
// is reported down.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := make(map[string]Check, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mu.RUnlock()

	report := Report{
		Status:     StatusUp,
		Components: make(map[string]ComponentHealth, len(checks)),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for name, check := range checks {
		wg.Go(func() {
			res := c.runOne(ctx, check)
			mu.Lock()
			report.Components[name] = res
			mu.Unlock()
		})
	}
	wg.Wait()

	for name, comp := range report.Components {
		if comp.Status != StatusUp {
			c.logger.Warn("health check failing", "check", name, "status", comp.Status, "message", comp.Message)
		}
		report.Status = worse(report.Status, comp.Status)
	}
	return report
}

func (c *Checker) runOne(ctx context.Context, check Check) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	done := make(chan ComponentHealth, 1)
	go func() { done <- check(ctx) }()

	var res ComponentHealth
	select {
	case res = <-done:
	case <-ctx.Done():
		res = ComponentHealth{Status: StatusDown, Message: "check timed out"}
	}
	res.Latency = time.Since(start).Round(time.Millisecond).String()
	return res
}

func worse(a, b Status) Status {
	rank := map[Status]int{StatusUp: 0, StatusDegraded: 1, StatusDown: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// LiveHandler answers 200 while the process serves HTTP at all.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// ReadyHandler runs the checks and answers 503 unless every one is up.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := c.Run(r.Context())
		code := http.StatusOK
		if report.Status != StatusUp {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, report)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
