// Package health reports whether a productbridge process can serve: the
// consumer loops it was configured with are running, and the component
// checks (bus, gateway backlog, store) pass.
//
// /health serves the full Report, /ready answers 503 until every tracked
// loop runs and no check is unhealthy, /live only proves the process answers.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

func worst(a, b Status) Status {
	if b.severity() > a.severity() {
		return b
	}
	return a
}

// CheckResult is the outcome of one component check
type CheckResult struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Error     string                 `json:"error,omitempty"`
}

// Checker is a component check
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// LoopState is the lifecycle of one consumer loop
type LoopState struct {
	Running bool      `json:"running"`
	Started bool      `json:"started"`
	Since   time.Time `json:"since,omitempty"`
	Error   string    `json:"error,omitempty"`
}

func (l LoopState) status() Status {
	if l.Running {
		return StatusHealthy
	}
	return StatusUnhealthy
}

// Report aggregates loop states and check results
type Report struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Loops     map[string]LoopState   `json:"loops,omitempty"`
	Checks    map[string]CheckResult `json:"checks"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NotReady lists the loops and checks that keep the process from serving
func (r Report) NotReady() []string {
	var names []string
	for name, loop := range r.Loops {
		if !loop.Running {
			names = append(names, "loop:"+name)
		}
	}
	for name, check := range r.Checks {
		if check.Status == StatusUnhealthy {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Registry holds the tracked loops and component checks of one process
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	loops    map[string]LoopState
	metadata map[string]interface{}
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		checkers: make(map[string]Checker),
		loops:    make(map[string]LoopState),
		metadata: make(map[string]interface{}),
	}
}

// Register adds a checker, replacing one with the same name
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[checker.Name()] = checker
}

// Unregister removes a checker
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checkers, name)
}

// SetMetadata attaches a value to every report
func (r *Registry) SetMetadata(key string, value interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata[key] = value
}

// TrackLoop declares a loop the process needs; it counts as not running
// until LoopStarted
func (r *Registry) TrackLoop(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.loops[name]; !ok {
		r.loops[name] = LoopState{}
	}
}

// LoopStarted marks name as running
func (r *Registry) LoopStarted(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loops[name] = LoopState{Running: true, Started: true, Since: time.Now()}
}

// LoopStopped marks name as stopped; err is the reason the loop returned, if any
func (r *Registry) LoopStopped(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := LoopState{Started: true, Since: time.Now()}
	if err != nil {
		state.Error = err.Error()
	}
	r.loops[name] = state
}

// Check runs every checker concurrently under ctx and folds in the loop
// states. A checker still running when ctx ends is reported unhealthy.
func (r *Registry) Check(ctx context.Context) Report {
	start := time.Now()

	r.mu.RLock()
	checkers := make([]Checker, 0, len(r.checkers))
	for _, c := range r.checkers {
		checkers = append(checkers, c)
	}
	loops := make(map[string]LoopState, len(r.loops))
	for name, state := range r.loops {
		loops[name] = state
	}
	metadata := make(map[string]interface{}, len(r.metadata))
	for k, v := range r.metadata {
		metadata[k] = v
	}
	r.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var wg sync.WaitGroup
	for i, checker := range checkers {
		wg.Add(1)
		go func(i int, checker Checker) {
			defer wg.Done()
			results[i] = runCheck(ctx, checker)
		}(i, checker)
	}
	wg.Wait()

	report := Report{
		Status:   StatusHealthy,
		Loops:    loops,
		Checks:   make(map[string]CheckResult, len(results)),
		Metadata: metadata,
	}
	for _, res := range results {
		report.Checks[res.Name] = res
		report.Status = worst(report.Status, res.Status)
	}
	for _, state := range loops {
		report.Status = worst(report.Status, state.status())
	}
	report.Timestamp = time.Now()
	report.Duration = time.Since(start)
	return report
}

func runCheck(ctx context.Context, checker Checker) CheckResult {
	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		done <- checker.Check(ctx)
	}()

	select {
	case res := <-done:
		res.Name = checker.Name()
		return res
	case <-ctx.Done():
		return CheckResult{
			Name:      checker.Name(),
			Status:    StatusUnhealthy,
			Message:   "Check timed out",
			Duration:  time.Since(start),
			Timestamp: time.Now(),
			Error:     ctx.Err().Error(),
		}
	}
}

// ReportHandler serves the full report as JSON; only unhealthy answers 503
func ReportHandler(registry *Registry, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		report := registry.Check(ctx)
		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	}
}

// ReadinessHandler answers 503 naming what is not ready
func ReadinessHandler(registry *Registry, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		if pending := registry.Check(ctx).NotReady(); len(pending) > 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready: " + strings.Join(pending, ", ")))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// LivenessHandler always answers 200
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("alive"))
	}
}
