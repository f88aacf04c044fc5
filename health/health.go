package health

import (
	"context"
	"time"
)

// Status is the health of a single dependency or of the service overall.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
)

// CheckResult is the outcome of one probe.
type CheckResult struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Checker probes one dependency. A probe never blocks indefinitely: it
// inherits whatever bounded retry the probed component enforces.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Report aggregates all check results into an overall status.
type Report struct {
	Status Status        `json:"status"`
	Checks []CheckResult `json:"checks"`
}

// Registry holds the service's checkers.
type Registry struct {
	checkers []Checker
}

// NewRegistry creates a registry over the given checkers.
func NewRegistry(checkers ...Checker) *Registry {
	return &Registry{checkers: checkers}
}

// Register adds a checker.
func (r *Registry) Register(c Checker) {
	r.checkers = append(r.checkers, c)
}

// Check runs every checker and aggregates: the service is healthy only when
// every dependency is, otherwise degraded.
func (r *Registry) Check(ctx context.Context) Report {
	report := Report{Status: StatusHealthy}
	for _, checker := range r.checkers {
		result := checker.Check(ctx)
		if result.Status != StatusHealthy {
			report.Status = StatusDegraded
		}
		report.Checks = append(report.Checks, result)
	}
	return report
}
