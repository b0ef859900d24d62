package health

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// Connectivity is anything that can report a live broker connection
type Connectivity interface {
	IsConnected() bool
}

// PendingCounter reports calls awaiting replies
type PendingCounter interface {
	PendingCount() int
}

// BrokerChecker reports unhealthy while the connection is down
type BrokerChecker struct {
	name string
	conn Connectivity
}

// NewBrokerChecker creates a checker named name over conn
func NewBrokerChecker(name string, conn Connectivity) *BrokerChecker {
	return &BrokerChecker{name: name, conn: conn}
}

func (c *BrokerChecker) Name() string {
	return c.name
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	connected := c.conn.IsConnected()
	result.Details["connected"] = connected
	if connected {
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "Not connected to broker"
	}

	result.Duration = time.Since(start)
	return result
}

// PendingCallsChecker reports degraded above warn pending calls and
// unhealthy at critical. A zero threshold is not checked.
type PendingCallsChecker struct {
	counter  PendingCounter
	warn     int
	critical int
}

// NewPendingCallsChecker creates a pending calls checker
func NewPendingCallsChecker(counter PendingCounter, warn, critical int) *PendingCallsChecker {
	return &PendingCallsChecker{counter: counter, warn: warn, critical: critical}
}

func (c *PendingCallsChecker) Name() string {
	return "pending_calls"
}

func (c *PendingCallsChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	pending := c.counter.PendingCount()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   "Pending calls within limits",
		Details: map[string]interface{}{
			"pending": pending,
		},
	}

	switch {
	case c.critical > 0 && pending >= c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Pending calls at capacity: %d", pending)
	case c.warn > 0 && pending > c.warn:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High pending call count: %d", pending)
	}

	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker watches the goroutine count
type RuntimeChecker struct {
	warnGoroutines     int
	criticalGoroutines int
}

// NewRuntimeChecker creates a runtime checker
func NewRuntimeChecker(warnGoroutines, criticalGoroutines int) *RuntimeChecker {
	return &RuntimeChecker{
		warnGoroutines:     warnGoroutines,
		criticalGoroutines: criticalGoroutines,
	}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warnGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker adapts a function into a Checker
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]interface{}, error)
}

// NewComponentChecker creates a checker for a custom component
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]interface{}, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)

	return result
}
