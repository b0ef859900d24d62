package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glimte/mmate-rpc/health"
)

// DomainQueuesChecker reports degraded while a domain queue has no consumer
// or holds more than backlog ready requests
type DomainQueuesChecker struct {
	client  *Client
	prefix  string
	backlog int
}

// NewDomainQueuesChecker creates a checker over the queues named prefix+domain.
// A backlog of zero disables the backlog check.
func NewDomainQueuesChecker(client *Client, prefix string, backlog int) *DomainQueuesChecker {
	return &DomainQueuesChecker{client: client, prefix: prefix, backlog: backlog}
}

func (c *DomainQueuesChecker) Name() string {
	return "domain_queues"
}

func (c *DomainQueuesChecker) Check(ctx context.Context) health.CheckResult {
	start := time.Now()
	result := health.CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    health.StatusHealthy,
		Message:   "Every domain queue is consumed",
		Details:   make(map[string]interface{}),
	}

	queues, err := c.client.DomainQueues(ctx, c.prefix)
	if err != nil {
		// the management API being down says nothing about the calls
		result.Status = health.StatusDegraded
		result.Message = "Management API unavailable"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	var idle, backlogged []string
	for _, q := range queues {
		result.Details[q.Domain] = map[string]interface{}{
			"ready":     q.MessagesReady,
			"consumers": q.Consumers,
		}
		if q.Idle() {
			idle = append(idle, q.Domain)
		}
		if c.backlog > 0 && q.MessagesReady > c.backlog {
			backlogged = append(backlogged, q.Domain)
		}
	}

	var problems []string
	if len(idle) > 0 {
		problems = append(problems, fmt.Sprintf("no consumers: %s", strings.Join(idle, ", ")))
	}
	if len(backlogged) > 0 {
		problems = append(problems, fmt.Sprintf("backlog: %s", strings.Join(backlogged, ", ")))
	}
	if len(problems) > 0 {
		result.Status = health.StatusDegraded
		result.Message = strings.Join(problems, "; ")
	}

	result.Duration = time.Since(start)
	return result
}
