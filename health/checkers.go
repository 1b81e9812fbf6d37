package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/gridfeed-go/messaging"
	"github.com/glimte/gridfeed-go/monitor"
)

// Connectable reports whether a broker connection is currently up.
// messaging.Transport satisfies it.
type Connectable interface {
	IsConnected() bool
}

// BrokerChecker probes the broker connection. A lost connection is
// unhealthy outright: nothing downstream works without it.
type BrokerChecker struct {
	name      string
	transport Connectable
}

// NewBrokerChecker creates a broker connectivity probe.
func NewBrokerChecker(transport Connectable) *BrokerChecker {
	return &BrokerChecker{name: "broker", transport: transport}
}

func (b *BrokerChecker) Name() string { return b.name }

func (b *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      b.name,
		Timestamp: start,
	}

	if b.transport == nil {
		result.Status = StatusUnhealthy
		result.Message = "no transport configured"
		result.Duration = time.Since(start)
		return result
	}

	if !b.transport.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "broker connection is down"
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = "broker connection is up"
	result.Duration = time.Since(start)
	return result
}

// QueueChecker probes a single queue through the transport's inspector.
// An inaccessible queue is unhealthy; a backlog past the threshold is
// degraded, because consumers are still attached and draining it.
type QueueChecker struct {
	name      string
	queue     string
	inspector messaging.Inspector
	maxDepth  int
}

// NewQueueChecker creates a queue probe. maxDepth <= 0 disables the
// backlog threshold.
func NewQueueChecker(inspector messaging.Inspector, queue string, maxDepth int) *QueueChecker {
	return &QueueChecker{
		name:      "queue-" + queue,
		queue:     queue,
		inspector: inspector,
		maxDepth:  maxDepth,
	}
}

func (q *QueueChecker) Name() string { return q.name }

func (q *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      q.name,
		Timestamp: start,
	}

	info, err := q.inspector.Inspect(ctx, q.queue)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("queue %s is not accessible", q.queue)
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Details = map[string]interface{}{
		"queue":     info.Name,
		"depth":     info.Depth,
		"consumers": info.Consumers,
	}

	if q.maxDepth > 0 && info.Depth > q.maxDepth {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queue %s backlog at %d messages", q.queue, info.Depth)
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("queue %s ready", q.queue)
	result.Duration = time.Since(start)
	return result
}

// PipelineChecker folds the monitor package's per-queue assessment into a
// single probe, so the health endpoint and the dlqctl inspect command agree
// on what a backed-up pipeline looks like.
type PipelineChecker struct {
	name      string
	inspector *monitor.QueueInspector
}

// NewPipelineChecker creates a probe over the full declared topology.
func NewPipelineChecker(inspector *monitor.QueueInspector) *PipelineChecker {
	return &PipelineChecker{name: "pipeline", inspector: inspector}
}

func (p *PipelineChecker) Name() string { return p.name }

func (p *PipelineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      p.name,
		Timestamp: start,
	}

	reports, err := p.inspector.InspectAll(ctx)
	if err != nil {
		result.Error = err.Error()
	}

	details := make(map[string]interface{}, len(reports))
	for _, report := range reports {
		details[report.Queue] = map[string]interface{}{
			"depth":   report.Depth,
			"status":  string(report.Status),
			"message": report.Message,
		}
	}

	result.Details = details
	result.Duration = time.Since(start)
	switch monitor.Worst(reports) {
	case monitor.StatusCritical:
		result.Status = StatusUnhealthy
		result.Message = "pipeline has critical queues"
	case monitor.StatusWarning:
		result.Status = StatusDegraded
		result.Message = "pipeline has queues needing attention"
	default:
		result.Status = StatusHealthy
		result.Message = "all queues healthy"
	}
	return result
}

// RuntimeChecker watches goroutine count and heap use. Runaway goroutines
// are the failure mode that matters here: a leaked consumer or poller shows
// up long before memory does.
type RuntimeChecker struct {
	name               string
	warnGoroutines     int
	criticalGoroutines int
}

// NewRuntimeChecker creates a process runtime probe. Non-positive
// thresholds fall back to 500 (degraded) and 1000 (unhealthy).
func NewRuntimeChecker(warnGoroutines, criticalGoroutines int) *RuntimeChecker {
	if warnGoroutines <= 0 {
		warnGoroutines = 500
	}
	if criticalGoroutines <= 0 {
		criticalGoroutines = 1000
	}
	return &RuntimeChecker{
		name:               "runtime",
		warnGoroutines:     warnGoroutines,
		criticalGoroutines: criticalGoroutines,
	}
}

func (m *RuntimeChecker) Name() string { return m.name }

func (m *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Name:      m.name,
		Timestamp: start,
		Duration:  time.Since(start),
		Details: map[string]interface{}{
			"goroutines":    goroutines,
			"heap_alloc_mb": stats.HeapAlloc / 1024 / 1024,
			"sys_mb":        stats.Sys / 1024 / 1024,
			"num_gc":        stats.NumGC,
		},
	}

	switch {
	case goroutines > m.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("goroutine count %d past critical threshold %d", goroutines, m.criticalGoroutines)
	case goroutines > m.warnGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("goroutine count %d past warning threshold %d", goroutines, m.warnGoroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "runtime within thresholds"
	}
	return result
}
