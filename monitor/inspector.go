// Package monitor provides the operator-facing view of a running pipeline:
// passive queue health assessment and dead-letter inspection, browsing, and
// replay. Everything works through the messaging interfaces, so the same
// tooling runs against a live broker or the in-memory transport.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/gridfeed-go/messaging"
)

// Status classifies one queue's condition.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// DefaultCriticalDepth is where a backlog stops being a warning.
const DefaultCriticalDepth = 100

// QueueHealth is one queue's assessment.
type QueueHealth struct {
	Queue     string `json:"queue"`
	Depth     int    `json:"depth"`
	Consumers int    `json:"consumers"`
	Status    Status `json:"status"`
	Message   string `json:"message"`
}

// QueueInspector assesses the pipeline's queues through passive declares.
// The dead-letter queue is judged differently from feed queues: any depth
// there means messages needing operator attention.
type QueueInspector struct {
	inspector messaging.Inspector
	topology  messaging.Topology
	critical  int
	logger    *slog.Logger
}

// InspectorOption configures a QueueInspector
type InspectorOption func(*QueueInspector)

// WithCriticalDepth sets the backlog depth where status turns critical.
func WithCriticalDepth(n int) InspectorOption {
	return func(qi *QueueInspector) {
		if n > 0 {
			qi.critical = n
		}
	}
}

// WithInspectorLogger sets the logger
func WithInspectorLogger(logger *slog.Logger) InspectorOption {
	return func(qi *QueueInspector) {
		if logger != nil {
			qi.logger = logger
		}
	}
}

// NewQueueInspector creates an inspector over the given topology.
func NewQueueInspector(inspector messaging.Inspector, topo messaging.Topology, options ...InspectorOption) (*QueueInspector, error) {
	if inspector == nil {
		return nil, errors.New("monitor: inspector is required")
	}
	if err := topo.Validate(); err != nil {
		return nil, err
	}

	qi := &QueueInspector{
		inspector: inspector,
		topology:  topo,
		critical:  DefaultCriticalDepth,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(qi)
	}
	return qi, nil
}

// Inspect assesses a single queue.
func (qi *QueueInspector) Inspect(ctx context.Context, queue string) (QueueHealth, error) {
	info, err := qi.inspector.Inspect(ctx, queue)
	if err != nil {
		return QueueHealth{}, fmt.Errorf("monitor: inspecting %s: %w", queue, err)
	}
	return qi.assess(info), nil
}

// InspectAll assesses every topology queue plus the dead-letter queue, in
// declaration order with the DLQ last. Queues that fail to inspect appear as
// critical entries, and their errors come back joined so callers can both
// show the full picture and exit non-zero.
func (qi *QueueInspector) InspectAll(ctx context.Context) ([]QueueHealth, error) {
	names := make([]string, 0, len(qi.topology.Queues)+1)
	for _, q := range qi.topology.Queues {
		names = append(names, q.Name)
	}
	names = append(names, qi.topology.DeadLetterQueue)

	healths := make([]QueueHealth, 0, len(names))
	var errs []error
	for _, name := range names {
		health, err := qi.Inspect(ctx, name)
		if err != nil {
			qi.logger.Warn("queue inspection failed", "queue", name, "error", err)
			healths = append(healths, QueueHealth{
				Queue:   name,
				Status:  StatusCritical,
				Message: err.Error(),
			})
			errs = append(errs, err)
			continue
		}
		healths = append(healths, health)
	}
	return healths, errors.Join(errs...)
}

func (qi *QueueInspector) assess(info messaging.QueueInfo) QueueHealth {
	health := QueueHealth{
		Queue:     info.Name,
		Depth:     info.Depth,
		Consumers: info.Consumers,
	}

	if info.Name == qi.topology.DeadLetterQueue {
		switch {
		case info.Depth == 0:
			health.Status = StatusHealthy
			health.Message = "dead-letter queue is empty"
		case info.Depth > qi.critical:
			health.Status = StatusCritical
			health.Message = fmt.Sprintf("%d dead-lettered messages, above the %d threshold", info.Depth, qi.critical)
		default:
			health.Status = StatusWarning
			health.Message = fmt.Sprintf("%d dead-lettered messages await inspection", info.Depth)
		}
		return health
	}

	switch {
	case info.Depth > 0 && info.Consumers == 0:
		health.Status = StatusCritical
		health.Message = fmt.Sprintf("no consumers for %d ready messages", info.Depth)
	case info.Depth > qi.critical:
		health.Status = StatusWarning
		health.Message = fmt.Sprintf("backlog of %d messages", info.Depth)
	default:
		health.Status = StatusHealthy
		health.Message = "queue is healthy"
	}
	return health
}

// Worst reduces a set of assessments to the most severe status. An empty set
// is healthy.
func Worst(healths []QueueHealth) Status {
	worst := StatusHealthy
	for _, h := range healths {
		switch h.Status {
		case StatusCritical:
			return StatusCritical
		case StatusWarning:
			worst = StatusWarning
		}
	}
	return worst
}
