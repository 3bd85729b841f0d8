package orchestrator

import (
	"sync"

	"go.uber.org/zap"

	"github.com/agentbeats/fabench/internal/metrics"
	"github.com/agentbeats/fabench/internal/models"
)

// Router fans inbound replies out to per-task orchestrators. Batch
// evaluations run one orchestrator per task, possibly all against the
// same candidate; the task id on the reply decides which exchange it
// belongs to.
type Router struct {
	logger *zap.Logger

	mu     sync.RWMutex
	byTask map[string]*Orchestrator
}

func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		logger: logger.With(zap.String("component", "a2a_router")),
		byTask: make(map[string]*Orchestrator),
	}
}

// Register attaches a task's orchestrator for the duration of its
// evaluation. Unregister when the evaluation finishes, whatever the
// outcome, or late replies will pin the orchestrator in memory.
func (r *Router) Register(taskID string, o *Orchestrator) {
	r.mu.Lock()
	r.byTask[taskID] = o
	r.mu.Unlock()
}

func (r *Router) Unregister(taskID string) {
	r.mu.Lock()
	delete(r.byTask, taskID)
	r.mu.Unlock()
}

func (r *Router) lookup(taskID string) (*Orchestrator, bool) {
	r.mu.RLock()
	o, ok := r.byTask[taskID]
	r.mu.RUnlock()
	return o, ok
}

// DeliverResponse routes a candidate's answer to its task's
// orchestrator. Unknown task ids are dropped, mirroring the
// no-waiter no-op of the slot itself.
func (r *Router) DeliverResponse(resp *models.AgentResponse) bool {
	o, ok := r.lookup(resp.TaskID)
	if !ok {
		metrics.MessagesDelivered.WithLabelValues(string(models.MessageTypeResponse), "unroutable").Inc()
		r.logger.Debug("Response for unknown task dropped",
			zap.String("task_id", resp.TaskID),
			zap.String("agent_id", resp.AgentID),
		)
		return false
	}
	return o.DeliverResponse(resp.AgentID, resp)
}

// DeliverRebuttal routes a debate rebuttal the same way.
func (r *Router) DeliverRebuttal(reb *models.DebateRebuttal) bool {
	o, ok := r.lookup(reb.TaskID)
	if !ok {
		metrics.MessagesDelivered.WithLabelValues(string(models.MessageTypeRebuttal), "unroutable").Inc()
		r.logger.Debug("Rebuttal for unknown task dropped",
			zap.String("task_id", reb.TaskID),
			zap.String("agent_id", reb.AgentID),
		)
		return false
	}
	return o.DeliverRebuttal(reb.AgentID, reb)
}
