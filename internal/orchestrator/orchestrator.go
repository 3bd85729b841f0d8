package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentbeats/fabench/internal/metrics"
	"github.com/agentbeats/fabench/internal/models"
)

// Default phase timeouts. A rebuttal is expected to be much faster
// than a full analysis, so its bound is shorter.
const (
	DefaultResponseTimeout = 30 * time.Minute
	DefaultRebuttalTimeout = 10 * time.Minute
)

const (
	phaseResponse = "response"
	phaseRebuttal = "rebuttal"
)

// Sender pushes one message toward a candidate agent. Implementations
// may deliver replies inline (synchronous candidates) by resolving the
// pending slot from their own goroutine.
type Sender interface {
	Send(ctx context.Context, endpoint string, msg *models.A2AMessage) error
}

// Config describes one evaluation exchange: who we are, where the
// candidate listens, and the phase timeouts.
type Config struct {
	SelfID          string
	Endpoint        string
	ResponseTimeout time.Duration
	RebuttalTimeout time.Duration
}

// Orchestrator drives the A2A protocol for one task: it issues the
// assignment and the adversarial challenge, correlates inbound replies
// through per-agent single-slot rendezvous, and keeps the append-only
// audit log of every message exchanged.
//
// One orchestrator serves one task. The deliver methods are safe to
// call from transport goroutines while an await blocks elsewhere; at
// most one wait may be outstanding per agent and phase.
type Orchestrator struct {
	cfg    Config
	sender Sender
	logger *zap.Logger

	mu               sync.Mutex // guards log and both pending maps
	log              []models.A2AMessage
	pendingResponses map[string]chan *models.AgentResponse
	pendingRebuttals map[string]chan *models.DebateRebuttal
}

func New(cfg Config, sender Sender, logger *zap.Logger) *Orchestrator {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.RebuttalTimeout <= 0 {
		cfg.RebuttalTimeout = DefaultRebuttalTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:              cfg,
		sender:           sender,
		logger:           logger.With(zap.String("component", "orchestrator")),
		pendingResponses: make(map[string]chan *models.AgentResponse),
		pendingRebuttals: make(map[string]chan *models.DebateRebuttal),
	}
}

// Assign builds and records the task-assignment message and hands it
// to the transport. It never blocks waiting for the reply; pair it
// with AwaitResponse.
func (o *Orchestrator) Assign(ctx context.Context, agentID string, task *models.Task) (*models.A2AMessage, error) {
	msg := o.newMessage(agentID, models.MessageTypeTaskAssignment, map[string]interface{}{
		"task_id":          task.ID,
		"question":         task.Question,
		"category":         string(task.Category),
		"difficulty":       string(task.Difficulty),
		"ticker":           task.Ticker,
		"fiscal_period":    task.FiscalPeriod,
		"simulation_date":  task.SimulationDate.Format("2006-01-02"),
		"deadline_seconds": int(task.Deadline / time.Second),
		"expects_code":     task.ExpectsCode,
	})
	o.append(msg)

	if err := o.sender.Send(ctx, o.cfg.Endpoint, &msg); err != nil {
		o.logger.Error("Task assignment send failed",
			zap.String("agent_id", agentID),
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("assign task %s to %s: %w: %v", task.ID, agentID, models.ErrTransportFailure, err)
	}

	o.logger.Info("Task assigned",
		zap.String("agent_id", agentID),
		zap.String("task_id", task.ID),
		zap.String("message_id", msg.ID),
	)
	return &msg, nil
}

// AwaitResponse blocks until the candidate's answer is delivered, the
// timeout elapses, or ctx is cancelled. A timeout surfaces as
// ErrResponseTimeout; the slot is released on every exit path. A
// second overlapping call for the same agent fails fast with
// ErrDuplicateAwait.
func (o *Orchestrator) AwaitResponse(ctx context.Context, agentID string, timeout time.Duration) (*models.AgentResponse, error) {
	if timeout <= 0 {
		timeout = o.cfg.ResponseTimeout
	}

	ch, err := o.openResponseSlot(agentID)
	if err != nil {
		return nil, err
	}
	defer o.closeResponseSlot(agentID, ch)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		metrics.AwaitTimeouts.WithLabelValues(phaseResponse).Inc()
		o.logger.Warn("Response timeout",
			zap.String("agent_id", agentID),
			zap.Duration("timeout", timeout),
		)
		return nil, fmt.Errorf("no response from %s within %s: %w", agentID, timeout, models.ErrResponseTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("await response from %s: %w", agentID, ctx.Err())
	}
}

// DeliverResponse resolves the pending response slot for the agent.
// Called from whatever goroutine handles inbound traffic. Delivering
// with no waiter is a no-op, not an error: late and duplicate replies
// are dropped.
func (o *Orchestrator) DeliverResponse(agentID string, resp *models.AgentResponse) bool {
	o.mu.Lock()
	ch, ok := o.pendingResponses[agentID]
	if ok {
		delete(o.pendingResponses, agentID)
	}
	o.mu.Unlock()

	if !ok {
		metrics.MessagesDelivered.WithLabelValues(string(models.MessageTypeResponse), "dropped").Inc()
		o.logger.Debug("Dropped response with no pending waiter",
			zap.String("agent_id", agentID),
		)
		return false
	}

	o.append(o.newInbound(agentID, models.MessageTypeResponse, map[string]interface{}{
		"task_id":        resp.TaskID,
		"recommendation": resp.Recommendation,
		"analysis_chars": len(resp.Analysis),
		"tool_calls":     len(resp.ToolCalls),
	}))

	ch <- resp // slot channel is buffered; never blocks
	metrics.MessagesDelivered.WithLabelValues(string(models.MessageTypeResponse), "resolved").Inc()
	o.logger.Info("Response delivered",
		zap.String("agent_id", agentID),
		zap.String("task_id", resp.TaskID),
	)
	return true
}

// Challenge builds and records the adversarial challenge message and
// sends it. Like Assign, it does not block for the rebuttal.
func (o *Orchestrator) Challenge(ctx context.Context, agentID, taskID, counterArgument string) (*models.A2AMessage, error) {
	msg := o.newMessage(agentID, models.MessageTypeChallenge, map[string]interface{}{
		"task_id":          taskID,
		"counter_argument": counterArgument,
	})
	o.append(msg)

	if err := o.sender.Send(ctx, o.cfg.Endpoint, &msg); err != nil {
		o.logger.Error("Challenge send failed",
			zap.String("agent_id", agentID),
			zap.String("task_id", taskID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("challenge %s on task %s: %w: %v", agentID, taskID, models.ErrTransportFailure, err)
	}

	o.logger.Info("Challenge sent",
		zap.String("agent_id", agentID),
		zap.String("task_id", taskID),
	)
	return &msg, nil
}

// AwaitRebuttal is AwaitResponse for the debate phase.
func (o *Orchestrator) AwaitRebuttal(ctx context.Context, agentID string, timeout time.Duration) (*models.DebateRebuttal, error) {
	if timeout <= 0 {
		timeout = o.cfg.RebuttalTimeout
	}

	ch, err := o.openRebuttalSlot(agentID)
	if err != nil {
		return nil, err
	}
	defer o.closeRebuttalSlot(agentID, ch)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reb := <-ch:
		return reb, nil
	case <-timer.C:
		metrics.AwaitTimeouts.WithLabelValues(phaseRebuttal).Inc()
		o.logger.Warn("Rebuttal timeout",
			zap.String("agent_id", agentID),
			zap.Duration("timeout", timeout),
		)
		return nil, fmt.Errorf("no rebuttal from %s within %s: %w", agentID, timeout, models.ErrResponseTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("await rebuttal from %s: %w", agentID, ctx.Err())
	}
}

// DeliverRebuttal resolves the pending rebuttal slot; no-op without a
// waiter, same as DeliverResponse.
func (o *Orchestrator) DeliverRebuttal(agentID string, reb *models.DebateRebuttal) bool {
	o.mu.Lock()
	ch, ok := o.pendingRebuttals[agentID]
	if ok {
		delete(o.pendingRebuttals, agentID)
	}
	o.mu.Unlock()

	if !ok {
		metrics.MessagesDelivered.WithLabelValues(string(models.MessageTypeRebuttal), "dropped").Inc()
		o.logger.Debug("Dropped rebuttal with no pending waiter",
			zap.String("agent_id", agentID),
		)
		return false
	}

	o.append(o.newInbound(agentID, models.MessageTypeRebuttal, map[string]interface{}{
		"task_id":       reb.TaskID,
		"defense_chars": len(reb.Defense),
		"new_evidence":  len(reb.NewEvidence),
	}))

	ch <- reb
	metrics.MessagesDelivered.WithLabelValues(string(models.MessageTypeRebuttal), "resolved").Inc()
	o.logger.Info("Rebuttal delivered",
		zap.String("agent_id", agentID),
		zap.String("task_id", reb.TaskID),
	)
	return true
}

// History returns an ordered copy of the audit log, optionally
// filtered by agent and message type. Callers cannot mutate the log
// through the returned slice.
func (o *Orchestrator) History(filterAgent string, filterType models.MessageType) []models.A2AMessage {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]models.A2AMessage, 0, len(o.log))
	for _, m := range o.log {
		if filterAgent != "" && m.Sender != filterAgent && m.Receiver != filterAgent {
			continue
		}
		if filterType != "" && m.Type != filterType {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Messages returns the full audit log in order.
func (o *Orchestrator) Messages() []models.A2AMessage {
	return o.History("", "")
}

func (o *Orchestrator) openResponseSlot(agentID string) (chan *models.AgentResponse, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.pendingResponses[agentID]; exists {
		metrics.DuplicateAwaits.Inc()
		return nil, fmt.Errorf("agent %s phase %s: %w", agentID, phaseResponse, models.ErrDuplicateAwait)
	}
	ch := make(chan *models.AgentResponse, 1)
	o.pendingResponses[agentID] = ch
	return ch, nil
}

func (o *Orchestrator) closeResponseSlot(agentID string, ch chan *models.AgentResponse) {
	o.mu.Lock()
	defer o.mu.Unlock()
	// Only remove our own slot; a deliver may already have claimed it
	// and a later await may have opened a fresh one.
	if cur, ok := o.pendingResponses[agentID]; ok && cur == ch {
		delete(o.pendingResponses, agentID)
	}
}

func (o *Orchestrator) openRebuttalSlot(agentID string) (chan *models.DebateRebuttal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.pendingRebuttals[agentID]; exists {
		metrics.DuplicateAwaits.Inc()
		return nil, fmt.Errorf("agent %s phase %s: %w", agentID, phaseRebuttal, models.ErrDuplicateAwait)
	}
	ch := make(chan *models.DebateRebuttal, 1)
	o.pendingRebuttals[agentID] = ch
	return ch, nil
}

func (o *Orchestrator) closeRebuttalSlot(agentID string, ch chan *models.DebateRebuttal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.pendingRebuttals[agentID]; ok && cur == ch {
		delete(o.pendingRebuttals, agentID)
	}
}

func (o *Orchestrator) newMessage(receiver string, typ models.MessageType, payload map[string]interface{}) models.A2AMessage {
	metrics.MessagesSent.WithLabelValues(string(typ)).Inc()
	return models.A2AMessage{
		ID:        uuid.NewString(),
		Sender:    o.cfg.SelfID,
		Receiver:  receiver,
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

func (o *Orchestrator) newInbound(sender string, typ models.MessageType, payload map[string]interface{}) models.A2AMessage {
	return models.A2AMessage{
		ID:        uuid.NewString(),
		Sender:    sender,
		Receiver:  o.cfg.SelfID,
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

func (o *Orchestrator) append(msg models.A2AMessage) {
	o.mu.Lock()
	o.log = append(o.log, msg)
	o.mu.Unlock()
}
