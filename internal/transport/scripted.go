package transport

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentbeats/fabench/internal/models"
)

// Script is the canned behavior of an in-process candidate: one
// response per assignment and one rebuttal per challenge. Leaving a
// field nil makes the agent silent in that phase, which is how demo
// runs exercise the timeout paths.
type Script struct {
	Response      *models.AgentResponse
	Rebuttal      *models.DebateRebuttal
	ResponseDelay time.Duration
	RebuttalDelay time.Duration
}

// ScriptedAgent is a candidate that runs inside the engine process.
// It satisfies the orchestrator's Sender, so demo evaluations run the
// exact production message path with no network.
type ScriptedAgent struct {
	agentID   string
	deliverer Deliverer
	script    Script
	logger    *zap.Logger
	wg        sync.WaitGroup
}

func NewScriptedAgent(agentID string, deliverer Deliverer, script Script, logger *zap.Logger) *ScriptedAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScriptedAgent{
		agentID:   agentID,
		deliverer: deliverer,
		script:    script,
		logger:    logger.With(zap.String("component", "scripted_agent"), zap.String("agent_id", agentID)),
	}
}

// Send receives an outbound engine message and schedules the scripted
// reply. The endpoint is ignored; there is no wire.
func (a *ScriptedAgent) Send(ctx context.Context, _ string, msg *models.A2AMessage) error {
	taskID, _ := msg.Payload["task_id"].(string)

	switch msg.Type {
	case models.MessageTypeTaskAssignment:
		if a.script.Response == nil {
			a.logger.Debug("No scripted response, staying silent", zap.String("task_id", taskID))
			return nil
		}
		resp := *a.script.Response
		if resp.AgentID == "" {
			resp.AgentID = a.agentID
		}
		if resp.TaskID == "" {
			resp.TaskID = taskID
		}
		a.reply(ctx, a.script.ResponseDelay, func() bool {
			return a.deliverer.DeliverResponse(&resp)
		})
	case models.MessageTypeChallenge:
		if a.script.Rebuttal == nil {
			a.logger.Debug("No scripted rebuttal, staying silent", zap.String("task_id", taskID))
			return nil
		}
		reb := *a.script.Rebuttal
		if reb.AgentID == "" {
			reb.AgentID = a.agentID
		}
		if reb.TaskID == "" {
			reb.TaskID = taskID
		}
		a.reply(ctx, a.script.RebuttalDelay, func() bool {
			return a.deliverer.DeliverRebuttal(&reb)
		})
	default:
		a.logger.Debug("Ignoring message", zap.String("type", string(msg.Type)))
	}
	return nil
}

// Wait blocks until all scheduled replies have been delivered.
func (a *ScriptedAgent) Wait() { a.wg.Wait() }

// reply delivers after the scripted delay. The await slot only opens
// once the engine's send returns, so a refused delivery is retried
// briefly instead of dropped.
func (a *ScriptedAgent) reply(ctx context.Context, delay time.Duration, deliver func() bool) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return
			}
		}
		for i := 0; i < deliverAttempts; i++ {
			if deliver() {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(deliverInterval):
			}
		}
		a.logger.Warn("Scripted reply never found its waiter")
	}()
}
