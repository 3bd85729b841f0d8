package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentbeats/fabench/internal/models"
)

// Delivery retry bounds. The await slot opens only after the send
// returns, so the first delivery attempt can land before anyone is
// waiting; retry briefly instead of dropping the reply.
const (
	deliverAttempts = 50
	deliverInterval = 20 * time.Millisecond
)

// SyncSender adapts the client's inline mode to the orchestrator's
// Sender. The POST blocks until the candidate answers in the HTTP
// response body; the decoded reply is then handed to the deliverer
// from a separate goroutine, the same path callback replies take
// through the ingest API. Used by batch runs that host no inbox.
type SyncSender struct {
	client    *Client
	deliverer Deliverer
	logger    *zap.Logger
	wg        sync.WaitGroup
}

func NewSyncSender(client *Client, deliverer Deliverer, logger *zap.Logger) *SyncSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncSender{
		client:    client,
		deliverer: deliverer,
		logger:    logger.With(zap.String("component", "sync_transport")),
	}
}

// Send posts the message and schedules delivery of the inline reply.
// A reply whose type does not pair with the outbound message is a
// malformed response; an explicit error reply fails with the
// candidate's own message.
func (s *SyncSender) Send(ctx context.Context, endpoint string, msg *models.A2AMessage) error {
	reply, err := s.client.SendSync(ctx, endpoint, msg)
	if err != nil {
		return err
	}
	taskID, _ := msg.Payload["task_id"].(string)

	switch {
	case msg.Type == models.MessageTypeTaskAssignment && reply.Type == models.MessageTypeResponse:
		var resp models.AgentResponse
		if err := decodePayload(reply.Payload, &resp); err != nil {
			return fmt.Errorf("%w: decode inline response payload: %v", models.ErrMalformedResponse, err)
		}
		if resp.AgentID == "" {
			resp.AgentID = reply.Sender
		}
		if resp.TaskID == "" {
			resp.TaskID = taskID
		}
		s.schedule(ctx, reply.Type, taskID, func() bool {
			return s.deliverer.DeliverResponse(&resp)
		})
	case msg.Type == models.MessageTypeChallenge && reply.Type == models.MessageTypeRebuttal:
		var reb models.DebateRebuttal
		if err := decodePayload(reply.Payload, &reb); err != nil {
			return fmt.Errorf("%w: decode inline rebuttal payload: %v", models.ErrMalformedResponse, err)
		}
		if reb.AgentID == "" {
			reb.AgentID = reply.Sender
		}
		if reb.TaskID == "" {
			reb.TaskID = taskID
		}
		s.schedule(ctx, reply.Type, taskID, func() bool {
			return s.deliverer.DeliverRebuttal(&reb)
		})
	case reply.Type == models.MessageTypeError:
		return fmt.Errorf("candidate replied with error: %s", errorReason(reply.Payload))
	default:
		return fmt.Errorf("%w: inline reply type %q to %q", models.ErrMalformedResponse, reply.Type, msg.Type)
	}
	return nil
}

// Wait blocks until every scheduled delivery has finished.
func (s *SyncSender) Wait() { s.wg.Wait() }

func (s *SyncSender) schedule(ctx context.Context, typ models.MessageType, taskID string, deliver func() bool) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
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
		s.logger.Warn("Inline reply never found its waiter",
			zap.String("type", string(typ)),
			zap.String("task_id", taskID),
		)
	}()
}

func decodePayload(payload map[string]interface{}, v interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func errorReason(payload map[string]interface{}) string {
	for _, key := range []string{"message", "error", "reason"} {
		if msg, ok := payload[key].(string); ok && msg != "" {
			return msg
		}
	}
	return "no reason given"
}
