package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentbeats/fabench/internal/models"
)

func inlineServer(t *testing.T, reply models.A2AMessage) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(reply)
	}))
}

func TestSyncSenderDeliversInlineResponse(t *testing.T) {
	srv := inlineServer(t, models.A2AMessage{
		ID:     "reply-1",
		Sender: "purple-1",
		Type:   models.MessageTypeResponse,
		Payload: map[string]interface{}{
			"analysis":       "beat across every line item",
			"recommendation": "Beat",
		},
	})
	defer srv.Close()

	d := newRecordingDeliverer()
	s := NewSyncSender(NewClient(fastConfig(), nil), d, nil)
	if err := s.Send(context.Background(), srv.URL, assignment()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	s.Wait()

	select {
	case resp := <-d.responses:
		if resp.AgentID != "purple-1" {
			t.Errorf("agent id filled from reply sender, got %q", resp.AgentID)
		}
		if resp.TaskID != "task-9" {
			t.Errorf("task id filled from assignment payload, got %q", resp.TaskID)
		}
		if resp.Recommendation != "Beat" {
			t.Errorf("recommendation = %q", resp.Recommendation)
		}
	default:
		t.Fatal("no response delivered")
	}
}

func TestSyncSenderDeliversInlineRebuttal(t *testing.T) {
	srv := inlineServer(t, models.A2AMessage{
		Sender: "purple-1",
		Type:   models.MessageTypeRebuttal,
		Payload: map[string]interface{}{
			"defense": "the call stands on guidance",
		},
	})
	defer srv.Close()

	d := newRecordingDeliverer()
	s := NewSyncSender(NewClient(fastConfig(), nil), d, nil)
	challenge := assignment()
	challenge.Type = models.MessageTypeChallenge
	if err := s.Send(context.Background(), srv.URL, challenge); err != nil {
		t.Fatalf("Send: %v", err)
	}
	s.Wait()

	select {
	case reb := <-d.rebuttals:
		if reb.TaskID != "task-9" || reb.AgentID != "purple-1" {
			t.Errorf("rebuttal = %+v", reb)
		}
	default:
		t.Fatal("no rebuttal delivered")
	}
}

func TestSyncSenderRejectsMismatchedReply(t *testing.T) {
	srv := inlineServer(t, models.A2AMessage{
		Sender: "purple-1",
		Type:   models.MessageTypeRebuttal,
	})
	defer srv.Close()

	s := NewSyncSender(NewClient(fastConfig(), nil), newRecordingDeliverer(), nil)
	err := s.Send(context.Background(), srv.URL, assignment())
	if !errors.Is(err, models.ErrMalformedResponse) {
		t.Fatalf("err = %v, want ErrMalformedResponse", err)
	}
}

func TestSyncSenderSurfacesCandidateError(t *testing.T) {
	srv := inlineServer(t, models.A2AMessage{
		Sender:  "purple-1",
		Type:    models.MessageTypeError,
		Payload: map[string]interface{}{"message": "dataset out of scope"},
	})
	defer srv.Close()

	s := NewSyncSender(NewClient(fastConfig(), nil), newRecordingDeliverer(), nil)
	err := s.Send(context.Background(), srv.URL, assignment())
	if err == nil {
		t.Fatal("expected failure")
	}
	if !strings.Contains(err.Error(), "dataset out of scope") {
		t.Errorf("err = %v, want candidate reason", err)
	}
}

// lateDeliverer refuses every delivery until opened, standing in for
// an await slot that registers after the send returns.
type lateDeliverer struct {
	open      atomic.Bool
	delivered chan *models.AgentResponse
}

func (d *lateDeliverer) DeliverResponse(resp *models.AgentResponse) bool {
	if !d.open.Load() {
		return false
	}
	d.delivered <- resp
	return true
}

func (d *lateDeliverer) DeliverRebuttal(*models.DebateRebuttal) bool { return false }

func TestSyncSenderRetriesUntilWaiterArrives(t *testing.T) {
	srv := inlineServer(t, models.A2AMessage{
		Sender:  "purple-1",
		Type:    models.MessageTypeResponse,
		Payload: map[string]interface{}{"analysis": "beat"},
	})
	defer srv.Close()

	d := &lateDeliverer{delivered: make(chan *models.AgentResponse, 1)}
	s := NewSyncSender(NewClient(fastConfig(), nil), d, nil)
	if err := s.Send(context.Background(), srv.URL, assignment()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	time.Sleep(3 * deliverInterval)
	d.open.Store(true)

	select {
	case resp := <-d.delivered:
		if resp.TaskID != "task-9" {
			t.Errorf("task id = %q", resp.TaskID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reply dropped instead of retried")
	}
	s.Wait()
}
