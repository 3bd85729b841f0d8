package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentbeats/fabench/internal/models"
)

func testMessage(typ models.MessageType) *models.A2AMessage {
	return &models.A2AMessage{
		ID:       "msg-1",
		Sender:   "green-agent",
		Receiver: "purple-1",
		Type:     typ,
		Payload:  map[string]interface{}{"task_id": "task-1"},
	}
}

func fastConfig() Config {
	return Config{
		Timeout:          2 * time.Second,
		RetryCount:       2,
		RetryWaitTime:    time.Millisecond,
		RetryMaxWaitTime: 5 * time.Millisecond,
	}
}

func TestSendPostsMessage(t *testing.T) {
	var got models.A2AMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(fastConfig(), nil)
	if err := c.Send(context.Background(), srv.URL, testMessage(models.MessageTypeTaskAssignment)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Type != models.MessageTypeTaskAssignment {
		t.Errorf("delivered type = %s", got.Type)
	}
	if got.Payload["task_id"] != "task-1" {
		t.Errorf("payload task_id = %v", got.Payload["task_id"])
	}
}

func TestSendRetriesServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			http.Error(w, "busy", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(fastConfig(), nil)
	if err := c.Send(context.Background(), srv.URL, testMessage(models.MessageTypeChallenge)); err != nil {
		t.Fatalf("Send after retries: %v", err)
	}
	if n := atomic.LoadInt32(&hits); n != 3 {
		t.Errorf("server hits = %d, want 3", n)
	}
}

func TestSendFailureWrapsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(fastConfig(), nil)
	err := c.Send(context.Background(), srv.URL, testMessage(models.MessageTypeTaskAssignment))
	if !errors.Is(err, models.ErrTransportFailure) {
		t.Fatalf("err = %v, want ErrTransportFailure", err)
	}
}

func TestSendBreakerShortCircuits(t *testing.T) {
	t.Setenv("CB_AGENT_FAILURE_THRESHOLD", "2")
	t.Setenv("CB_AGENT_TIMEOUT", "1m")

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(fastConfig(), nil)
	msg := testMessage(models.MessageTypeTaskAssignment)
	for i := 0; i < 2; i++ {
		if err := c.Send(context.Background(), srv.URL, msg); err == nil {
			t.Fatal("expected failure")
		}
	}
	before := atomic.LoadInt32(&hits)

	err := c.Send(context.Background(), srv.URL, msg)
	if !errors.Is(err, models.ErrTransportFailure) {
		t.Fatalf("err = %v, want ErrTransportFailure", err)
	}
	if after := atomic.LoadInt32(&hits); after != before {
		t.Errorf("open breaker still reached the endpoint: %d -> %d hits", before, after)
	}
}

func TestSendSyncDecodesReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.A2AMessage{
			ID:       "reply-1",
			Sender:   "purple-1",
			Receiver: "green-agent",
			Type:     models.MessageTypeResponse,
		})
	}))
	defer srv.Close()

	c := NewClient(fastConfig(), nil)
	reply, err := c.SendSync(context.Background(), srv.URL, testMessage(models.MessageTypeTaskAssignment))
	if err != nil {
		t.Fatalf("SendSync: %v", err)
	}
	if reply.Type != models.MessageTypeResponse || reply.Sender != "purple-1" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestSendSyncMalformedReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>hello</html>"))
	}))
	defer srv.Close()

	c := NewClient(fastConfig(), nil)
	_, err := c.SendSync(context.Background(), srv.URL, testMessage(models.MessageTypeTaskAssignment))
	if !errors.Is(err, models.ErrMalformedResponse) {
		t.Fatalf("err = %v, want ErrMalformedResponse", err)
	}
	if errors.Is(err, models.ErrTransportFailure) {
		t.Error("a decoded 200 must not count as a transport failure")
	}
}
