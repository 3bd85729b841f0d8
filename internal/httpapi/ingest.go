// Package httpapi is the engine's HTTP edge: the A2A inbox where
// candidate agents deliver replies, the evaluation API, and the SSE
// and WebSocket event streams.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agentbeats/fabench/internal/metrics"
	"github.com/agentbeats/fabench/internal/models"
	"github.com/agentbeats/fabench/internal/transport"
)

// IngestHandler accepts candidate replies over HTTP and routes them to
// the evaluations waiting on them. This is the asynchronous half of
// the A2A exchange: the engine posts assignments and challenges to the
// candidate's endpoint, and the candidate posts responses and
// rebuttals back here.
type IngestHandler struct {
	deliverer transport.Deliverer
	logger    *zap.Logger
	authToken string
	limiter   *rate.Limiter
}

// NewIngestHandler builds the inbox. An empty authToken disables the
// Bearer check; only do that for local runs.
func NewIngestHandler(deliverer transport.Deliverer, authToken string, logger *zap.Logger) *IngestHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IngestHandler{
		deliverer: deliverer,
		logger:    logger.With(zap.String("component", "ingest")),
		authToken: authToken,
		limiter:   rate.NewLimiter(rate.Limit(50), 100),
	}
}

// SetRateLimit overrides the default inbox rate limit.
func (h *IngestHandler) SetRateLimit(perSecond float64, burst int) {
	if perSecond > 0 && burst > 0 {
		h.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// RegisterRoutes registers the inbox on the provided mux.
func (h *IngestHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/a2a/inbox", h.handleInbox)
}

// inboundMessage is one candidate reply. Type selects which body field
// is read. The envelope-level agent_id and task_id fill in blanks in
// the body, so thin candidate platforms can route without duplicating
// identifiers.
type inboundMessage struct {
	Type     string                 `json:"type"`
	AgentID  string                 `json:"agent_id,omitempty"`
	TaskID   string                 `json:"task_id,omitempty"`
	Response *models.AgentResponse  `json:"response,omitempty"`
	Rebuttal *models.DebateRebuttal `json:"rebuttal,omitempty"`
}

// handleInbox accepts a single message or an array of messages.
// POST /a2a/inbox
func (h *IngestHandler) handleInbox(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	if !h.limiter.Allow() {
		metrics.IngestRequests.WithLabelValues("rate_limited").Inc()
		http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
		return
	}
	if h.authToken != "" {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != h.authToken {
			metrics.IngestRequests.WithLabelValues("unauthorized").Inc()
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
	}

	// Limit request body to 10MB to prevent DoS attacks
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		metrics.IngestRequests.WithLabelValues("invalid").Inc()
		http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
		return
	}

	// Accept single object or array
	var single inboundMessage
	var batch []inboundMessage
	if err := json.Unmarshal(body, &single); err == nil && single.Type != "" {
		batch = []inboundMessage{single}
	} else if err := json.Unmarshal(body, &batch); err != nil {
		metrics.IngestRequests.WithLabelValues("invalid").Inc()
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}

	delivered, dropped := 0, 0
	for _, msg := range batch {
		if h.deliver(msg) {
			delivered++
		} else {
			dropped++
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"delivered": delivered,
		"dropped":   dropped,
	})
}

func (h *IngestHandler) deliver(msg inboundMessage) bool {
	switch msg.Type {
	case "response":
		if msg.Response == nil {
			metrics.IngestRequests.WithLabelValues("invalid").Inc()
			return false
		}
		resp := *msg.Response
		if resp.AgentID == "" {
			resp.AgentID = msg.AgentID
		}
		if resp.TaskID == "" {
			resp.TaskID = msg.TaskID
		}
		if h.deliverer.DeliverResponse(&resp) {
			metrics.IngestRequests.WithLabelValues("delivered").Inc()
			return true
		}
	case "rebuttal":
		if msg.Rebuttal == nil {
			metrics.IngestRequests.WithLabelValues("invalid").Inc()
			return false
		}
		reb := *msg.Rebuttal
		if reb.AgentID == "" {
			reb.AgentID = msg.AgentID
		}
		if reb.TaskID == "" {
			reb.TaskID = msg.TaskID
		}
		if h.deliverer.DeliverRebuttal(&reb) {
			metrics.IngestRequests.WithLabelValues("delivered").Inc()
			return true
		}
	default:
		metrics.IngestRequests.WithLabelValues("invalid").Inc()
		h.logger.Debug("Ignoring inbound message of unknown type", zap.String("type", msg.Type))
		return false
	}
	metrics.IngestRequests.WithLabelValues("dropped").Inc()
	h.logger.Debug("Dropped inbound message with no waiting evaluation",
		zap.String("type", msg.Type),
		zap.String("task_id", msg.TaskID),
	)
	return false
}

// writeJSON writes a JSON response with status and content-type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sanitizeErr trims error messages for safe client output (UTF-8 safe).
func sanitizeErr(s string) string {
	runes := []rune(s)
	if len(runes) > 200 {
		return string(runes[:200])
	}
	return s
}
