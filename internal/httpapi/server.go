// Package httpapi serves the intake surface: submission creation with schema
// validation and backpressure-aware enqueueing, submission status reads, the
// queue pressure endpoint and the sync event stream.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/op/go-logging"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/garyzheng0714-lang/web-fbif-form-sub000/internal/jobqueue"
	"github.com/garyzheng0714-lang/web-fbif-form-sub000/internal/store"
	"github.com/garyzheng0714-lang/web-fbif-form-sub000/internal/syncer"
)

var log = logging.MustGetLogger("httpapi")

// Submissions is the slice of the store the API needs.
type Submissions interface {
	Insert(ctx context.Context, sub *store.Submission) error
	FindByID(ctx context.Context, id string) (*store.Submission, error)
}

type ServerConfig struct {
	MaxBodyBytes    int64
	RateLimitMax    int
	RateLimitWindow time.Duration

	// Enqueue parameters stamped onto every sync job.
	SyncAttempts    int
	SyncBackoffBase time.Duration
}

type Server struct {
	submissions Submissions
	queue       jobqueue.Queue
	monitor     *jobqueue.Monitor
	policy      *jobqueue.Policy
	events      *syncer.EventHub
	schema      *jsonschema.Schema
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(submissions Submissions, queue jobqueue.Queue, monitor *jobqueue.Monitor, policy *jobqueue.Policy, events *syncer.EventHub, cfg ServerConfig) (*Server, error) {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.SyncAttempts <= 0 {
		cfg.SyncAttempts = 2
	}
	schema, err := compileSubmissionSchema()
	if err != nil {
		return nil, err
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		submissions: submissions,
		queue:       queue,
		monitor:     monitor,
		policy:      policy,
		events:      events,
		schema:      schema,
		cfg:         cfg,
		rateLimiter: limiter,
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/healthz" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/submissions" && r.Method == http.MethodPost {
		s.handleCreateSubmission(w, r)
		return
	}
	if r.URL.Path == "/v1/queue/pressure" && r.Method == http.MethodGet {
		s.handleQueuePressure(w, r)
		return
	}
	if r.URL.Path == "/v1/sync/events" && r.Method == http.MethodGet {
		s.handleSyncEvents(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) == 3 && parts[0] == "v1" && parts[1] == "submissions" && r.Method == http.MethodGet {
		s.handleGetSubmission(w, r, parts[2])
		return
	}

	writeError(w, http.StatusNotFound, "not_found", "route not found", getTraceID(r))
}

type submissionRequest struct {
	Type         string   `json:"type"`
	Name         string   `json:"name"`
	Phone        string   `json:"phone"`
	Title        string   `json:"title"`
	Company      string   `json:"company"`
	IDType       string   `json:"id_type"`
	IDNumber     string   `json:"id_number"`
	BusinessType string   `json:"business_type"`
	Department   string   `json:"department"`
	ProofURLs    []string `json:"proof_urls"`
}

type submissionAccepted struct {
	ID             string `json:"id"`
	TraceID        string `json:"trace_id"`
	SyncStatus     string `json:"sync_status"`
	QueuePressure  string `json:"queue_pressure"`
	EnqueueDelayMs int64  `json:"enqueue_delay_ms"`
}

func (s *Server) handleCreateSubmission(w http.ResponseWriter, r *http.Request) {
	traceID := getTraceID(r)
	if traceID == "" {
		traceID = uuid.NewString()
	}

	if s.rateLimiter != nil && !s.rateLimiter.allow(clientIP(r), time.Now()) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", traceID)
		return
	}

	body, ok := s.readRequestBody(w, r, traceID)
	if !ok {
		return
	}

	decoded, err := jsonschema.UnmarshalJSON(strings.NewReader(string(body)))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", traceID)
		return
	}
	if err := s.schema.Validate(decoded); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", validationMessage(err), traceID)
		return
	}

	var req submissionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", traceID)
		return
	}

	sub := &store.Submission{
		ID:           uuid.NewString(),
		Type:         req.Type,
		Name:         strings.TrimSpace(req.Name),
		Phone:        strings.TrimSpace(req.Phone),
		Title:        strings.TrimSpace(req.Title),
		Company:      strings.TrimSpace(req.Company),
		IDType:       req.IDType,
		IDNumber:     strings.TrimSpace(req.IDNumber),
		BusinessType: strings.TrimSpace(req.BusinessType),
		Department:   strings.TrimSpace(req.Department),
		ProofURLs:    req.ProofURLs,
		TraceID:      traceID,
		Status:       store.StatusPending,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.submissions.Insert(r.Context(), sub); err != nil {
		log.Errorf("inserting submission failed (trace %s): %v", traceID, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to store submission", traceID)
		return
	}

	snapshot := s.monitor.Sample(r.Context())
	delay := s.policy.EnqueueDelay(snapshot.Level)

	accepted, err := s.queue.Enqueue(r.Context(), jobqueue.Job{
		ID:           "sync:" + sub.ID,
		SubmissionID: sub.ID,
		TraceID:      traceID,
	}, jobqueue.EnqueueOptions{
		Delay:       delay,
		Attempts:    s.cfg.SyncAttempts,
		BackoffBase: s.cfg.SyncBackoffBase,
	})
	if err != nil {
		// The row is stored; sync can be re-queued later. Report acceptance.
		log.Errorf("enqueueing sync for %s failed (trace %s): %v", sub.ID, traceID, err)
	} else if !accepted {
		log.Warningf("sync job for %s already queued (trace %s)", sub.ID, traceID)
	}

	log.Infof("submission %s accepted under %s pressure, sync deferred %s (trace %s)",
		sub.ID, snapshot.Level, delay, traceID)
	writeJSON(w, http.StatusAccepted, submissionAccepted{
		ID:             sub.ID,
		TraceID:        traceID,
		SyncStatus:     string(store.StatusPending),
		QueuePressure:  string(snapshot.Level),
		EnqueueDelayMs: delay.Milliseconds(),
	})
}

type submissionView struct {
	ID         string    `json:"id"`
	TraceID    string    `json:"trace_id"`
	SyncStatus string    `json:"sync_status"`
	RecordID   string    `json:"record_id,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// handleGetSubmission reports sync state only. Registrant fields stay out of
// the read surface so the API never echoes PII back.
func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request, id string) {
	traceID := getTraceID(r)
	sub, err := s.submissions.FindByID(r.Context(), id)
	if err != nil {
		log.Errorf("loading submission %s failed (trace %s): %v", id, traceID, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load submission", traceID)
		return
	}
	if sub == nil {
		writeError(w, http.StatusNotFound, "not_found", "submission not found", traceID)
		return
	}
	writeJSON(w, http.StatusOK, submissionView{
		ID:         sub.ID,
		TraceID:    sub.TraceID,
		SyncStatus: string(sub.Status),
		RecordID:   sub.RecordID,
		LastError:  sub.LastError,
		CreatedAt:  sub.CreatedAt,
	})
}

type pressureView struct {
	Level   string `json:"level"`
	Backlog int64  `json:"backlog"`
	Waiting int64  `json:"waiting"`
	Active  int64  `json:"active"`
	Delayed int64  `json:"delayed"`
}

func (s *Server) handleQueuePressure(w http.ResponseWriter, r *http.Request) {
	snapshot := s.monitor.Sample(r.Context())
	writeJSON(w, http.StatusOK, pressureView{
		Level:   string(snapshot.Level),
		Backlog: snapshot.Backlog,
		Waiting: snapshot.Waiting,
		Active:  snapshot.Active,
		Delayed: snapshot.Delayed,
	})
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, traceID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", traceID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", traceID)
		return nil, false
	}
	return body, true
}

func validationMessage(err error) string {
	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		return verr.Error()
	}
	return err.Error()
}

func getTraceID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Trace-Id"))
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, traceID string) {
	writeJSON(w, status, map[string]any{
		"code":     code,
		"message":  message,
		"trace_id": traceID,
	})
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}
