// Package api is the HTTP facade over the broker: uploads are stored, turned
// into work items and awaited with a bounded long-poll.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/syncq/internal/blob"
	"github.com/example/syncq/internal/broker"
	"github.com/example/syncq/internal/observability"
	"github.com/example/syncq/pkg/syncqapi"
)

const (
	uploadField     = "myfile"
	msgNotReady     = "Result not ready yet"
	msgNotFound     = "Request ID not found"
	msgTimedOut     = "Request timed out"
	headerRequestID = "X-Request-ID"
)

// Broker is the part of broker.Broker the server needs.
type Broker interface {
	Submit(ctx context.Context, item syncqapi.WorkItem) (string, error)
	AwaitResult(ctx context.Context, id string, maxWait time.Duration) (broker.Outcome, error)
}

type Options struct {
	InputBucket         string
	OutputBucket        string
	DefaultWait         time.Duration
	InitialWait         time.Duration
	MaxUploadBytes      int64
	SubmitRatePerSecond float64
	SubmitBurst         int
}

type Server struct {
	broker  Broker
	store   blob.Store
	opts    Options
	limiter *submitLimiter
	log     logr.Logger
}

func NewServer(b Broker, store blob.Store, opts Options, log logr.Logger) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 32 << 20
	}
	return &Server{
		broker:  b,
		store:   store,
		opts:    opts,
		limiter: newSubmitLimiter(opts.SubmitRatePerSecond, opts.SubmitBurst),
		log:     log,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/classify", s.handleClassify)
	mux.HandleFunc("/", s.handleClassifyRoot)
	mux.HandleFunc("/status/", s.handleStatus)
	mux.HandleFunc("/result/", s.handleResult)
	return withTracing(s.withLogging(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleClassifyRoot accepts uploads on "/" as well, the path older clients
// post to.
func (s *Server) handleClassifyRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.handleClassify(w, r)
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.limiter.allow(time.Now()) {
		writeError(w, http.StatusTooManyRequests, "submit rate limit exceeded")
		return
	}
	maxWait, err := s.waitParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "No file part")
		return
	}
	file, header, err := r.FormFile(uploadField)
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file part")
		return
	}
	defer file.Close()
	if header.Filename == "" {
		writeError(w, http.StatusBadRequest, "No selected file")
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read upload: "+err.Error())
		return
	}

	ctx := r.Context()
	key := uuid.NewString() + "_" + path.Base(header.Filename)
	if err := s.store.Put(ctx, s.opts.InputBucket, key, data, header.Header.Get("Content-Type")); err != nil {
		s.log.Error(err, "Storing upload failed", "key", key)
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}
	id, err := s.broker.Submit(ctx, syncqapi.WorkItem{Filename: key})
	if err != nil {
		s.log.Error(err, "Submitting request failed", "key", key)
		writeError(w, http.StatusServiceUnavailable, "failed to enqueue request")
		return
	}
	w.Header().Set(headerRequestID, id)

	if s.opts.InitialWait > 0 {
		t := time.NewTimer(s.opts.InitialWait)
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		t.Stop()
	}
	s.respondOutcome(w, r, id, maxWait)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/status/"), "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "request id is required")
		return
	}
	maxWait, err := s.waitParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set(headerRequestID, id)
	s.respondOutcome(w, r, id, maxWait)
}

// respondOutcome writes 200 text/plain for a completed request, 202 JSON
// while pending or timed out and 404 JSON for unknown ids.
func (s *Server) respondOutcome(w http.ResponseWriter, r *http.Request, id string, maxWait time.Duration) {
	out, err := s.broker.AwaitResult(r.Context(), id, maxWait)
	if errors.Is(err, broker.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, syncqapi.StatusResponse{
			RequestID: id,
			Status:    syncqapi.StatusNotFound,
			Message:   msgNotFound,
		})
		return
	}
	if err != nil {
		s.log.Error(err, "Awaiting result failed", "requestID", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	switch out.Kind {
	case broker.Completed:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, out.Result)
	case broker.TimedOut:
		writeJSON(w, http.StatusAccepted, syncqapi.StatusResponse{
			RequestID: id,
			Status:    syncqapi.StatusTimedOut,
			Message:   msgTimedOut,
		})
	default:
		writeJSON(w, http.StatusAccepted, syncqapi.StatusResponse{
			RequestID: id,
			Status:    syncqapi.StatusPending,
			Message:   msgNotReady,
		})
	}
}

// handleResult reads a classification from the output bucket, first under
// the name given and then under its .csv form.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	filename := strings.TrimPrefix(r.URL.Path, "/result/")
	if filename == "" {
		writeError(w, http.StatusBadRequest, "filename is required")
		return
	}
	for _, key := range ResultKeys(filename) {
		data, err := s.store.Get(r.Context(), s.opts.OutputBucket, key)
		if errors.Is(err, blob.ErrNotFound) {
			continue
		}
		if err != nil {
			s.log.Error(err, "Reading result failed", "key", key)
			writeError(w, http.StatusInternalServerError, "failed to read result")
			return
		}
		writeJSON(w, http.StatusOK, syncqapi.ResultResponse{Filename: filename, Result: strings.TrimSpace(string(data))})
		return
	}
	writeJSON(w, http.StatusNotFound, syncqapi.ResultResponse{Filename: filename, Message: msgNotReady})
}

// ResultKeys lists the output bucket keys a result for filename may be
// stored under.
func ResultKeys(filename string) []string {
	keys := []string{filename}
	if csv := strings.TrimSuffix(filename, path.Ext(filename)) + ".csv"; csv != filename {
		keys = append(keys, csv)
	}
	return keys
}

// maxWaitParam is the longest wait a caller may ask for.
const maxWaitParam = time.Hour

// waitParam reads ?timeout= in seconds, defaulting to DefaultWait and capped
// at maxWaitParam.
func (s *Server) waitParam(r *http.Request) (time.Duration, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("timeout"))
	if raw == "" {
		return s.opts.DefaultWait, nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) || secs < 0 {
		return 0, fmt.Errorf("invalid timeout %q", raw)
	}
	if secs >= maxWaitParam.Seconds() {
		return maxWaitParam, nil
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, syncqapi.ErrorResponse{Error: msg})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw, ok := w.(*statusWriter)
		if !ok {
			sw = &statusWriter{ResponseWriter: w, status: http.StatusOK}
		}
		next.ServeHTTP(sw, r)
		observability.RecordHTTPRequest(route(r.URL.Path), strconv.Itoa(sw.status))
		s.log.V(observability.VERBOSE).Info("HTTP request",
			"method", r.Method, "path", r.URL.Path, "status", sw.status, "duration", time.Since(start))
	})
}

func route(p string) string {
	switch {
	case p == "/", p == "/classify":
		return "/classify"
	case strings.HasPrefix(p, "/status/"):
		return "/status"
	case strings.HasPrefix(p, "/result/"):
		return "/result"
	case p == "/healthz", p == "/metrics":
		return p
	}
	return "other"
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observability.StartSpan(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		if sc := span.SpanContext(); sc.HasTraceID() {
			sw.Header().Set("X-Trace-ID", sc.TraceID().String())
		}
		next.ServeHTTP(sw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", sw.status))
	})
}
