// Package httpapi is Fisher's request ingress (spec.md §4.2): it routes
// "/hook/<name>" deliveries through the provider pipeline and onto the
// queue, and serves "/health". Routing is grounded on
// _examples/Quatton-qwex/pkg/qapi/api.go's chi.Mux + middleware.Recoverer
// setup — the only repo in the retrieval pack that actually imports
// go-chi/chi/v5 from production code.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pietroalbini/fisher/internal/provider"
	"github.com/pietroalbini/fisher/internal/queue"
	"github.com/pietroalbini/fisher/internal/ratelimit"
	"github.com/pietroalbini/fisher/internal/registry"
)

// PoolSizer is the subset of *worker.Pool that /health needs. Declared
// here instead of imported directly to avoid httpapi depending on the
// worker package's exec machinery for a single integer.
type PoolSizer interface {
	Size() int
}

// DaemonState exposes the supervisor's current lifecycle phase so the
// front-end can return 503 while locked for reload or draining for
// shutdown (spec.md §4.2, §4.7).
type DaemonState interface {
	Locked() bool
	Draining() bool
}

// Options configures a Server.
type Options struct {
	BehindProxies  int
	HealthEndpoint bool
}

// Server wires the provider pipeline, queue, rate limiter, and registry
// snapshot into an http.Handler.
type Server struct {
	snapshots *registry.Handle
	q         *queue.Queue
	limiter   *ratelimit.Limiter
	state     DaemonState
	pool      PoolSizer
	logger    *slog.Logger
	opts      Options

	handler http.Handler
}

func New(snapshots *registry.Handle, q *queue.Queue, limiter *ratelimit.Limiter, state DaemonState, pool PoolSizer, logger *slog.Logger, opts Options) *Server {
	s := &Server{snapshots: snapshots, q: q, limiter: limiter, state: state, pool: pool, logger: logger, opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/hook/*", s.handleHook)
	r.Post("/hook/*", s.handleHook)
	r.Get("/health", s.handleHealth)
	s.handler = r

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

const maxBodyBytes = 10 << 20 // 10MiB; spec.md leaves the exact figure to the implementer.

func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if s.state.Locked() {
		writeStatus(w, http.StatusServiceUnavailable, "locked for reload")
		return
	}
	if s.state.Draining() {
		writeStatus(w, http.StatusServiceUnavailable, "shutting down")
		return
	}

	name := chi.URLParam(r, "*")
	snap := s.snapshots.Current()
	desc, ok := snap.Lookup(name)
	if !ok || !desc.IsWebhookReachable() {
		writeStatus(w, http.StatusNotFound, "no such script")
		return
	}

	sourceIP, ipErr := s.resolveSourceIP(r)

	body, bodyPath, err := s.captureBody(r)
	if err != nil {
		s.logger.ErrorContext(ctx, "capturing request body", "script", name, "error", err)
		writeStatus(w, http.StatusInternalServerError, "failed to read request body")
		return
	}

	var result provider.PipelineResult
	if ipErr != nil {
		result = provider.PipelineResult{Accepted: false, Reason: ipErr.Error()}
	} else {
		pipeline := provider.Pipeline{Providers: desc.Providers}
		req := provider.Request{
			Method:   r.Method,
			Header:   r.Header,
			Query:    flattenQuery(r.URL.Query()),
			Body:     body,
			SourceIP: sourceIP,
		}
		result = pipeline.Run(req)
	}

	if !result.Accepted {
		removeFile(bodyPath)
		s.respondRejected(ctx, w, sourceIP, result.Reason)
		return
	}

	if result.Skip {
		removeFile(bodyPath)
		writeStatus(w, http.StatusOK, "skipped")
		return
	}

	env := make(map[string]string, len(result.Env)+2)
	for k, v := range result.Env {
		env[k] = v
	}
	if sourceIP != nil {
		env["FISHER_REQUEST_IP"] = sourceIP.String()
	}
	env["FISHER_REQUEST_BODY"] = bodyPath

	job := queue.Job{
		Seq:             s.q.NextSeq(),
		ScriptName:      desc.Name,
		ExecPath:        desc.ExecPath,
		Env:             env,
		RequestBodyPath: bodyPath,
		SourceIP:        sourceIP,
		Priority:        desc.Priority,
		Parallel:        desc.Parallel,
		Provenance:      queue.Provenance{Kind: "webhook", ProviderName: result.ProviderBy},
	}

	if err := s.q.Enqueue(job); err != nil {
		removeFile(bodyPath)
		if errors.Is(err, queue.ErrDraining) {
			writeStatus(w, http.StatusServiceUnavailable, "shutting down")
			return
		}
		s.logger.ErrorContext(ctx, "enqueuing job", "script", name, "error", err)
		writeStatus(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	writeStatus(w, http.StatusOK, "enqueued")
}

// respondRejected consults the rate limiter (per spec.md §4.8, only
// rejected requests cost a token) and maps the outcome to 429 or 400.
func (s *Server) respondRejected(ctx context.Context, w http.ResponseWriter, sourceIP net.IP, reason string) {
	key := "unknown"
	if sourceIP != nil {
		key = sourceIP.String()
	}

	allowed, err := s.limiter.Allow(ctx, key)
	if err != nil {
		s.logger.ErrorContext(ctx, "consulting rate limiter", "error", err)
		writeStatus(w, http.StatusBadRequest, reason)
		return
	}
	if !allowed {
		writeStatus(w, http.StatusTooManyRequests, "too many requests")
		return
	}
	writeStatus(w, http.StatusBadRequest, reason)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.opts.HealthEndpoint {
		writeJSON(w, http.StatusForbidden, map[string]any{"status": "forbidden"})
		return
	}

	queued, busy := s.q.SnapshotCounts()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": map[string]any{
			"busy_threads": busy,
			"max_threads":  s.pool.Size(),
			"queued_jobs":  queued,
		},
	})
}

// resolveSourceIP implements spec.md §4.2's source-IP resolution rule.
func (s *Server) resolveSourceIP(r *http.Request) (net.IP, error) {
	if s.opts.BehindProxies <= 0 {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil {
			return nil, errors.New("could not parse peer address")
		}
		return ip, nil
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return nil, errors.New("missing X-Forwarded-For with behind_proxies configured")
	}
	entries := strings.Split(xff, ",")
	for i := range entries {
		entries[i] = strings.TrimSpace(entries[i])
	}
	need := s.opts.BehindProxies + 1
	if len(entries) < need {
		return nil, errors.New("X-Forwarded-For does not contain enough entries for behind_proxies")
	}
	client := entries[len(entries)-s.opts.BehindProxies-1]
	ip := net.ParseIP(client)
	if ip == nil {
		return nil, errors.New("X-Forwarded-For client entry is not a valid IP")
	}
	return ip, nil
}

// captureBody streams the request body to a temp file and also returns
// its bytes for provider validation (spec.md §4.2: "the full body is
// streamed to a temp file before validation").
func (s *Server) captureBody(r *http.Request) ([]byte, string, error) {
	f, err := os.CreateTemp("", "fisher-request-body-")
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		os.Remove(f.Name())
		return nil, "", err
	}
	if _, err := f.Write(body); err != nil {
		os.Remove(f.Name())
		return nil, "", err
	}
	return body, f.Name(), nil
}

func flattenQuery(values map[string][]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func removeFile(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}

func writeStatus(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{"status": statusLabel(code), "message": message})
}

func statusLabel(code int) string {
	if code == http.StatusOK {
		return "ok"
	}
	return strconv.Itoa(code)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
