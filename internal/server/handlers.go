package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/example/deployer/internal/deploy"
	"github.com/example/deployer/internal/httperr"
	"github.com/example/deployer/internal/manifest"
)

// signatureHeader carries the hex HMAC of the raw request bytes.
const signatureHeader = "X-Signature"

// maxBodyBytes bounds request bodies; deploy payloads are tiny.
const maxBodyBytes = 1 << 20

// Handler returns the full route table wrapped in the admission and recovery
// middleware. Admission runs first so rate limiting never depends on request
// parsing succeeding.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/deploy", s.handleDeployBody)
	mux.HandleFunc("/deploy/", s.handleDeployPath)
	mux.HandleFunc("/deploys", s.handleHistory)
	mux.HandleFunc("/stacks/", s.handleStackInspect)
	return s.recoverMiddleware(s.rateLimitMiddleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDeployPath triggers the pipeline for POST /deploy/{stack}. With an
// empty body the signature covers the UTF-8 bytes of the stack name itself so
// bodyless callers can still sign something request-specific.
func (s *Server) handleDeployPath(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stack := strings.TrimPrefix(r.URL.Path, "/deploy/")
	if stack == "" || strings.Contains(stack, "/") {
		http.NotFound(w, r)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, httperr.BadRequest("unreadable body"))
		return
	}
	signed := body
	if len(signed) == 0 {
		signed = []byte(stack)
	}
	if err := s.verifier.Verify(r.Header.Get(signatureHeader), signed); err != nil {
		s.writeError(w, err)
		return
	}
	s.performDeploy(w, r, stack)
}

// handleDeployBody triggers the pipeline for POST /deploy with a JSON body.
// The signature always covers the raw transmitted bytes, never a
// re-serialized form.
func (s *Server) handleDeployBody(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, httperr.BadRequest("unreadable body"))
		return
	}
	if err := s.verifier.Verify(r.Header.Get(signatureHeader), body); err != nil {
		s.writeError(w, err)
		return
	}
	var payload struct {
		Stack string `json:"stack"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			s.writeError(w, httperr.BadRequest("invalid JSON payload"))
			return
		}
	}
	if payload.Stack == "" {
		s.writeError(w, httperr.BadRequest("stack is required"))
		return
	}
	s.performDeploy(w, r, payload.Stack)
}

func (s *Server) performDeploy(w http.ResponseWriter, r *http.Request, name string) {
	stack, err := s.resolver.Resolve(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// A client hanging up must not kill the compose commands mid-flight and
	// leave the stack half applied; per-step timeouts still bound each one.
	ctx := context.WithoutCancel(r.Context())
	resp := s.deployer.Deploy(ctx, stack)
	if err := s.hist.Record(ctx, resp); err != nil {
		s.log.Error("history_record_failed", zap.String("stack", name), zap.Error(err))
	}
	s.writeJSON(w, resp.HTTPStatus(), resp)
}

// handleHistory serves GET /deploys. Bodyless reads sign the request path,
// mirroring the bodyless deploy rule.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.verifier.Verify(r.Header.Get(signatureHeader), []byte(r.URL.Path)); err != nil {
		s.writeError(w, err)
		return
	}
	if s.hist == nil {
		s.writeError(w, httperr.NotFound("history disabled"))
		return
	}
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	records, err := s.hist.Recent(r.Context(), limit)
	if err != nil {
		s.log.Error("history_query_failed", zap.Error(err))
		s.writeError(w, httperr.Internal("internal server error"))
		return
	}
	if records == nil {
		records = []deploy.Response{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "deploys": records})
}

// handleStackInspect serves GET /stacks/{stack}: resolution plus manifest
// metadata (declared services, referenced variables), no commands executed.
func (s *Server) handleStackInspect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/stacks/")
	if name == "" || strings.Contains(name, "/") {
		http.NotFound(w, r)
		return
	}
	if err := s.verifier.Verify(r.Header.Get(signatureHeader), []byte(r.URL.Path)); err != nil {
		s.writeError(w, err)
		return
	}
	stack, err := s.resolver.Resolve(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	vars := manifest.ExtractVars(stack.Manifest, s.log)
	services, err := manifest.Services(stack.Manifest, placeholderEnv(vars))
	if err != nil {
		s.writeError(w, httperr.BadRequest("invalid manifest"))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":        true,
		"stack":     stack.Name,
		"services":  services,
		"variables": vars,
	})
}

// placeholderEnv gives every referenced variable a dummy value so manifests
// with required placeholders still load for inspection.
func placeholderEnv(vars []string) map[string]string {
	env := make(map[string]string, len(vars))
	for _, name := range vars {
		env[name] = "placeholder"
	}
	return env
}

// rateLimitMiddleware is the admission gate: it runs before routing and
// before authentication, for every endpoint including /health.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientAddr(r)) {
			s.writeError(w, httperr.TooManyRequests("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoverMiddleware is the outermost boundary: anything escaping the pipeline
// is logged (message only) and reported as a generic 500.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("panic", zap.Any("error", rec), zap.String("path", r.URL.Path))
				s.writeError(w, httperr.Internal("internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode_response_failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, detail := httperr.StatusOf(err)
	s.writeJSON(w, status, map[string]interface{}{"ok": false, "detail": detail})
}
