/*
Copyright 2026 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/consilium-ai/governor/pkg/audit"
	"github.com/consilium-ai/governor/pkg/orchestrator"
)

// ingressServer exposes the request interface spec.md §6 names:
// submit_candidate, query_decision and subscribe_progress.
type ingressServer struct {
	app    *app
	logger *zap.Logger
	http   *http.Server

	mu         sync.Mutex
	candidates map[string]*orchestrator.Candidate
	watchers   map[string][]chan *orchestrator.Candidate
}

func newServer(a *app, logger *zap.Logger) *ingressServer {
	s := &ingressServer{
		app:        a,
		logger:     logger,
		candidates: make(map[string]*orchestrator.Candidate),
		watchers:   make(map[string][]chan *orchestrator.Candidate),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type", "X-Constitutional-Identifier"},
	}))

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/candidates", s.handleSubmitCandidate)
		r.Get("/candidates/{id}", s.handleQueryDecision)
		r.Get("/candidates/{id}/progress", s.handleSubscribeProgress)
		r.Get("/policy/active-bundle", s.handleActiveBundle)
	})

	s.http = &http.Server{Handler: r}
	return s
}

func (s *ingressServer) ListenAndServe(port string) error {
	s.http.Addr = ":" + port
	return s.http.ListenAndServe()
}

func (s *ingressServer) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *ingressServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "governor-api",
	})
}

// handleActiveBundle surfaces D's currently active rule bundle version,
// the read side of spec.md §6's policy-decision interface.
func (s *ingressServer) handleActiveBundle(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"active_bundle_version": s.app.policy.ActiveBundleVersion(),
	})
}

// candidateRequest is submit_candidate's wire payload.
type candidateRequest struct {
	Kind                     string                 `json:"kind"`
	RiskClass                string                 `json:"risk_class"`
	Content                  string                 `json:"content"`
	Prompt                   string                 `json:"prompt"`
	GenCtx                   map[string]interface{} `json:"context"`
	ConstitutionalIdentifier string                 `json:"constitutional_identifier"`
}

// handleSubmitCandidate implements submit_candidate (spec.md §6):
// constructs a Candidate, verifies its constitutional identifier, and
// drives it through the orchestrator's state machine until it reaches a
// stable phase.
func (s *ingressServer) handleSubmitCandidate(w http.ResponseWriter, r *http.Request) {
	var req candidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON payload"})
		return
	}

	if err := s.app.identity.VerifyString(req.ConstitutionalIdentifier); err != nil {
		// Stamped with the configured identifier; the tampered value is
		// evidence in the payload, never the stamp (spec.md §8 scenario 2).
		_, _ = s.app.auditLog.Append(r.Context(), "ingress", audit.KindConstitutionalViolation,
			map[string]interface{}{"presented_identifier": req.ConstitutionalIdentifier, "kind": req.Kind},
			s.app.identity.ID())
		writeJSON(w, http.StatusConflict, map[string]string{"error": "constitutional identifier mismatch"})
		return
	}

	candidate := &orchestrator.Candidate{
		Kind:                     orchestrator.Kind(req.Kind),
		RiskClass:                orchestrator.RiskClass(req.RiskClass),
		Content:                  req.Content,
		Prompt:                   req.Prompt,
		GenCtx:                   req.GenCtx,
		ConstitutionalIdentifier: req.ConstitutionalIdentifier,
	}

	result, err := s.app.orchestrator.Submit(r.Context(), candidate)
	s.record(candidate)

	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":        err.Error(),
			"candidate_id": candidate.ID,
			"phase":        candidate.Phase,
		})
		return
	}

	writeJSON(w, candidate.ExitCode(), map[string]interface{}{
		"candidate_id":  candidate.ID,
		"phase":         candidate.Phase,
		"requeue_after": result.RequeueAfter,
		"failure_reason": candidate.FailureReason,
	})
}

// handleQueryDecision implements query_decision: the current, fully
// materialised Candidate record for a previously submitted request.
func (s *ingressServer) handleQueryDecision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	c, ok := s.candidates[id]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown candidate id"})
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleSubscribeProgress implements subscribe_progress as a
// server-sent-events stream: one event with the candidate's recorded
// state, then one each time the server records the candidate again,
// closing when the candidate reaches a terminal phase or the client
// disconnects. A candidate is recorded once, after Submit returns, so
// intermediate phase transitions are not streamed.
func (s *ingressServer) handleSubscribeProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	s.mu.Lock()
	current, known := s.candidates[id]
	if !known {
		s.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown candidate id"})
		return
	}
	ch := make(chan *orchestrator.Candidate, 8)
	s.watchers[id] = append(s.watchers[id], ch)
	s.mu.Unlock()

	defer s.unsubscribe(id, ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	writeSSE(w, current)
	flusher.Flush()
	if isTerminal(current.Phase) {
		return
	}

	ctx := r.Context()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case next, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, next)
			flusher.Flush()
			if isTerminal(next.Phase) {
				return
			}
		}
	}
}

func (s *ingressServer) record(c *orchestrator.Candidate) {
	s.mu.Lock()
	s.candidates[c.ID] = c
	watchers := append([]chan *orchestrator.Candidate(nil), s.watchers[c.ID]...)
	s.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- c:
		default:
		}
	}
}

func (s *ingressServer) unsubscribe(id string, ch chan *orchestrator.Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	remaining := s.watchers[id][:0]
	for _, w := range s.watchers[id] {
		if w != ch {
			remaining = append(remaining, w)
		}
	}
	s.watchers[id] = remaining
	close(ch)
}

func isTerminal(p orchestrator.Phase) bool {
	switch p {
	case orchestrator.PhaseApproved, orchestrator.PhaseDenied, orchestrator.PhaseCommitted, orchestrator.PhaseRolledBack:
		return true
	default:
		return false
	}
}

func writeSSE(w http.ResponseWriter, c *orchestrator.Candidate) {
	b, err := json.Marshal(c)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: progress\ndata: %s\n\n", b)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
