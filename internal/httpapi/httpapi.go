// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package httpapi is a thin HTTP surface: a webhook endpoint that
// triggers an announce-driven pipeline run, and a /jobs endpoint that
// reports recent outcomes. This is a minimal relay onto the
// Orchestrator, not a place for business logic.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/nemorosa/internal/orchestrator"
	"github.com/autobrr/nemorosa/internal/pipeline"
)

// ProcessResponse is the webhook's response body.
type ProcessResponse struct {
	Status         string `json:"status"`
	Result         string `json:"result,omitempty"`
	Candidate      string `json:"candidate,omitempty"`
	MappingSummary string `json:"mapping_summary,omitempty"`
}

// JobResponse describes one recently-run pipeline job for GET /jobs.
type JobResponse struct {
	LocalInfoHash string    `json:"local_infohash"`
	SiteID        string    `json:"site_id"`
	Result        string    `json:"result"`
	Timestamp     time.Time `json:"timestamp"`
}

// Server wires the Orchestrator behind the HTTP contract above.
type Server struct {
	orch   *orchestrator.Orchestrator
	apiKey string

	mu   sync.Mutex
	jobs []JobResponse
}

// NewServer returns a Server that authenticates webhook requests against
// apiKey (server.api_key in configuration).
func NewServer(orch *orchestrator.Orchestrator, apiKey string) *Server {
	return &Server{orch: orch, apiKey: apiKey}
}

// Handler returns the configured http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleBanner)
	mux.HandleFunc("POST /api/webhook", s.handleWebhook)
	mux.HandleFunc("GET /jobs", s.handleJobs)
	return mux
}

func (s *Server) handleBanner(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name": "nemorosa",
		"endpoints": []string{
			"POST /api/webhook?infoHash=HEX",
			"GET /jobs",
		},
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, ProcessResponse{Status: "error", Result: "bad_api_key"})
		return
	}

	hash := r.URL.Query().Get("infoHash")
	if hash == "" {
		writeJSON(w, http.StatusNotFound, ProcessResponse{Status: "error", Result: "missing_infoHash"})
		return
	}

	res, err := s.orch.Announce(r.Context(), orchestrator.Announce{InfoHash: hash})
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusRequestTimeout, ProcessResponse{Status: "error", Result: "timeout"})
		return
	case errors.Is(err, orchestrator.ErrUnknownHash):
		writeJSON(w, http.StatusNotFound, ProcessResponse{Status: "error", Result: "unknown_hash"})
		return
	case err != nil:
		log.Error().Err(err).Str("hash", hash).Msg("httpapi: webhook announce failed")
		writeJSON(w, http.StatusInternalServerError, ProcessResponse{Status: "error", Result: err.Error()})
		return
	}

	s.record(res, hash)

	resp := ProcessResponse{Status: string(res.State)}
	if res.Outcome != nil {
		resp.Result = string(res.Outcome.Result)
		resp.Candidate = res.Outcome.CandidateInfoHash
		resp.MappingSummary = res.Outcome.MappingSummary
	}

	switch res.State {
	case pipeline.StateDone:
		writeJSON(w, http.StatusOK, resp)
	case pipeline.StateSkipped:
		writeJSON(w, http.StatusAccepted, resp)
	default:
		writeJSON(w, http.StatusAccepted, resp)
	}
}

func (s *Server) record(res pipeline.RunResult, hash string) {
	if res.Outcome == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, JobResponse{
		LocalInfoHash: hash,
		SiteID:        res.SiteID,
		Result:        string(res.Outcome.Result),
		Timestamp:     res.Outcome.Timestamp,
	})
	if len(s.jobs) > 500 {
		s.jobs = s.jobs[len(s.jobs)-500:]
	}
}

func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	jobs := make([]JobResponse, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.apiKey == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.TrimPrefix(auth, "Bearer ") == s.apiKey
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("httpapi: encode response")
	}
}

