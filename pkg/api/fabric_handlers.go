package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/accuscene/corefabric/internal/cache"
	"github.com/accuscene/corefabric/internal/jobs"
	"github.com/accuscene/corefabric/internal/membership"
	"github.com/accuscene/corefabric/internal/replication"
	"github.com/accuscene/corefabric/pkg/errors"
)

// FabricNode is the subset of *fabric.Node the API surfaces as HTTP
// endpoints. Declared as an interface here, rather than importing
// internal/fabric's concrete type, so a handler test can stand in a
// stub without constructing all five subsystems.
type FabricNode interface {
	SubmitJob(job jobs.Job) (jobs.ID, error)
	AwaitResult(ctx context.Context, id jobs.ID, deadline time.Time) (jobs.Result, error)
	CacheGetOrCompute(key cache.Key, ttl time.Duration, compute cache.ComputeFunc) ([]byte, error)
	ReplicatedApply(ctx context.Context, payload []byte) (uint64, error)
	ReadVersioned(key string) (replication.Resolution, error)
	ClusterMembers() []membership.Member
}

func contextWithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}

// newRequestID generates an opaque id for every job submitted over HTTP;
// the request body carries no id field.
func newRequestID() string {
	var buf [12]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}

func (s *Server) fabricUnavailable(w http.ResponseWriter) bool {
	if s.fabric == nil {
		s.respondError(w, http.StatusServiceUnavailable, "fabric node not configured")
		return true
	}
	return false
}

// respondFabricError translates a FabricError (or any other error) into
// an HTTP response using the error's own HTTPStatus when present, the
// same convention documented on errors.GetDefaultHTTPStatus.
func (s *Server) respondFabricError(w http.ResponseWriter, err error) {
	if fe, ok := err.(*errors.FabricError); ok && fe.HTTPStatus != 0 {
		s.respondJSON(w, fe.HTTPStatus, fe)
		return
	}
	s.respondError(w, http.StatusInternalServerError, err.Error())
}

type submitJobRequest struct {
	Name       string `json:"name"`
	Payload    []byte `json:"payload"`
	MaxRetries int    `json:"max_retries"`
	TimeoutMS  int64  `json:"timeout_ms"`
}

// handleSubmitJob implements submit_job: POST /fabric/jobs.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.fabricUnavailable(w) {
		return
	}

	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid job request body")
		return
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	job := jobs.NewJob(jobs.ID(newRequestID()), req.Name, req.Payload, req.MaxRetries, timeout)

	id, err := s.fabric.SubmitJob(job)
	if err != nil {
		s.respondFabricError(w, err)
		return
	}

	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":    id,
		"timestamp": time.Now(),
	})
}

// handleAwaitResult implements await_result: GET /fabric/jobs/{id}?timeout_ms=.
func (s *Server) handleAwaitResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.fabricUnavailable(w) {
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/fabric/jobs/")
	if id == "" {
		s.respondError(w, http.StatusBadRequest, "job id required")
		return
	}

	wait := 5 * time.Second
	if raw := r.URL.Query().Get("timeout_ms"); raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
			wait = time.Duration(ms) * time.Millisecond
		}
	}

	ctx, cancel := contextWithTimeout(r.Context(), wait)
	defer cancel()

	result, err := s.fabric.AwaitResult(ctx, jobs.ID(id), time.Now().Add(wait))
	if err != nil {
		s.respondFabricError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

// handleCacheGetOrCompute implements cache_get_or_compute:
// GET /fabric/cache/{namespace}/{identifier} — a miss without a
// registered compute function reports NotFound rather than invoking an
// arbitrary remote compute, since the API surface has no payload
// through which a caller could supply one.
func (s *Server) handleCacheGetOrCompute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.fabricUnavailable(w) {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/fabric/cache/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		s.respondError(w, http.StatusBadRequest, "expected /fabric/cache/{namespace}/{identifier}")
		return
	}
	key := cache.Key{Namespace: parts[0], Identifier: parts[1]}

	ttl := time.Minute
	if raw := r.URL.Query().Get("ttl_ms"); raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
			ttl = time.Duration(ms) * time.Millisecond
		}
	}

	miss := func(cache.Key) ([]byte, error) {
		return nil, errors.NewError(errors.ErrCodeNotFound, "no cached value and no compute source via HTTP").
			WithComponent("api")
	}

	payload, err := s.fabric.CacheGetOrCompute(key, ttl, miss)
	if err != nil {
		s.respondFabricError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"key":     key.String(),
		"payload": payload,
	})
}

type replicatedApplyRequest struct {
	Payload   []byte `json:"payload"`
	TimeoutMS int64  `json:"timeout_ms"`
}

// handleReplicatedApply implements replicated_apply: POST /fabric/log.
func (s *Server) handleReplicatedApply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.fabricUnavailable(w) {
		return
	}

	var req replicatedApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid apply request body")
		return
	}

	wait := 5 * time.Second
	if req.TimeoutMS > 0 {
		wait = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	ctx, cancel := contextWithTimeout(r.Context(), wait)
	defer cancel()

	index, err := s.fabric.ReplicatedApply(ctx, req.Payload)
	if err != nil {
		s.respondFabricError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"index":     index,
		"timestamp": time.Now(),
	})
}

// handleReadVersioned implements read_versioned: GET /fabric/versioned/{key}.
func (s *Server) handleReadVersioned(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.fabricUnavailable(w) {
		return
	}

	key := strings.TrimPrefix(r.URL.Path, "/fabric/versioned/")
	if key == "" {
		s.respondError(w, http.StatusBadRequest, "key required")
		return
	}

	res, err := s.fabric.ReadVersioned(key)
	if err != nil {
		s.respondFabricError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

// handleClusterMembers implements cluster_members: GET /fabric/members.
func (s *Server) handleClusterMembers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.fabricUnavailable(w) {
		return
	}

	members := s.fabric.ClusterMembers()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"members":   members,
		"count":     len(members),
		"timestamp": time.Now(),
	})
}
