package server

import (
	"net/http"
	"strings"

	"github.com/naos-labs/spine/pkg/api"
	"github.com/naos-labs/spine/pkg/auth"
	"github.com/naos-labs/spine/pkg/orchestrator"
	"github.com/naos-labs/spine/pkg/proposal"
	"github.com/naos-labs/spine/pkg/ratelimit"
	"github.com/naos-labs/spine/pkg/scopes"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"service":     s.info.Service,
		"environment": s.info.Environment,
	})
}

func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"protocol_version":         ProtocolVersion,
		"server_version":           s.info.Version,
		"resource_catalog_version": s.resolver.Catalog().Version(),
	}
	if id, ok := auth.IdentityFrom(r.Context()); ok {
		body["role"] = id.Role
		body["model"] = id.Model
		body["scopes"] = s.registry.Effective(id.Role, id.Model).Strings()
	}
	api.WriteJSON(w, http.StatusOK, body)
}

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	catalog := s.resolver.Catalog()
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"version":   catalog.Version(),
		"resources": catalog.List(),
	})
}

type resolveRequest struct {
	ResourceID string `json:"resource_id"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decode(r, &req); err != nil {
		api.WriteBadRequest(w, r, err.Error())
		return
	}
	if strings.TrimSpace(req.ResourceID) == "" {
		api.WriteBadRequest(w, r, "resource_id is required.")
		return
	}
	id, _ := auth.IdentityFrom(r.Context())
	res, err := s.resolver.Resolve(r.Context(), req.ResourceID, id.Role, id.Model)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

type rateLimitRequest struct {
	Capability string `json:"capability"`
}

type rateLimitResponse struct {
	Key string `json:"key"`
	ratelimit.Decision
}

// handleRateLimitCheck counts one call for the caller's identity under the
// given capability and reports the decision.
func (s *Server) handleRateLimitCheck(w http.ResponseWriter, r *http.Request) {
	var req rateLimitRequest
	if err := decode(r, &req); err != nil {
		api.WriteBadRequest(w, r, err.Error())
		return
	}
	if strings.TrimSpace(req.Capability) == "" {
		api.WriteBadRequest(w, r, "capability is required.")
		return
	}
	if s.limiter == nil {
		api.WriteError(w, r, http.StatusServiceUnavailable, api.CodeInternal, "Service Unavailable", "Rate limiter is not configured.")
		return
	}
	id, _ := auth.IdentityFrom(r.Context())
	key := ratelimit.Key(id.Role, id.Model, req.Capability)
	d, err := s.limiter.Check(r.Context(), key)
	if err != nil {
		api.WriteInternal(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, rateLimitResponse{Key: key, Decision: d})
}

type createRequest struct {
	Title   string            `json:"title"`
	Author  *proposal.Author  `json:"author"`
	Payload *proposal.Payload `json:"payload"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decode(r, &req); err != nil {
		api.WriteBadRequest(w, r, err.Error())
		return
	}
	if strings.TrimSpace(req.Title) == "" || req.Payload == nil {
		api.WriteBadRequest(w, r, "title, author, and payload are required.")
		return
	}

	id, _ := auth.IdentityFrom(r.Context())
	author, err := id.Author(req.Author)
	if err != nil {
		api.WriteBadRequest(w, r, err.Error())
		return
	}
	if author.RequestID == "" {
		author.RequestID = auth.GetRequestID(r.Context())
	}

	p, err := s.proposals.Create(r.Context(), proposal.CreateInput{
		Title:   req.Title,
		Author:  author,
		Payload: *req.Payload,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, p.Summarize(string(scopes.ProposalCreate)))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.proposals.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, p)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	p, err := s.proposals.Revalidate(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, p.Summarize(string(scopes.ProposalValidate)))
}

// applyStatus maps outcomes to response codes. Every outcome carries the
// ApplyResult body.
var applyStatus = map[orchestrator.Outcome]int{
	orchestrator.OutcomeApplied:    http.StatusOK,
	orchestrator.OutcomeBlocked:    http.StatusUnprocessableEntity,
	orchestrator.OutcomeFailed:     http.StatusBadGateway,
	orchestrator.OutcomeInProgress: http.StatusConflict,
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())
	res, err := s.proposals.Apply(r.Context(), r.PathValue("id"), actor(id))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	status, ok := applyStatus[res.Outcome]
	if !ok {
		status = http.StatusOK
	}
	api.WriteJSON(w, status, res)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entries, err := s.proposals.Audit(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"proposal_id": id,
		"entries":     entries,
	})
}

func actor(id auth.Identity) string {
	if id.Model == "" {
		return id.Role
	}
	return id.Role + "/" + id.Model
}
