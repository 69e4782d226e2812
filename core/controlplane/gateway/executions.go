package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/driftmail/driftmail/core/infra/logging"
	"github.com/driftmail/driftmail/core/pipeline"
)

type startRequest struct {
	LeadIDs []string `json:"lead_ids"`
}

// idempotencyKeyFromRequest reads the Idempotency-Key header, falling
// back to the idempotency_key query parameter.
func idempotencyKeyFromRequest(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		return key
	}
	return strings.TrimSpace(r.URL.Query().Get("idempotency_key"))
}

func (s *Server) handleStartPipeline(w http.ResponseWriter, r *http.Request) {
	pipelineID := r.PathValue("id")
	company := companyFrom(r)

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.LeadIDs) == 0 {
		http.Error(w, "lead_ids required", http.StatusBadRequest)
		return
	}

	// A replayed Idempotency-Key returns the original batch instead of
	// starting the leads again.
	idempotencyKey := idempotencyKeyFromRequest(r)
	if idempotencyKey != "" {
		if batchID, err := s.store.GetStartIdempotencyKey(r.Context(), idempotencyKey); err == nil {
			writeJSON(w, http.StatusOK, map[string]string{
				"batch_id": batchID,
				"message":  "pipeline already started for this key",
			})
			return
		} else if !errors.Is(err, pipeline.ErrNotFound) {
			logging.Error("api-gateway", "idempotency lookup failed", "error", err)
		}
	}

	batchID := uuid.NewString()
	if idempotencyKey != "" {
		ok, err := s.store.TrySetStartIdempotencyKey(r.Context(), idempotencyKey, batchID)
		if err != nil {
			http.Error(w, "idempotency reservation failed", http.StatusInternalServerError)
			return
		}
		if !ok {
			if existing, err := s.store.GetStartIdempotencyKey(r.Context(), idempotencyKey); err == nil {
				writeJSON(w, http.StatusOK, map[string]string{
					"batch_id": existing,
					"message":  "pipeline already started for this key",
				})
				return
			}
			http.Error(w, "idempotency reservation failed", http.StatusConflict)
			return
		}
	}

	result, err := s.orch.Start(r.Context(), company, pipelineID, req.LeadIDs)
	if err != nil {
		if errors.Is(err, pipeline.ErrPipelineNotFoundOrInactive) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batch_id":   batchID,
		"message":    result.Message,
		"executions": result.Executions,
	})
}

// getCompanyExecution loads an execution and hides other tenants' data
// behind ErrNotFound.
func (s *Server) getCompanyExecution(r *http.Request, id string) (*pipeline.PipelineExecution, error) {
	exec, err := s.store.GetExecution(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if exec.CompanyID != companyFrom(r) {
		return nil, pipeline.ErrNotFound
	}
	return exec, nil
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.getCompanyExecution(r, r.PathValue("id"))
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleListExecutionSteps(w http.ResponseWriter, r *http.Request) {
	exec, err := s.getCompanyExecution(r, r.PathValue("id"))
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	steps, err := s.store.ListStepExecutions(r.Context(), exec.ID, limitFrom(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

func (s *Server) handleGetExecutionTimeline(w http.ResponseWriter, r *http.Request) {
	exec, err := s.getCompanyExecution(r, r.PathValue("id"))
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	events, err := s.store.ListTimelineEvents(r.Context(), exec.ID, limitFrom(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	err := s.orch.Cancel(r.Context(), companyFrom(r), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPipelineExecutions(w http.ResponseWriter, r *http.Request) {
	// The pipeline lookup both scopes the tenant and 404s unknown IDs.
	p, err := s.store.GetCompanyPipeline(r.Context(), companyFrom(r), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	list, err := s.store.ListExecutionsByPipeline(r.Context(), p.ID, limitFrom(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleListLeadExecutions(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListExecutionsByLead(r.Context(), r.PathValue("id"), limitFrom(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// Lead indexes span tenants; filter to the caller's company.
	company := companyFrom(r)
	out := make([]*pipeline.PipelineExecution, 0, len(list))
	for _, exec := range list {
		if exec.CompanyID == company {
			out = append(out, exec)
		}
	}
	writeJSON(w, http.StatusOK, out)
}
