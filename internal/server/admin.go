package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tributary-ai/llm-relay/internal/registry"
	"github.com/tributary-ai/llm-relay/internal/types"
)

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	list := s.registry.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": list,
		"count":     len(list),
	})
}

func (s *Server) handleCreateProvider(w http.ResponseWriter, r *http.Request) {
	var p types.Provider
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid provider body: "+err.Error())
		return
	}
	if err := s.registry.Upsert(r.Context(), &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, &p)
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("provider %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdateProvider(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.registry.Get(id); !ok {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("provider %s not found", id))
		return
	}

	var p types.Provider
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid provider body: "+err.Error())
		return
	}
	// The path names the record; a mismatched body id is ignored.
	p.ID = id
	if err := s.registry.Upsert(r.Context(), &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, &p)
}

func (s *Server) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.registry.Get(id); !ok {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("provider %s not found", id))
		return
	}
	if err := s.registry.Remove(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBatchCreateProviders(w http.ResponseWriter, r *http.Request) {
	var spec registry.BatchSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid batch body: "+err.Error())
		return
	}
	if _, err := types.ParseFamily(string(spec.Family)); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	created, err := s.registry.BatchCreate(r.Context(), spec)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"providers": created,
		"count":     len(created),
	})
}

func (s *Server) handleListCooldowns(w http.ResponseWriter, r *http.Request) {
	list := s.cooldowns.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cooldowns": list,
		"count":     len(list),
	})
}

type cooldownRequest struct {
	// DurationHours of zero applies the provider's configured duration.
	DurationHours float64 `json:"duration_hours"`
}

func (s *Server) handleSetCooldown(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.registry.Get(id); !ok {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("provider %s not found", id))
		return
	}

	var req cooldownRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid cooldown body: "+err.Error())
		return
	}
	if req.DurationHours < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "cooldown duration must not be negative")
		return
	}

	d := time.Duration(req.DurationHours * float64(time.Hour))
	if err := s.cooldowns.Set(r.Context(), id, d); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	p, _ := s.registry.Get(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider_id":    id,
		"cooldown_until": p.CooldownUntil,
	})
}

func (s *Server) handleClearCooldown(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.registry.Get(id); !ok {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("provider %s not found", id))
		return
	}
	if err := s.cooldowns.Clear(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListBreakers(w http.ResponseWriter, r *http.Request) {
	snapshot := s.breakers.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"breakers": snapshot,
		"open":     s.breakers.OpenCount(),
		"count":    len(snapshot),
	})
}
