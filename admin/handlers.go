package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rtib/cassandra-reaper/coordinator"
)

// AdminHandlers serves the read-only coordination state exposed over the
// admin HTTP surface: the active leaders, the live-instance directory, and
// the node/segment locks held by a given repair run.
type AdminHandlers struct {
	Leads     *coordinator.LeadRegistry
	NodeLocks *coordinator.NodeLockRegistry
	Instances *coordinator.InstanceDirectory
}

// NewAdminHandlers wires the admin HTTP surface to the registries a
// running coordinator instance constructs at startup.
func NewAdminHandlers(leads *coordinator.LeadRegistry, nodeLocks *coordinator.NodeLockRegistry, instances *coordinator.InstanceDirectory) *AdminHandlers {
	return &AdminHandlers{Leads: leads, NodeLocks: nodeLocks, Instances: instances}
}

func writeJSONResponse(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("encode admin response")
	}
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSONResponse(w, status, map[string]string{"error": message})
}

func (h *AdminHandlers) handleLeaders(w http.ResponseWriter, r *http.Request) {
	leaders, err := h.Leads.GetLeaders(r.Context())
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"leaders": leaders})
}

func (h *AdminHandlers) handleInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := h.Instances.GetRunningReapers(r.Context())
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	count, err := h.Instances.CountRunningReapers(r.Context())
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"instances": instances,
		"count":     count,
	})
}

func (h *AdminHandlers) handleLockedSegments(w http.ResponseWriter, r *http.Request) {
	repairID, err := uuid.Parse(chi.URLParam(r, "repairID"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid repair id")
		return
	}

	segments, err := h.NodeLocks.GetLockedSegmentsForRun(r.Context(), repairID)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"segments": segments})
}

func (h *AdminHandlers) handleLockedNodes(w http.ResponseWriter, r *http.Request) {
	repairID, err := uuid.Parse(chi.URLParam(r, "repairID"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid repair id")
		return
	}

	nodes, err := h.NodeLocks.GetLockedNodesForRun(r.Context(), repairID)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"nodes": nodes})
}
