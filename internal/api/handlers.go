package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/go-chi/chi/v5"
)

// StageChangedRequest is the body of a stage-change notification.
type StageChangedRequest struct {
	StageID        string `json:"stage_id"`
	OrganizationID string `json:"organization_id"`
}

// RunFlowRequest is the body of a manual flow run.
type RunFlowRequest struct {
	ConversationID string `json:"conversation_id"`
	StartNodeID    string `json:"start_node_id,omitempty"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

func (s *Server) tickHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.tickHandler: running automation tick")
	stats, err := s.deps.Automations.ExecuteCRMAutomations(r.Context())
	if err != nil {
		slog.Warn("Server.tickHandler: tick failed", "error", err)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}

func (s *Server) stageChangedHandler(w http.ResponseWriter, r *http.Request) {
	dealID := chi.URLParam(r, "dealID")
	var req StageChangedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.stageChangedHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.StageID == "" || req.OrganizationID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required fields: stage_id, organization_id"))
		return
	}
	s.deps.Automations.OnDealStageChanged(r.Context(), dealID, req.StageID, req.OrganizationID)
	slog.Info("Server.stageChangedHandler: stage change processed", "dealID", dealID, "stageID", req.StageID)
	writeJSONResponse(w, http.StatusAccepted, models.SuccessWithMessage("Stage change processed", nil))
}

func (s *Server) runFlowHandler(w http.ResponseWriter, r *http.Request) {
	flowID := chi.URLParam(r, "flowID")
	var req RunFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.runFlowHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: conversation_id"))
		return
	}
	res, err := s.deps.Flows.Run(r.Context(), flowID, req.ConversationID, req.StartNodeID)
	if err != nil {
		slog.Warn("Server.runFlowHandler: run failed", "error", err, "flowID", flowID, "conversationID", req.ConversationID)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

func (s *Server) inboundHandler(w http.ResponseWriter, r *http.Request) {
	var msg models.InboundMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		slog.Warn("Server.inboundHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	receipt, err := s.deps.Inbox.Receive(r.Context(), msg)
	if err != nil {
		slog.Warn("Server.inboundHandler: receive failed", "error", err, "connectionID", msg.ConnectionID)
		if receipt != nil {
			// The message was stored; only the resume failed.
			writeJSONResponse(w, statusForError(err), models.APIResponse{Status: string(models.APIStatusError), Message: err.Error(), Result: receipt})
			return
		}
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(receipt))
}

func (s *Server) connectionStatusHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "connectionID")
	conn, err := s.deps.Connections.GetConnection(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if conn == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Connection not found"))
		return
	}
	status, err := s.deps.Status.Status(r.Context(), *conn)
	if err != nil {
		slog.Warn("Server.connectionStatusHandler: status check failed", "error", err, "connectionID", id)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(status))
}
