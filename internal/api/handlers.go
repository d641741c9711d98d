package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/rentline/assistbot/internal/flow"
	"github.com/rentline/assistbot/internal/models"
)

// startChatHandler handles POST /chat/start. With no flow selector in the
// request it returns the initial menu without creating a conversation.
func (s *Server) startChatHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.startChatHandler: processing start request", "method", r.Method, "path", r.URL.Path)

	var req models.StartChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.startChatHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	// No selector yet: show the menu so the client can pick a flow.
	if req.FlowType == "" && req.MenuChoice == "" {
		slog.Debug("Server.startChatHandler: no flow selected, returning menu")
		writeJSONResponse(w, http.StatusOK, models.Success(flow.MenuPrompt()))
		return
	}

	var flowType models.FlowType
	if req.FlowType != "" {
		ft, err := models.ParseFlowType(req.FlowType)
		if err != nil {
			slog.Warn("Server.startChatHandler: invalid flow type", "flowType", req.FlowType)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Unknown flow type: "+req.FlowType))
			return
		}
		flowType = ft
	} else {
		flowType = flow.FlowTypeFromMenuChoice(req.MenuChoice)
	}

	result, err := s.engine.Start(r.Context(), flowType, req.SessionID)
	if err != nil {
		if errors.Is(err, flow.ErrUnknownFlow) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Unknown flow type"))
			return
		}
		slog.Error("Server.startChatHandler: start failed", "flowType", flowType, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to start conversation"))
		return
	}

	status := http.StatusCreated
	if result.Resumed {
		status = http.StatusOK
	}
	slog.Info("Server.startChatHandler: conversation ready", "conversationID", result.ConversationID, "flowType", result.FlowType, "resumed", result.Resumed)
	writeJSONResponse(w, status, models.Success(result))
}

// respondHandler handles POST /chat/respond.
func (s *Server) respondHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.respondHandler: processing response", "method", r.Method, "path", r.URL.Path)

	var req models.ChatResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.respondHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.respondHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	result, err := s.engine.Respond(r.Context(), req.ConversationID, req.Response)
	if err != nil {
		s.writeEngineError(w, "respondHandler", req.ConversationID, err)
		return
	}

	slog.Debug("Server.respondHandler: response recorded", "conversationID", result.ConversationID, "status", result.Status, "invalid", result.Invalid)
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// historyHandler handles GET /chat/{id}/history with limit/offset paging.
func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	slog.Debug("Server.historyHandler: fetching history", "conversationID", id)

	limit, ok := parseQueryInt(w, r, "limit", 0)
	if !ok {
		return
	}
	offset, ok := parseQueryInt(w, r, "offset", 0)
	if !ok {
		return
	}

	messages, err := s.engine.History(r.Context(), id, limit, offset)
	if err != nil {
		s.writeEngineError(w, "historyHandler", id, err)
		return
	}

	slog.Debug("Server.historyHandler: history fetched", "conversationID", id, "count", len(messages))
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"conversation_id": id,
		"messages":        messages,
		"count":           len(messages),
	}))
}

// listConversationsHandler handles GET /admin/conversations.
func (s *Server) listConversationsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.listConversationsHandler invoked", "method", r.Method, "path", r.URL.Path)

	conversations, err := s.engine.ListConversations(r.Context())
	if err != nil {
		slog.Error("Server.listConversationsHandler: list failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch conversations"))
		return
	}

	slog.Debug("Server.listConversationsHandler: conversations fetched", "count", len(conversations))
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"conversations": conversations,
		"count":         len(conversations),
	}))
}

// abandonHandler handles POST /admin/conversations/{id}/abandon.
func (s *Server) abandonHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	slog.Debug("Server.abandonHandler invoked", "conversationID", id)

	if err := s.engine.Abandon(r.Context(), id); err != nil {
		s.writeEngineError(w, "abandonHandler", id, err)
		return
	}

	slog.Info("Server.abandonHandler: conversation abandoned", "conversationID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation abandoned", nil))
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	// A storage round trip doubles as the readiness probe.
	if conversations, err := s.st.ListConversations(); err != nil {
		slog.Warn("Health check: storage probe failed", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Failed to reach storage"
	} else {
		healthData["conversations"] = len(conversations)
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSONResponse(w, statusCode, healthData)
}

// writeEngineError maps engine sentinel errors onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, handler, conversationID string, err error) {
	switch {
	case errors.Is(err, flow.ErrConversationNotFound):
		slog.Warn("Server."+handler+": conversation not found", "conversationID", conversationID)
		writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
	case errors.Is(err, flow.ErrFlowTerminal):
		slog.Warn("Server."+handler+": conversation already closed", "conversationID", conversationID)
		writeJSONResponse(w, http.StatusGone, models.Error("Conversation is already closed"))
	default:
		slog.Error("Server."+handler+": internal error", "conversationID", conversationID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
	}
}

// parseQueryInt reads a non-negative integer query parameter, writing a 400
// response and returning ok=false when the value is malformed.
func parseQueryInt(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		slog.Warn("Server.parseQueryInt: invalid query parameter", "name", name, "value", raw)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid "+name+" parameter"))
		return 0, false
	}
	return v, true
}
