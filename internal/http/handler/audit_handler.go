package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/medvaultapp/medvault/internal/http/middleware"
	"github.com/medvaultapp/medvault/internal/http/response"
	"github.com/medvaultapp/medvault/internal/repository"
	"github.com/medvaultapp/medvault/internal/service"
)

// AuditHandler is the compliance-review surface. Admin only; every
// read of the trail is itself recorded on the trail.
type AuditHandler struct {
	audit *service.AuditService
}

func NewAuditHandler(audit *service.AuditService) *AuditHandler {
	return &AuditHandler{audit: audit}
}

func (h *AuditHandler) reviewerContext(r *http.Request) service.AuditContext {
	auditCtx := service.ExtractContext(r)
	auditCtx.ActorID = middleware.ActorID(r.Context())
	return auditCtx
}

// Query lists audit records. Snapshots stay encrypted in this view.
func (h *AuditHandler) Query(w http.ResponseWriter, r *http.Request) {
	q := repository.AuditLogQuery{
		ResourceType: r.URL.Query().Get("resource_type"),
		Action:       r.URL.Query().Get("action"),
	}
	if v := r.URL.Query().Get("actor_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid actor_id", nil)
			return
		}
		q.ActorID = uint(id)
	}
	if v := r.URL.Query().Get("page"); v != "" {
		q.Page, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("page_size"); v != "" {
		q.PageSize, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("from"); v != "" {
		from, err := time.Parse(time.RFC3339, v)
		if err != nil {
			response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid from timestamp", nil)
			return
		}
		q.From = from
	}
	if v := r.URL.Query().Get("to"); v != "" {
		to, err := time.Parse(time.RFC3339, v)
		if err != nil {
			response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid to timestamp", nil)
			return
		}
		q.To = to
	}

	result, err := h.audit.QueryLogs(q)
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "query failed", nil)
		return
	}

	h.audit.LogAccess("AuditLog", nil, h.reviewerContext(r), &service.Metadata{Count: len(result.Items)})

	response.JSON(w, r, http.StatusOK, result)
}

// Get returns one record with its snapshots decrypted. The decrypted
// read is the privileged operation, so it is audited with the record
// id.
func (h *AuditHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	record, err := h.audit.GetLog(id)
	if err != nil {
		response.Error(w, r, http.StatusNotFound, "NOT_FOUND", "audit record not found", nil)
		return
	}

	payload := map[string]any{"record": record}
	if record.PreviousValue != "" {
		prev, err := h.audit.DecryptSnapshot(record.PreviousValue)
		if err != nil {
			response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "snapshot unreadable", nil)
			return
		}
		payload["previous_value"] = json.RawMessage(prev)
	}
	if record.NewValue != "" {
		next, err := h.audit.DecryptSnapshot(record.NewValue)
		if err != nil {
			response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "snapshot unreadable", nil)
			return
		}
		payload["new_value"] = json.RawMessage(next)
	}

	h.audit.LogAccess("AuditLog", &id, h.reviewerContext(r), &service.Metadata{Reason: "snapshot_review"})

	response.JSON(w, r, http.StatusOK, payload)
}

// Cleanup runs retention deletion on demand.
func (h *AuditHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.audit.CleanupOldLogs()
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "cleanup failed", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]int64{"deleted": deleted})
}
